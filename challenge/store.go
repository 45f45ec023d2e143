// Package challenge issues and consumes server-generated challenges that
// bind an attestation to a specific server request.
//
// A challenge is minted for a scope (a key ID, session, or user), handed to
// the device, embedded by the device in its attestation, and consumed
// exactly once when the attestation comes back. Unconsumed challenges expire.
package challenge

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"
)

// Store issues and consumes attestation challenges.
type Store interface {
	// Generate mints a new challenge for the scope, replacing any
	// outstanding one.
	Generate(scope string) (string, error)

	// Validate consumes the challenge for the scope. It reports true
	// only when the challenge exists, matches, and has not expired;
	// a successful validation removes it.
	Validate(scope, challenge string) bool

	// Close stops background cleanup.
	Close()
}

// Config holds configuration for the challenge store.
type Config struct {
	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// CleanupInterval is how often expired challenges are swept
	// (default: 1 minute).
	CleanupInterval time.Duration

	// ChallengeBytes is the number of random bytes per challenge
	// (default: 32).
	ChallengeBytes int
}

type entry struct {
	challenge string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store for single-instance deployments.
// Distributed deployments should use the Redis-backed implementation.
type MemoryStore struct {
	mu             sync.RWMutex
	entries        map[string]entry
	timeout        time.Duration
	challengeBytes int
	closeCh        chan struct{}
	closed         bool
}

// NewMemoryStore creates a new in-memory challenge store and starts its
// cleanup goroutine.
func NewMemoryStore(cfg Config) *MemoryStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	challengeBytes := cfg.ChallengeBytes
	if challengeBytes == 0 {
		challengeBytes = 32
	}

	s := &MemoryStore{
		entries:        make(map[string]entry),
		timeout:        timeout,
		challengeBytes: challengeBytes,
		closeCh:        make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// Generate mints a cryptographically random challenge for the scope.
func (s *MemoryStore) Generate(scope string) (string, error) {
	b := make([]byte, s.challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	challenge := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	s.entries[scope] = entry{
		challenge: challenge,
		expiresAt: time.Now().Add(s.timeout),
	}
	s.mu.Unlock()

	return challenge, nil
}

// Validate consumes the challenge for the scope. Expired entries are removed
// whether or not the challenge matches; a live entry is removed only on a
// successful match, so a mistyped retry does not burn it.
func (s *MemoryStore) Validate(scope, challenge string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[scope]
	if !exists {
		return false
	}

	if time.Now().After(e.expiresAt) {
		delete(s.entries, scope)
		return false
	}

	if subtle.ConstantTimeCompare([]byte(e.challenge), []byte(challenge)) != 1 {
		return false
	}

	delete(s.entries, scope)
	return true
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for scope, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, scope)
		}
	}
}

// Len reports the number of outstanding challenges.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
