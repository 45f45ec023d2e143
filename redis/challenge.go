package redis

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ChallengeStoreConfig holds configuration for the Redis challenge store.
type ChallengeStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys
	// (default: "devicetrust:challenge:").
	KeyPrefix string

	// Timeout is how long challenges remain valid (default: 5 minutes).
	Timeout time.Duration

	// ChallengeBytes is the number of random bytes per challenge
	// (default: 32).
	ChallengeBytes int
}

// ChallengeStore is a Redis-backed challenge.Store for deployments where
// multiple engine instances must share challenge state. Expiry rides on the
// Redis key TTL; no cleanup goroutine is needed.
type ChallengeStore struct {
	client         Cmdable
	keyPrefix      string
	timeout        time.Duration
	challengeBytes int
}

// NewChallengeStore creates a new Redis-backed challenge store.
func NewChallengeStore(cfg ChallengeStoreConfig) (*ChallengeStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "devicetrust:challenge:"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	challengeBytes := cfg.ChallengeBytes
	if challengeBytes == 0 {
		challengeBytes = 32
	}

	return &ChallengeStore{
		client:         cfg.Client,
		keyPrefix:      keyPrefix,
		timeout:        timeout,
		challengeBytes: challengeBytes,
	}, nil
}

// Generate mints a new challenge for the scope, replacing any outstanding
// one. The Redis TTL enforces expiry.
func (s *ChallengeStore) Generate(scope string) (string, error) {
	b := make([]byte, s.challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}

	challenge := base64.RawURLEncoding.EncodeToString(b)

	ctx := context.Background()
	if err := s.client.Set(ctx, s.keyPrefix+scope, challenge, s.timeout).Err(); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}

	return challenge, nil
}

// Validate consumes the challenge for the scope. Missing, expired, and
// mismatched challenges all report false; only a successful match deletes
// the key.
func (s *ChallengeStore) Validate(scope, challenge string) bool {
	ctx := context.Background()
	key := s.keyPrefix + scope

	stored, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(challenge)) != 1 {
		return false
	}

	s.client.Del(ctx, key)
	return true
}

// Close is a no-op; the Redis client lifecycle belongs to the caller.
func (s *ChallengeStore) Close() {}
