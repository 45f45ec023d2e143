package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory DeviceStore. Suitable for testing and
// development; production deployments should use the Postgres or Redis
// backed stores.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*DeviceRecord
}

// NewMemoryStore creates an empty in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*DeviceRecord),
	}
}

// Read returns a copy of the record for keyID, or ErrDeviceNotFound.
func (s *MemoryStore) Read(ctx context.Context, keyID string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.devices[keyID]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	return copyRecord(rec), nil
}

// Write inserts or merges a verification outcome and returns the device ID.
func (s *MemoryStore) Write(ctx context.Context, req WriteRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	rec, exists := s.devices[req.KeyID]
	if !exists {
		rec = &DeviceRecord{
			ID:                  uuid.NewString(),
			KeyID:               req.KeyID,
			PublicKey:           req.PublicKey,
			TrustLevel:          CalculateTrustLevel(req.Verified, req.RiskScore, 1),
			AttestationVerified: req.Verified,
			AssertionCounter:    req.Counter,
			RiskScore:           req.RiskScore,
			VerificationCount:   1,
			Platform:            req.Platform,
			Flags:               MergeFlags(nil, req.Verdicts),
			CreatedAt:           now,
			UpdatedAt:           now,
			LastSeen:            now,
		}
		s.devices[req.KeyID] = rec
		return rec.ID, nil
	}

	rec.AttestationVerified = req.Verified
	if rec.PublicKey == "" {
		rec.PublicKey = req.PublicKey
	}
	if req.Counter > rec.AssertionCounter {
		rec.AssertionCounter = req.Counter
	}
	if req.RiskScore < rec.RiskScore {
		rec.RiskScore = req.RiskScore
	}
	rec.VerificationCount++
	rec.Platform = req.Platform
	rec.Flags = MergeFlags(rec.Flags, req.Verdicts)
	rec.TrustLevel = CalculateTrustLevel(rec.AttestationVerified, rec.RiskScore, rec.VerificationCount)
	rec.UpdatedAt = now
	rec.LastSeen = now
	return rec.ID, nil
}

// AdvanceCounter moves the assertion counter forward when counter is
// strictly greater than the stored value.
func (s *MemoryStore) AdvanceCounter(ctx context.Context, keyID string, counter uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.devices[keyID]
	if !exists {
		return false, nil
	}
	if counter <= rec.AssertionCounter {
		return false, nil
	}

	now := time.Now()
	rec.AssertionCounter = counter
	rec.UpdatedAt = now
	rec.LastSeen = now
	return true, nil
}

// Len returns the number of stored device records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func copyRecord(rec *DeviceRecord) *DeviceRecord {
	out := *rec
	if rec.Flags != nil {
		out.Flags = append([]string(nil), rec.Flags...)
	}
	return &out
}
