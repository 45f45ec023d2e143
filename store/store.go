// Package store persists device trust records keyed by attestation key ID.
//
// A record accumulates state across verifications: the risk score only
// ratchets downward, the assertion counter only moves forward, and the
// verification count grows on every attempt. Implementations must be safe
// for concurrent use.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/perimetra/device-trust/trust"
)

// ErrDeviceNotFound is returned by Read when no record exists for a key ID.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceRecord is the persisted trust state for one attested device key.
type DeviceRecord struct {
	// ID is the stable device identifier assigned on first write.
	ID string

	// KeyID is the attestation key identifier the record is keyed by.
	KeyID string

	// PublicKey is the base64-encoded uncompressed P-256 public key
	// captured from the device's attestation. Empty until an attestation
	// supplies one; never overwritten afterwards.
	PublicKey string

	// TrustLevel is the persisted level derived from the record's history.
	TrustLevel trust.Level

	// AttestationVerified reports whether the most recent verification
	// succeeded.
	AttestationVerified bool

	// AssertionCounter is the highest assertion counter seen for this key.
	AssertionCounter uint32

	// RiskScore is the lowest risk score ever observed for this device.
	RiskScore int

	// VerificationCount is the number of verification attempts, successful
	// or not.
	VerificationCount int

	Platform trust.Platform

	// Flags holds the distinct verdict strings accumulated across writes.
	Flags []string

	CreatedAt time.Time
	UpdatedAt time.Time
	LastSeen  time.Time
}

// WriteRequest carries the outcome of a single verification into the store.
type WriteRequest struct {
	KeyID    string
	Platform trust.Platform

	// Verified is the outcome of this verification attempt.
	Verified bool

	// PublicKey is set by attestations that extracted a credential key.
	// Ignored when the record already holds one.
	PublicKey string

	// Counter is the assertion counter observed by this verification.
	// The stored counter never moves backwards.
	Counter uint32

	// RiskScore is the risk computed for this verification. The stored
	// score keeps the minimum across all writes.
	RiskScore int

	// Verdicts are merged into the record's flags.
	Verdicts []string
}

// DeviceStore persists and updates device trust records.
type DeviceStore interface {
	// Read returns the record for a key ID, or ErrDeviceNotFound.
	Read(ctx context.Context, keyID string) (*DeviceRecord, error)

	// Write inserts or merges a verification outcome and returns the
	// device ID. Inserts start with a verification count of one; merges
	// apply the ratchet rules and recompute the trust level.
	Write(ctx context.Context, req WriteRequest) (string, error)

	// AdvanceCounter moves the assertion counter forward if and only if
	// counter is strictly greater than the stored value. It reports false
	// when the device is unknown or the counter did not advance, which
	// callers treat as a replay.
	AdvanceCounter(ctx context.Context, keyID string, counter uint32) (bool, error)
}

// CalculateTrustLevel derives the persisted trust level from a record's
// accumulated history. Unverified or high-risk devices are suspicious,
// mid-range risk is unknown, and a device needs more than five verifications
// with low risk before it is promoted from trusted to verified.
func CalculateTrustLevel(verified bool, riskScore, verificationCount int) trust.Level {
	switch {
	case !verified || riskScore >= 80:
		return trust.LevelSuspicious
	case riskScore >= 50:
		return trust.LevelUnknown
	case verificationCount > 5 && riskScore < 20:
		return trust.LevelVerified
	default:
		return trust.LevelTrusted
	}
}

// MergeFlags returns the sorted distinct union of two flag sets. Both inputs
// are left unmodified.
func MergeFlags(existing, incoming []string) []string {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, set := range [][]string{existing, incoming} {
		for _, f := range set {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			merged = append(merged, f)
		}
	}
	sort.Strings(merged)
	return merged
}
