// Package redis provides Redis-backed implementations of the device trust
// store and challenge store for distributed deployments.
//
// The package takes a Redis client rather than creating one, leaving
// connection pooling, timeouts, and clustering to the caller.
//
// Supported Redis clients:
//   - github.com/redis/go-redis/v9
//   - any client implementing the Cmdable interface
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/device-trust/store"
	"github.com/perimetra/device-trust/trust"
)

// Cmdable is the set of Redis commands this package issues. It is
// compatible with github.com/redis/go-redis/v9.Client and ClusterClient.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	Del(ctx context.Context, keys ...string) IntCmd
	HSet(ctx context.Context, key string, values ...any) IntCmd
	HGetAll(ctx context.Context, key string) MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) Cmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// BoolCmd is the interface for bool command results.
type BoolCmd interface {
	Result() (bool, error)
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// MapStringStringCmd is the interface for map command results.
type MapStringStringCmd interface {
	Result() (map[string]string, error)
}

// Cmd is the interface for generic command results (EVAL).
type Cmd interface {
	Result() (any, error)
}

// advanceCounterScript moves the assertion counter forward only when the
// presented value is strictly greater than the stored one. Running it as a
// script keeps the compare and the write atomic across engine instances.
const advanceCounterScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local cur = tonumber(redis.call("HGET", KEYS[1], "assertion_counter") or "0")
if tonumber(ARGV[1]) > cur then
  redis.call("HSET", KEYS[1], "assertion_counter", ARGV[1])
  return 1
end
return 0
`

// DeviceStoreConfig holds configuration for the Redis device store.
type DeviceStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys
	// (default: "devicetrust:device:").
	KeyPrefix string

	// TTL expires device records after inactivity (default: 0 = keep
	// forever).
	TTL time.Duration
}

// DeviceStore is a Redis-backed store.DeviceStore. Records are stored as
// hashes keyed by the device key ID. The replay-critical counter advance is
// atomic (Lua script); the merge in Write is read-modify-write and
// last-writer-wins per field, which matches how the engine calls it.
type DeviceStore struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewDeviceStore creates a new Redis-backed device store.
func NewDeviceStore(cfg DeviceStoreConfig) (*DeviceStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "devicetrust:device:"
	}

	return &DeviceStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

func (s *DeviceStore) key(keyID string) string {
	return s.keyPrefix + keyID
}

// Read returns the record for keyID, or store.ErrDeviceNotFound.
func (s *DeviceStore) Read(ctx context.Context, keyID string) (*store.DeviceRecord, error) {
	rec, err := s.read(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, store.ErrDeviceNotFound
	}
	return rec, nil
}

// Write inserts or merges a verification outcome and returns the device ID.
func (s *DeviceStore) Write(ctx context.Context, req store.WriteRequest) (string, error) {
	now := time.Now()

	rec, err := s.read(ctx, req.KeyID)
	if err != nil {
		return "", err
	}

	if rec == nil {
		rec = &store.DeviceRecord{
			ID:                  uuid.NewString(),
			KeyID:               req.KeyID,
			PublicKey:           req.PublicKey,
			AttestationVerified: req.Verified,
			AssertionCounter:    req.Counter,
			RiskScore:           req.RiskScore,
			VerificationCount:   1,
			Platform:            req.Platform,
			Flags:               store.MergeFlags(nil, req.Verdicts),
			CreatedAt:           now,
		}
	} else {
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
		rec.Flags = store.MergeFlags(rec.Flags, req.Verdicts)
	}
	rec.TrustLevel = store.CalculateTrustLevel(rec.AttestationVerified, rec.RiskScore, rec.VerificationCount)
	rec.UpdatedAt = now
	rec.LastSeen = now

	if err := s.write(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// AdvanceCounter moves the assertion counter forward when counter is
// strictly greater than the stored value. The check and write run inside
// Redis, so concurrent assertions for the same key admit exactly one winner.
func (s *DeviceStore) AdvanceCounter(ctx context.Context, keyID string, counter uint32) (bool, error) {
	res, err := s.client.Eval(ctx, advanceCounterScript,
		[]string{s.key(keyID)}, strconv.FormatUint(uint64(counter), 10)).Result()
	if err != nil {
		return false, fmt.Errorf("advance counter: %w", err)
	}

	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("advance counter: unexpected script result %T", res)
	}
	return n == 1, nil
}

func (s *DeviceStore) read(ctx context.Context, keyID string) (*store.DeviceRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(keyID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return recordFromHash(keyID, fields)
}

func (s *DeviceStore) write(ctx context.Context, rec *store.DeviceRecord) error {
	key := s.key(rec.KeyID)
	pairs := []any{
		"id", rec.ID,
		"public_key", rec.PublicKey,
		"trust_level", string(rec.TrustLevel),
		"attestation_verified", strconv.FormatBool(rec.AttestationVerified),
		"assertion_counter", strconv.FormatUint(uint64(rec.AssertionCounter), 10),
		"risk_score", strconv.Itoa(rec.RiskScore),
		"verification_count", strconv.Itoa(rec.VerificationCount),
		"platform", string(rec.Platform),
		"flags", strings.Join(rec.Flags, ","),
		"created_at", rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", rec.UpdatedAt.Format(time.RFC3339Nano),
		"last_seen", rec.LastSeen.Format(time.RFC3339Nano),
	}

	if _, err := s.client.HSet(ctx, key, pairs...).Result(); err != nil {
		return fmt.Errorf("write device: %w", err)
	}
	if s.ttl > 0 {
		if _, err := s.client.Expire(ctx, key, s.ttl).Result(); err != nil {
			return fmt.Errorf("expire device: %w", err)
		}
	}
	return nil
}

func recordFromHash(keyID string, fields map[string]string) (*store.DeviceRecord, error) {
	rec := &store.DeviceRecord{
		ID:        fields["id"],
		KeyID:     keyID,
		PublicKey: fields["public_key"],
	}
	rec.TrustLevel = trust.Level(fields["trust_level"])
	rec.Platform = trust.Platform(fields["platform"])
	if flags := fields["flags"]; flags != "" {
		rec.Flags = strings.Split(flags, ",")
	}

	var err error
	if rec.AttestationVerified, err = parseBool(fields["attestation_verified"]); err != nil {
		return nil, fmt.Errorf("device %s: attestation_verified: %w", keyID, err)
	}
	counter, err := parseUint32(fields["assertion_counter"])
	if err != nil {
		return nil, fmt.Errorf("device %s: assertion_counter: %w", keyID, err)
	}
	rec.AssertionCounter = counter
	if rec.RiskScore, err = parseInt(fields["risk_score"]); err != nil {
		return nil, fmt.Errorf("device %s: risk_score: %w", keyID, err)
	}
	if rec.VerificationCount, err = parseInt(fields["verification_count"]); err != nil {
		return nil, fmt.Errorf("device %s: verification_count: %w", keyID, err)
	}

	rec.CreatedAt = parseTime(fields["created_at"])
	rec.UpdatedAt = parseTime(fields["updated_at"])
	rec.LastSeen = parseTime(fields["last_seen"])
	return rec, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// parseTime is lenient: a missing or unparseable timestamp is not worth
// failing a read over.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isNil(err error) bool {
	return err != nil && err.Error() == "redis: nil"
}
