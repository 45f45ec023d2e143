package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/perimetra/device-trust/trust"
)

// DB is the subset of a pgx connection the Postgres store needs. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema is the DDL for the table backing PostgresStore. Callers manage
// migrations themselves; this is provided for tests and bootstrap scripts.
const Schema = `
CREATE TABLE IF NOT EXISTS device_attestations (
    id                   UUID PRIMARY KEY,
    key_id               TEXT NOT NULL UNIQUE,
    public_key           TEXT,
    trust_level          TEXT NOT NULL,
    attestation_verified BOOLEAN NOT NULL,
    assertion_counter    BIGINT NOT NULL DEFAULT 0,
    risk_score           INTEGER NOT NULL,
    verification_count   INTEGER NOT NULL DEFAULT 1,
    platform             TEXT NOT NULL,
    flags                TEXT[] NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen            TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore is a DeviceStore backed by Postgres. The ratchet rules are
// enforced inside the upsert so concurrent writers cannot regress a record.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a device store on top of an existing connection
// or pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const readSQL = `
SELECT id, key_id, COALESCE(public_key, ''), trust_level, attestation_verified,
       assertion_counter, risk_score, verification_count, platform, flags,
       created_at, updated_at, last_seen
FROM device_attestations
WHERE key_id = $1`

// Read returns the record for keyID, or ErrDeviceNotFound.
func (s *PostgresStore) Read(ctx context.Context, keyID string) (*DeviceRecord, error) {
	row := s.db.QueryRow(ctx, readSQL, keyID)

	var (
		rec      DeviceRecord
		counter  int64
		level    string
		platform string
	)
	err := row.Scan(&rec.ID, &rec.KeyID, &rec.PublicKey, &level, &rec.AttestationVerified,
		&counter, &rec.RiskScore, &rec.VerificationCount, &platform, &rec.Flags,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read device %s: %w", keyID, err)
	}
	rec.AssertionCounter = uint32(counter)
	rec.TrustLevel = trust.Level(level)
	rec.Platform = trust.Platform(platform)
	return &rec, nil
}

const upsertSQL = `
INSERT INTO device_attestations (
    id, key_id, public_key, trust_level, attestation_verified,
    assertion_counter, risk_score, verification_count, platform, flags,
    created_at, updated_at, last_seen
) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 1, $8, $9, now(), now(), now())
ON CONFLICT (key_id) DO UPDATE SET
    public_key           = COALESCE(device_attestations.public_key, NULLIF(EXCLUDED.public_key, '')),
    attestation_verified = EXCLUDED.attestation_verified,
    assertion_counter    = GREATEST(device_attestations.assertion_counter, EXCLUDED.assertion_counter),
    risk_score           = LEAST(device_attestations.risk_score, EXCLUDED.risk_score),
    verification_count   = device_attestations.verification_count + 1,
    platform             = EXCLUDED.platform,
    flags                = (
        SELECT COALESCE(array_agg(DISTINCT f), '{}')
        FROM unnest(device_attestations.flags || EXCLUDED.flags) AS f
    ),
    updated_at           = now(),
    last_seen            = now()
RETURNING id, attestation_verified, risk_score, verification_count`

const setLevelSQL = `
UPDATE device_attestations SET trust_level = $2 WHERE id = $1`

// Write inserts or merges a verification outcome. The trust level is
// recomputed from the merged row returned by the upsert.
func (s *PostgresStore) Write(ctx context.Context, req WriteRequest) (string, error) {
	id := uuid.NewString()
	insertLevel := CalculateTrustLevel(req.Verified, req.RiskScore, 1)

	row := s.db.QueryRow(ctx, upsertSQL,
		id, req.KeyID, req.PublicKey, string(insertLevel), req.Verified,
		int64(req.Counter), req.RiskScore, string(req.Platform), req.Verdicts)

	var (
		deviceID string
		verified bool
		risk     int
		count    int
	)
	if err := row.Scan(&deviceID, &verified, &risk, &count); err != nil {
		return "", fmt.Errorf("write device %s: %w", req.KeyID, err)
	}

	level := CalculateTrustLevel(verified, risk, count)
	if _, err := s.db.Exec(ctx, setLevelSQL, deviceID, string(level)); err != nil {
		return "", fmt.Errorf("update trust level for device %s: %w", req.KeyID, err)
	}
	return deviceID, nil
}

const advanceSQL = `
UPDATE device_attestations
SET assertion_counter = $2, updated_at = now(), last_seen = now()
WHERE key_id = $1 AND assertion_counter < $2`

// AdvanceCounter moves the assertion counter forward. The guard in the WHERE
// clause makes the compare-and-set atomic, so only one of two concurrent
// assertions with the same counter can succeed.
func (s *PostgresStore) AdvanceCounter(ctx context.Context, keyID string, counter uint32) (bool, error) {
	tag, err := s.db.Exec(ctx, advanceSQL, keyID, int64(counter))
	if err != nil {
		return false, fmt.Errorf("advance counter for device %s: %w", keyID, err)
	}
	return tag.RowsAffected() == 1, nil
}
