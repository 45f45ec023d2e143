// Package authdata parses the fixed-layout authenticator data block embedded
// in attestation and assertion payloads.
//
// Layout: 32-byte relying-party ID hash, 1 flags byte, 4-byte big-endian
// sign counter, then, when flag 0x40 is set, the attested credential data:
// 16-byte AAGUID, 2-byte big-endian credential ID length, the credential ID,
// and all remaining bytes as the raw credential public key material.
package authdata

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Flag bits of the authenticator data flags byte.
const (
	FlagUserPresent            = 0x01
	FlagAttestedCredentialData = 0x40
)

const (
	rpIDHashLen  = 32
	counterOff   = 33
	fixedLen     = 37 // rpIDHash + flags + counter
	aaguidLen    = 16
	credIDLenLen = 2
)

// Parse errors.
var (
	ErrTooShort             = errors.New("authenticator data too short")
	ErrNoAttestedCredential = errors.New("attested credential data flag not set")
)

// Record is the decoded authenticator data block.
type Record struct {
	// RPIDHash is the SHA-256 of the relying party identifier the key was
	// created for (the app ID for App Attest).
	RPIDHash [32]byte

	// Flags is the raw flags byte.
	Flags byte

	// SignCount is the big-endian signature counter.
	SignCount uint32

	// AAGUID identifies the authenticator. App Attest uses the ASCII
	// strings "appattest" (production, zero padded) and "appattestdevelop".
	AAGUID [16]byte

	// CredentialID is the authenticator-assigned credential identifier.
	CredentialID []byte

	// CredentialPublicKey is the raw credential public key material
	// trailing the credential ID (COSE encoded for App Attest keys).
	CredentialPublicKey []byte
}

// AttestedCredential reports whether the attested credential data flag is set.
func (r *Record) AttestedCredential() bool {
	return r.Flags&FlagAttestedCredentialData != 0
}

// Parse decodes authenticator data from a first-time attestation. The
// attested credential data block is required; its absence is only valid for
// assertions.
func Parse(data []byte) (*Record, error) {
	rec, err := parseFixed(data)
	if err != nil {
		return nil, err
	}
	if !rec.AttestedCredential() {
		return nil, ErrNoAttestedCredential
	}
	if err := parseCredential(rec, data); err != nil {
		return nil, err
	}
	return rec, nil
}

// ParseAssertion decodes authenticator data from an assertion. Assertions
// normally carry only the 37-byte fixed prefix. App Attest is known to leave
// the attested credential flag set without including the block, so the block
// is parsed only when bytes actually follow the prefix.
func ParseAssertion(data []byte) (*Record, error) {
	rec, err := parseFixed(data)
	if err != nil {
		return nil, err
	}
	if rec.AttestedCredential() && len(data) > fixedLen {
		if err := parseCredential(rec, data); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func parseFixed(data []byte) (*Record, error) {
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrTooShort, len(data), fixedLen)
	}
	rec := &Record{
		Flags:     data[rpIDHashLen],
		SignCount: binary.BigEndian.Uint32(data[counterOff:fixedLen]),
	}
	copy(rec.RPIDHash[:], data[:rpIDHashLen])
	return rec, nil
}

func parseCredential(rec *Record, data []byte) error {
	rest := data[fixedLen:]
	if len(rest) < aaguidLen+credIDLenLen {
		return fmt.Errorf("%w: truncated attested credential data", ErrTooShort)
	}
	copy(rec.AAGUID[:], rest[:aaguidLen])
	rest = rest[aaguidLen:]

	credIDLen := int(binary.BigEndian.Uint16(rest[:credIDLenLen]))
	rest = rest[credIDLenLen:]
	if len(rest) < credIDLen {
		return fmt.Errorf("%w: credential ID length %d exceeds %d remaining bytes",
			ErrTooShort, credIDLen, len(rest))
	}
	rec.CredentialID = rest[:credIDLen]
	rec.CredentialPublicKey = rest[credIDLen:]
	return nil
}
