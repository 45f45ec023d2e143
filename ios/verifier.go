// Package ios verifies Apple device integrity evidence: App Attest
// attestations and assertions, plus the opaque DeviceCheck token fallback.
//
// Verification never returns an error for attacker-controlled input. Every
// check resolves into a result carrying a verified flag, a risk score, and a
// trust level; hard failures pin the score to 100.
//
// See: https://developer.apple.com/documentation/devicecheck/establishing_your_app_s_integrity
package ios

import (
	"bytes"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/perimetra/device-trust/authdata"
	"github.com/perimetra/device-trust/cborlite"
	"github.com/perimetra/device-trust/trust"
)

// Risk scores assigned by the iOS verifiers. Higher is worse.
const (
	riskAssertion     = 5
	riskChainVerified = 10
	riskNoStoredKey   = 20
	riskNoChain       = 30
	riskDeviceCheck   = 40
	riskHardFailure   = 100
)

// minAttestationSize is the smallest plausible decoded attestation object.
// Genuine App Attest containers run to several kilobytes; anything smaller
// cannot hold a credential and is rejected before decoding.
const minAttestationSize = 500

// attestationFormat is the only signing-statement format App Attest emits.
const attestationFormat = "apple-appattest"

// AAGUID values App Attest embeds in authenticator data.
var (
	aaguidProduction  = aaguid("appattest")
	aaguidDevelopment = aaguid("appattestdevelop")
)

func aaguid(s string) (a [16]byte) {
	copy(a[:], s)
	return a
}

// Config holds configuration for iOS verification.
type Config struct {
	// BundleIDs is the list of allowed app bundle identifiers (required).
	BundleIDs []string

	// TeamID is the Apple Developer Team ID. When set, the relying-party
	// hash of every attestation must equal SHA-256("{TeamID}.{bundleID}").
	TeamID string

	// SkipChainVerification accepts a present certificate chain without
	// verifying it against the Apple root CA. Offline and test use only.
	SkipChainVerification bool

	// SkipEnvironmentCheck accepts AAGUID values other than the production
	// and development App Attest environments.
	SkipEnvironmentCheck bool
}

// Verifier verifies iOS App Attest attestations and assertions.
type Verifier struct {
	bundleIDs map[string]struct{}
	teamID    string
	roots     *x509.CertPool
	skipChain bool
	skipEnv   bool
}

// NewVerifier creates a new iOS verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.BundleIDs) == 0 {
		return nil, errors.New("at least one bundle ID is required")
	}

	bundleIDs := make(map[string]struct{}, len(cfg.BundleIDs))
	for _, id := range cfg.BundleIDs {
		bundleIDs[id] = struct{}{}
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(appleAppAttestRootCA)) {
		return nil, errors.New("failed to parse Apple root CA")
	}

	return &Verifier{
		bundleIDs: bundleIDs,
		teamID:    cfg.TeamID,
		roots:     roots,
		skipChain: cfg.SkipChainVerification,
		skipEnv:   cfg.SkipEnvironmentCheck,
	}, nil
}

// AttestationRequest carries one first-time attestation to verify.
type AttestationRequest struct {
	// KeyID is the base64 key identifier from DCAppAttestService.generateKey.
	KeyID string

	// Attestation is the base64 attestation object.
	Attestation string

	// BundleID is the app bundle identifier claimed by the caller
	// (optional; must be in the allowed set when present).
	BundleID string

	// Challenge is the server challenge the attestation was generated
	// over. Used for nonce binding when the certificate chain verifies.
	Challenge string
}

// AttestationResult is the outcome of attestation verification.
type AttestationResult struct {
	// Verified reports whether the attestation was accepted.
	Verified bool

	// TrustLevel is the per-protocol level for this verification.
	TrustLevel trust.Level

	// RiskScore is the protocol risk: 10 with a verified chain, 30
	// without one, 100 on any hard failure.
	RiskScore int

	// Message explains degraded or failed outcomes.
	Message string

	// KeyID echoes the verified key identifier.
	KeyID string

	// PublicKey is the base64 uncompressed credential key point, for the
	// device store.
	PublicKey string

	// Receipt is the attestation receipt for fraud assessment.
	Receipt []byte

	// SignCount is the attestation counter (zero for a fresh key).
	SignCount uint32
}

// VerifyAttestation verifies an App Attest attestation object.
func (v *Verifier) VerifyAttestation(req *AttestationRequest) *AttestationResult {
	fail := func(message string) *AttestationResult {
		return &AttestationResult{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    message,
			KeyID:      req.KeyID,
		}
	}

	if req.KeyID == "" || req.Attestation == "" {
		return fail("key ID and attestation are required")
	}
	if req.BundleID != "" {
		if _, ok := v.bundleIDs[req.BundleID]; !ok {
			return fail("bundle ID not in allowed set")
		}
	}

	data, err := decodeB64(req.Attestation)
	if err != nil {
		return fail("attestation is not valid base64")
	}
	if len(data) < minAttestationSize {
		return fail(fmt.Sprintf("attestation too small: %d bytes", len(data)))
	}

	container, ok := parseAttestation(data)
	if !ok {
		return fail("malformed attestation container")
	}
	if container.format != attestationFormat {
		return fail("unexpected attestation format " + container.format)
	}

	rec, err := authdata.Parse(container.authData)
	if err != nil {
		return fail("invalid authenticator data: " + err.Error())
	}

	if !v.appIDMatches(rec.RPIDHash, req.BundleID) {
		return fail("App ID hash mismatch")
	}
	if rec.SignCount != 0 {
		return fail(fmt.Sprintf("attestation counter is %d, want 0", rec.SignCount))
	}
	if !v.skipEnv && rec.AAGUID != aaguidProduction && rec.AAGUID != aaguidDevelopment {
		return fail("unrecognized attestation environment")
	}

	point, err := credentialPoint(rec.CredentialPublicKey)
	if err != nil {
		return fail("invalid credential key: " + err.Error())
	}

	keyIDBytes, err := decodeB64(req.KeyID)
	pointHash := sha256.Sum256(point)
	if err != nil || !bytes.Equal(keyIDBytes, pointHash[:]) {
		return fail("key ID does not match credential key")
	}

	riskScore := riskNoChain
	message := "attested without certificate chain verification"
	if len(container.x5c) > 0 {
		if !v.skipChain {
			leaf, err := v.verifyChain(container.x5c)
			if err != nil {
				return fail("certificate chain rejected: " + err.Error())
			}
			if err := matchLeafKey(leaf, point); err != nil {
				return fail(err.Error())
			}
			if req.Challenge != "" {
				if err := verifyNonce(leaf, container.authData, req.Challenge); err != nil {
					return fail("challenge binding failed: " + err.Error())
				}
			}
		}
		riskScore = riskChainVerified
		message = "attestation verified with certificate chain"
	}

	return &AttestationResult{
		Verified:   true,
		TrustLevel: trust.LevelForRisk(riskScore),
		RiskScore:  riskScore,
		Message:    message,
		KeyID:      req.KeyID,
		PublicKey:  base64.StdEncoding.EncodeToString(point),
		Receipt:    container.receipt,
		SignCount:  rec.SignCount,
	}
}

// appIDMatches checks the relying-party hash against the configured team and
// bundle identifiers. Without a team ID the hash cannot be predicted and the
// check is skipped.
func (v *Verifier) appIDMatches(rpIDHash [32]byte, bundleID string) bool {
	if v.teamID == "" {
		return true
	}
	if bundleID != "" {
		return sha256.Sum256([]byte(v.teamID+"."+bundleID)) == rpIDHash
	}
	for id := range v.bundleIDs {
		if sha256.Sum256([]byte(v.teamID+"."+id)) == rpIDHash {
			return true
		}
	}
	return false
}

// attestationContainer is the decoded signing statement.
type attestationContainer struct {
	format   string
	x5c      [][]byte
	receipt  []byte
	authData []byte
}

func parseAttestation(data []byte) (*attestationContainer, bool) {
	var c attestationContainer
	d := cborlite.NewDecoder(data)
	ok := d.Map(func(kv *cborlite.Decoder) bool {
		var key string
		if !kv.String(&key) {
			return false
		}
		switch key {
		case "fmt":
			return kv.String(&c.format)
		case "attStmt":
			return kv.Map(func(stmt *cborlite.Decoder) bool {
				var field string
				if !stmt.String(&field) {
					return false
				}
				switch field {
				case "x5c":
					return stmt.Array(func(e *cborlite.Decoder) bool {
						var der []byte
						if !e.Bytes(&der) {
							return false
						}
						c.x5c = append(c.x5c, der)
						return true
					})
				case "receipt":
					return stmt.Bytes(&c.receipt)
				default:
					return stmt.Skip()
				}
			})
		case "authData":
			return kv.Bytes(&c.authData)
		default:
			return kv.Skip()
		}
	})
	if !ok || !d.Done() || c.format == "" || len(c.authData) == 0 {
		return nil, false
	}
	return &c, true
}

// credentialPoint decodes the COSE-encoded credential key and returns the
// 65-byte uncompressed P-256 point 0x04 || X || Y.
func credentialPoint(coseKey []byte) ([]byte, error) {
	var cose map[int]any
	if err := cbor.Unmarshal(coseKey, &cose); err != nil {
		return nil, fmt.Errorf("decode COSE key: %w", err)
	}

	x, _ := cose[-2].([]byte)
	y, _ := cose[-3].([]byte)
	if len(x) != 32 || len(y) != 32 {
		return nil, errors.New("COSE key is not a P-256 point")
	}

	point := make([]byte, 65)
	point[0] = 0x04
	copy(point[1:33], x)
	copy(point[33:], y)

	if px, _ := elliptic.Unmarshal(elliptic.P256(), point); px == nil {
		return nil, errors.New("credential key is not on the curve")
	}
	return point, nil
}

// decodeB64 accepts standard or URL-safe base64, padded or raw.
func decodeB64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}
