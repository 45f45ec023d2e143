package devicetrust

import (
	"errors"

	"github.com/perimetra/device-trust/trust"
)

// Type selects the verification protocol a request carries.
type Type string

// Request types accepted by the engine.
const (
	// TypeAttestation is a first-time iOS App Attest attestation.
	TypeAttestation Type = "attestation"

	// TypeAssertion is a per-request iOS App Attest assertion.
	TypeAssertion Type = "assertion"

	// TypeDeviceCheck is the iOS DeviceCheck fallback for devices that
	// predate App Attest.
	TypeDeviceCheck Type = "device_check"

	// TypeIntegrity is an Android Play Integrity token verification.
	TypeIntegrity Type = "integrity"

	// TypeSafetyNet is the deprecated Android SafetyNet fallback.
	TypeSafetyNet Type = "safetynet"
)

// Errors returned by the engine for caller contract violations. Failures
// driven by request content resolve into a Verdict instead.
var (
	ErrNilRequest       = errors.New("nil request")
	ErrNotConfigured    = errors.New("platform not configured")
	ErrNoChallengeStore = errors.New("no challenge store configured")
	ErrClosed           = errors.New("engine is closed")
)

// Request is a platform-tagged verification request. Which fields apply
// depends on Type; requests missing fields their type requires are rejected
// with structured verdicts rather than errors.
type Request struct {
	// Type selects the verification protocol.
	Type Type `json:"type" validate:"required,oneof=attestation assertion device_check integrity safetynet"`

	// KeyID is the attestation key identifier. Required for attestation
	// and assertion; for Android requests it is an optional stable store
	// key for callers that track installs.
	KeyID string `json:"keyId,omitempty"`

	// Attestation is the base64 App Attest attestation object.
	Attestation string `json:"attestation,omitempty"`

	// Assertion is the base64 App Attest assertion object.
	Assertion string `json:"assertion,omitempty"`

	// ClientDataHash is the base64 hash of the client data the assertion
	// signed.
	ClientDataHash string `json:"clientDataHash,omitempty"`

	// Challenge is the server-issued challenge echoed by the client.
	Challenge string `json:"challenge,omitempty"`

	// Token is the DeviceCheck token.
	Token string `json:"token,omitempty"`

	// BundleID is the claimed iOS bundle identifier.
	BundleID string `json:"bundleId,omitempty"`

	// IntegrityToken is the Play Integrity token, or the SafetyNet JWS.
	IntegrityToken string `json:"integrityToken,omitempty"`

	// Nonce is the server-issued nonce expected inside Android tokens.
	Nonce string `json:"nonce,omitempty"`

	// PackageName selects the Android decode target.
	PackageName string `json:"packageName,omitempty"`
}

// Verdict is the normalized outcome of one verification. Every code path
// produces a well-formed Verdict, including malformed input and upstream
// failures.
type Verdict struct {
	// Verified reports whether the check passed.
	Verified bool `json:"verified"`

	// TrustLevel is the per-protocol level for this verification. The
	// persisted record's level is computed separately by the store from
	// the device's accumulated history.
	TrustLevel trust.Level `json:"trustLevel"`

	// RiskScore is 0-100, lower is more trustworthy.
	RiskScore int `json:"riskScore"`

	// Message explains degraded or failed outcomes.
	Message string `json:"message,omitempty"`

	// DeviceID is the stable device identifier assigned by the trust
	// store. Empty when the outcome could not be persisted.
	DeviceID string `json:"deviceId,omitempty"`

	// Platform the request was verified as.
	Platform trust.Platform `json:"platform,omitempty"`

	// Verdicts carries raw platform verdict strings for audit.
	Verdicts []string `json:"verdicts,omitempty"`
}
