package ios

import "github.com/perimetra/device-trust/trust"

// minDeviceCheckTokenSize is the smallest decoded token accepted. DeviceCheck
// tokens are opaque blobs well past this size; the floor only rejects junk.
const minDeviceCheckTokenSize = 50

// DeviceCheckResult is the outcome of the DeviceCheck fallback.
type DeviceCheckResult struct {
	// Verified reports whether the token was structurally plausible.
	Verified bool

	// TrustLevel never exceeds trusted: the token is accepted on shape
	// alone, without the vendor server-to-server query that would confirm
	// device integrity.
	TrustLevel trust.Level

	// RiskScore is a fixed 40 on success, 100 on a malformed token.
	RiskScore int

	Message string
}

// VerifyDeviceCheck validates a DeviceCheck token shape for devices that
// predate App Attest.
func (v *Verifier) VerifyDeviceCheck(token string) *DeviceCheckResult {
	data, err := decodeB64(token)
	if err != nil || len(data) < minDeviceCheckTokenSize {
		return &DeviceCheckResult{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    "malformed DeviceCheck token",
		}
	}

	return &DeviceCheckResult{
		Verified:   true,
		TrustLevel: trust.LevelTrusted,
		RiskScore:  riskDeviceCheck,
		Message:    "DeviceCheck token accepted without vendor verification",
	}
}
