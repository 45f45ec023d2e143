// Package trust defines the shared trust vocabulary: platform identifiers
// and the categorical trust levels emitted by verifiers and the device store.
package trust

// Platform represents the mobile platform.
type Platform string

// Platform constants for iOS and Android.
const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Level is the categorical trust assigned to a device.
type Level string

// Trust levels, ordered roughly from least to most information:
// Unknown means nothing conclusive is known, Trusted means verification
// passed with moderate confidence, Verified means strong cryptographic
// confidence, Suspicious means a check failed or risk is high, Blocked is
// an operator override applied outside this library.
const (
	LevelUnknown    Level = "unknown"
	LevelTrusted    Level = "trusted"
	LevelVerified   Level = "verified"
	LevelSuspicious Level = "suspicious"
	LevelBlocked    Level = "blocked"
)

// Valid reports whether l is one of the defined trust levels.
func (l Level) Valid() bool {
	switch l {
	case LevelUnknown, LevelTrusted, LevelVerified, LevelSuspicious, LevelBlocked:
		return true
	}
	return false
}

// LevelForRisk maps a per-protocol risk score to the trust level a verifier
// attaches to its outcome: at most 10 is verified, at most 30 trusted, at
// most 60 unknown, anything above suspicious. This is the transient level
// riding a single verification; the level persisted with a device record is
// computed separately by the device store from its accumulated history.
func LevelForRisk(riskScore int) Level {
	switch {
	case riskScore <= 10:
		return LevelVerified
	case riskScore <= 30:
		return LevelTrusted
	case riskScore <= 60:
		return LevelUnknown
	default:
		return LevelSuspicious
	}
}
