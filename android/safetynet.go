package android

import (
	"encoding/json"
	"strings"

	"github.com/perimetra/device-trust/trust"
)

// SafetyNet scoring. The verdict starts at the base and earns credit for
// each passing check; it can never reach the verified tier.
const (
	riskSafetyNetBase    = 40
	creditCTSProfile     = 15
	creditBasicIntegrity = 10
)

// safetyNetClaims is the payload segment of a SafetyNet attestation JWS.
type safetyNetClaims struct {
	Nonce           string `json:"nonce"`
	TimestampMs     int64  `json:"timestampMs"`
	APKPackageName  string `json:"apkPackageName"`
	CTSProfileMatch bool   `json:"ctsProfileMatch"`
	BasicIntegrity  bool   `json:"basicIntegrity"`
}

// VerifySafetyNet inspects a legacy SafetyNet attestation. The JWS signature
// is NOT verified; the verdict is read as-is from the payload segment, which
// is why the score can never drop below the fallback floor. Retained only
// for clients that predate Play Integrity.
func (v *Verifier) VerifySafetyNet(req *Request) *Result {
	fail := func(message string) *Result {
		return &Result{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    message,
		}
	}

	if req.IntegrityToken == "" {
		return fail("attestation token is required")
	}

	parts := strings.Split(req.IntegrityToken, ".")
	if len(parts) != 3 {
		return fail("malformed SafetyNet token")
	}
	payload, err := decodeB64(parts[1])
	if err != nil {
		return fail("malformed SafetyNet token")
	}

	var claims safetyNetClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fail("malformed SafetyNet token")
	}

	if claims.APKPackageName != "" {
		if _, ok := v.packageNames[claims.APKPackageName]; !ok {
			return fail("package name not in allowed set")
		}
	}
	if req.Nonce != "" && !nonceMatches(claims.Nonce, req.Nonce) {
		return fail("nonce mismatch")
	}

	risk := riskSafetyNetBase
	var verdicts []string
	if claims.CTSProfileMatch {
		risk -= creditCTSProfile
		verdicts = append(verdicts, "CTS_PROFILE_MATCH")
	}
	if claims.BasicIntegrity {
		risk -= creditBasicIntegrity
		verdicts = append(verdicts, "BASIC_INTEGRITY")
	}

	message := "SafetyNet verdict accepted without signature verification"
	if !claims.BasicIntegrity {
		message = "device failed basic integrity"
	}

	return &Result{
		Verified:    claims.BasicIntegrity,
		TrustLevel:  trust.LevelForRisk(risk),
		RiskScore:   risk,
		Message:     message,
		PackageName: claims.APKPackageName,
		Nonce:       claims.Nonce,
		Verdicts:    verdicts,
	}
}
