package ios

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/perimetra/device-trust/authdata"
	"github.com/perimetra/device-trust/cborlite"
	"github.com/perimetra/device-trust/ecsig"
	"github.com/perimetra/device-trust/trust"
)

// AssertionRequest carries one assertion to verify together with the
// device's stored state, read by the caller from the device store.
type AssertionRequest struct {
	// KeyID is the base64 key identifier.
	KeyID string

	// Assertion is the base64 assertion object.
	Assertion string

	// ClientDataHash is the base64 hash of the client data the device
	// signed.
	ClientDataHash string

	// StoredCounter is the device's persisted assertion counter.
	StoredCounter uint32

	// StoredPublicKey is the device's persisted credential key (base64
	// uncompressed point). Empty when the original attestation did not
	// capture one.
	StoredPublicKey string
}

// AssertionResult is the outcome of assertion verification.
type AssertionResult struct {
	// Verified reports whether the assertion was accepted.
	Verified bool

	// TrustLevel is the per-protocol level for this verification.
	TrustLevel trust.Level

	// RiskScore is 5 on a verified signature, 20 when no stored key was
	// available to check against, 100 on any hard failure.
	RiskScore int

	// Message explains degraded or failed outcomes.
	Message string

	// KeyID echoes the key identifier.
	KeyID string

	// NewCounter is the assertion counter to persist on success.
	NewCounter uint32
}

// VerifyAssertion verifies an App Attest assertion. The replay check against
// the stored counter runs before any cryptographic work.
func (v *Verifier) VerifyAssertion(req *AssertionRequest) *AssertionResult {
	fail := func(message string) *AssertionResult {
		return &AssertionResult{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    message,
			KeyID:      req.KeyID,
		}
	}

	if req.KeyID == "" || req.Assertion == "" || req.ClientDataHash == "" {
		return fail("key ID, assertion, and client data hash are required")
	}

	data, err := decodeB64(req.Assertion)
	if err != nil {
		return fail("assertion is not valid base64")
	}
	clientDataHash, err := decodeB64(req.ClientDataHash)
	if err != nil {
		return fail("client data hash is not valid base64")
	}

	sig, authData, ok := parseAssertionContainer(data)
	if !ok {
		return fail("malformed assertion container")
	}

	rec, err := authdata.ParseAssertion(authData)
	if err != nil {
		return fail("invalid authenticator data: " + err.Error())
	}

	if rec.SignCount <= req.StoredCounter {
		return fail(fmt.Sprintf("assertion counter replay: %d does not advance %d",
			rec.SignCount, req.StoredCounter))
	}

	if req.StoredPublicKey == "" {
		return &AssertionResult{
			Verified:   true,
			TrustLevel: trust.LevelForRisk(riskNoStoredKey),
			RiskScore:  riskNoStoredKey,
			Message:    "no stored public key; signature not verified",
			KeyID:      req.KeyID,
			NewCounter: rec.SignCount,
		}
	}

	pub, err := parseStoredKey(req.StoredPublicKey)
	if err != nil {
		return fail("stored public key unusable: " + err.Error())
	}

	h := sha256.New()
	h.Write(authData)
	h.Write(clientDataHash)
	digest := h.Sum(nil)

	if !ecsig.VerifyRaw(pub, digest, ecsig.DERToRaw(sig)) {
		return fail("invalid assertion signature")
	}

	return &AssertionResult{
		Verified:   true,
		TrustLevel: trust.LevelForRisk(riskAssertion),
		RiskScore:  riskAssertion,
		Message:    "assertion signature verified",
		KeyID:      req.KeyID,
		NewCounter: rec.SignCount,
	}
}

func parseAssertionContainer(data []byte) (sig, authData []byte, ok bool) {
	d := cborlite.NewDecoder(data)
	valid := d.Map(func(kv *cborlite.Decoder) bool {
		var key string
		if !kv.String(&key) {
			return false
		}
		switch key {
		case "signature":
			return kv.Bytes(&sig)
		case "authenticatorData":
			return kv.Bytes(&authData)
		default:
			return kv.Skip()
		}
	})
	if !valid || !d.Done() || len(sig) == 0 || len(authData) == 0 {
		return nil, nil, false
	}
	return sig, authData, true
}

func parseStoredKey(encoded string) (*ecdsa.PublicKey, error) {
	point, err := decodeB64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode stored key: %w", err)
	}
	if len(point) != 65 || point[0] != 0x04 {
		return nil, errors.New("stored key is not an uncompressed P-256 point")
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), point)
	if x == nil {
		return nil, errors.New("stored key is not on the curve")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
