package ios

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// App Attest certificate extension OIDs.
var (
	credentialOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}
	nonceOID      = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 1}
)

// verifyChain parses the signing statement's certificate chain, verifies the
// leaf against the Apple App Attest root CA, and returns the leaf.
func (v *Verifier) verifyChain(x5c [][]byte) (*x509.Certificate, error) {
	certs := make([]*x509.Certificate, len(x5c))
	for i, der := range x5c {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", i, err)
		}
		certs[i] = cert
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
	}); err != nil {
		return nil, err
	}

	if !hasExtension(leaf, credentialOID) {
		return nil, errors.New("leaf missing App Attest credential extension")
	}
	return leaf, nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// matchLeafKey confirms the attested credential key is the same key the leaf
// certificate certifies.
func matchLeafKey(leaf *x509.Certificate, point []byte) error {
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("leaf public key is not ECDSA")
	}
	leafPoint := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	if !bytes.Equal(leafPoint, point) {
		return errors.New("credential key does not match leaf certificate")
	}
	return nil
}

// verifyNonce compares the leaf's nonce extension against
// SHA-256(authData || SHA-256(challenge)), binding the attestation to the
// server-issued challenge.
func verifyNonce(leaf *x509.Certificate, authData []byte, challenge string) error {
	challengeHash := sha256.Sum256([]byte(challenge))
	h := sha256.New()
	h.Write(authData)
	h.Write(challengeHash[:])
	expected := h.Sum(nil)

	nonce, err := nonceExtension(leaf)
	if err != nil {
		return err
	}
	if !bytes.Equal(nonce, expected) {
		return errors.New("nonce mismatch")
	}
	return nil
}

// nonceExtension extracts the attestation nonce from the leaf certificate.
// The extension wraps the 32-byte value as SEQUENCE { [1] OCTET STRING }.
func nonceExtension(leaf *x509.Certificate) ([]byte, error) {
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(nonceOID) {
			continue
		}

		var outer asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &outer); err != nil {
			return nil, fmt.Errorf("nonce extension: %w", err)
		}
		var wrapper asn1.RawValue
		if _, err := asn1.Unmarshal(outer.Bytes, &wrapper); err != nil {
			return nil, fmt.Errorf("nonce wrapper: %w", err)
		}

		var nonce []byte
		if _, err := asn1.Unmarshal(wrapper.Bytes, &nonce); err != nil {
			nonce = wrapper.Bytes
		}
		return nonce, nil
	}
	return nil, errors.New("nonce extension not found")
}

// Apple App Attest Root CA certificate, valid through 2045-03-15.
const appleAppAttestRootCA = `-----BEGIN CERTIFICATE-----
MIICITCCAaegAwIBAgIQC/O+DvHN0uD7jG5yH2IXmDAKBggqhkjOPQQDAzBSMSYw
JAYDVQQDDB1BcHBsZSBBcHAgQXR0ZXN0YXRpb24gUm9vdCBDQTETMBEGA1UECgwK
QXBwbGUgSW5jLjETMBEGA1UECAwKQ2FsaWZvcm5pYTAeFw0yMDAzMTgxODMyNTNa
Fw00NTAzMTUwMDAwMDBaMFIxJjAkBgNVBAMMHUFwcGxlIEFwcCBBdHRlc3RhdGlv
biBSb290IENBMRMwEQYDVQQKDApBcHBsZSBJbmMuMRMwEQYDVQQIDApDYWxpZm9y
bmlhMHYwEAYHKoZIzj0CAQYFK4EEACIDYgAERTHhmLW07ATaFQIEVwTtT4dyctdh
NbJhFs/Ii2FdCgAHGbpphY3+d8qjuDngIN3WVhQUBHAoMeQ/cLiP1sOUtgjqK9au
Yen1mMEvRq9Sk3Jm5X8U62H+xTD3FE9TgS41o0IwQDAPBgNVHRMBAf8EBTADAQH/
MB0GA1UdDgQWBBSskRBTM72+aEH/pwyp5frq5eWKoTAOBgNVHQ8BAf8EBAMCAQYw
CgYIKoZIzj0EAwMDaAAwZQIwQgFGnByvsiVbpTKwSga0kP0e8EeDS4+sQmTvb7vn
53O5+FRXgeLhpJ06ysC5PrOyAjEAp5U4xDgEgllF7En3VcE3iexZZtKeYnpqtijV
oyFraWVIyd/dganmrduC1bmTBGwD
-----END CERTIFICATE-----`
