package ios

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/device-trust/trust"
)

type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	der  []byte
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Attestation Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{key: key, cert: cert, der: der, pool: pool}
}

func (ca *testCA) issueIntermediate(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Attestation Intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCA{key: key, cert: cert, der: der, pool: ca.pool}
}

// issueLeaf certifies pub with the App Attest extensions. A nil nonce omits
// the nonce extension; withCredentialExt=false omits the credential marker.
func (ca *testCA) issueLeaf(t *testing.T, pub *ecdsa.PublicKey, nonce []byte, withCredentialExt bool) []byte {
	t.Helper()
	var exts []pkix.Extension
	if withCredentialExt {
		exts = append(exts, pkix.Extension{Id: credentialOID, Value: []byte{0x05, 0x00}})
	}
	if nonce != nil {
		exts = append(exts, pkix.Extension{Id: nonceOID, Value: nonceExtValue(t, nonce)})
	}

	tmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(3),
		Subject:         pkix.Name{CommonName: "Test Attestation Leaf"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, pub, ca.key)
	require.NoError(t, err)
	return der
}

// nonceExtValue encodes SEQUENCE { [1] OCTET STRING nonce }.
func nonceExtValue(t *testing.T, nonce []byte) []byte {
	t.Helper()
	octet, err := asn1.Marshal(nonce)
	require.NoError(t, err)
	wrapper, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: octet})
	require.NoError(t, err)
	outer, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: wrapper})
	require.NoError(t, err)
	return outer
}

func attestationNonce(authData []byte, challenge string) []byte {
	challengeHash := sha256.Sum256([]byte(challenge))
	h := sha256.New()
	h.Write(authData)
	h.Write(challengeHash[:])
	return h.Sum(nil)
}

func TestVerifyAttestation_FullChain(t *testing.T) {
	key := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	const challenge = "chal-8c1f2a"
	root := newTestCA(t)
	intermediate := root.issueIntermediate(t)
	leafDER := intermediate.issueLeaf(t, &key.PublicKey, attestationNonce(authData, challenge), true)

	v := testVerifier(t, nil)
	v.roots = root.pool

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{leafDER, intermediate.der}),
		BundleID:    testBundleID,
		Challenge:   challenge,
	})

	assert.True(t, res.Verified)
	assert.Equal(t, riskChainVerified, res.RiskScore)
	assert.Equal(t, trust.LevelVerified, res.TrustLevel)
	assert.Contains(t, res.Message, "with certificate chain")
}

func TestVerifyAttestation_ChainNonceMismatch(t *testing.T) {
	key := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	root := newTestCA(t)
	leafDER := root.issueLeaf(t, &key.PublicKey, attestationNonce(authData, "issued-challenge"), true)

	v := testVerifier(t, nil)
	v.roots = root.pool

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{leafDER}),
		Challenge:   "different-challenge",
	})

	assert.False(t, res.Verified)
	assert.Equal(t, riskHardFailure, res.RiskScore)
	assert.Contains(t, res.Message, "challenge binding")
}

func TestVerifyAttestation_ChainWithoutChallengeSkipsNonce(t *testing.T) {
	key := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	root := newTestCA(t)
	leafDER := root.issueLeaf(t, &key.PublicKey, attestationNonce(authData, "whoever-issued-this"), true)

	v := testVerifier(t, nil)
	v.roots = root.pool

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{leafDER}),
	})

	assert.True(t, res.Verified)
	assert.Equal(t, riskChainVerified, res.RiskScore)
}

func TestVerifyAttestation_UntrustedChain(t *testing.T) {
	key := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	root := newTestCA(t)
	leafDER := root.issueLeaf(t, &key.PublicKey, nil, true)

	// Default roots: the genuine Apple root CA, which did not issue this.
	v := testVerifier(t, nil)

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{leafDER}),
	})

	assert.False(t, res.Verified)
	assert.Equal(t, riskHardFailure, res.RiskScore)
	assert.Contains(t, res.Message, "certificate chain rejected")
}

func TestVerifyAttestation_GarbageChain(t *testing.T) {
	key := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	v := testVerifier(t, nil)

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{{0xDE, 0xAD, 0xBE, 0xEF}}),
	})

	assert.False(t, res.Verified)
	assert.Contains(t, res.Message, "certificate chain rejected")
}

func TestVerifyAttestation_LeafMissingCredentialExtension(t *testing.T) {
	key := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	root := newTestCA(t)
	leafDER := root.issueLeaf(t, &key.PublicKey, nil, false)

	v := testVerifier(t, nil)
	v.roots = root.pool

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{leafDER}),
	})

	assert.False(t, res.Verified)
	assert.Contains(t, res.Message, "credential extension")
}

func TestVerifyAttestation_LeafKeyMismatch(t *testing.T) {
	key := newCredentialKey(t)
	certKey := newCredentialKey(t)
	point := uncompressedPoint(&key.PublicKey)
	authData := buildAuthData(appIDHash(testTeamID, testBundleID), 0, "appattest", coseKey(t, &key.PublicKey))

	root := newTestCA(t)
	leafDER := root.issueLeaf(t, &certKey.PublicKey, nil, true)

	v := testVerifier(t, nil)
	v.roots = root.pool

	res := v.VerifyAttestation(&AttestationRequest{
		KeyID:       keyIDFor(point),
		Attestation: buildAttestation(t, attestationFormat, authData, [][]byte{leafDER}),
	})

	assert.False(t, res.Verified)
	assert.Contains(t, res.Message, "does not match leaf certificate")
}
