package ecsig

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDERToRaw_RoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	// Repeated signing varies the integer widths and sign padding.
	for i := 0; i < 16; i++ {
		digest := sha256.Sum256([]byte{byte(i)})

		der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		require.NoError(t, err)

		raw := DERToRaw(der)
		require.Len(t, raw, RawLen)
		assert.True(t, VerifyRaw(&key.PublicKey, digest[:], raw))
	}
}

func TestDERToRaw_StripsSignPadding(t *testing.T) {
	// r carries a DER sign-padding byte, s is short and needs left padding.
	r := append([]byte{0x00, 0x80}, bytes.Repeat([]byte{0x11}, 31)...)
	s := []byte{0x7F}
	der := buildDER(r, s)

	raw := DERToRaw(der)
	require.Len(t, raw, RawLen)
	assert.Equal(t, r[1:], raw[:32])
	assert.Equal(t, byte(0x7F), raw[63])
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 31), raw[32:63])
}

func TestDERToRaw_TruncatesOversizedInteger(t *testing.T) {
	r := bytes.Repeat([]byte{0x22}, 40)
	s := []byte{0x01}
	der := buildDER(r, s)

	raw := DERToRaw(der)
	require.Len(t, raw, RawLen)
	assert.Equal(t, r[len(r)-32:], raw[:32])
}

func TestDERToRaw_StructuralMismatchReturnsInput(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("payload"))
	valid, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	wrongSeq := append([]byte{}, valid...)
	wrongSeq[0] = 0x31
	wrongInt := append([]byte{}, valid...)
	wrongInt[2] = 0x03

	tests := []struct {
		name string
		der  []byte
	}{
		{"empty", []byte{}},
		{"too short", []byte{0x30, 0x02, 0x02, 0x00}},
		{"wrong sequence tag", wrongSeq},
		{"wrong integer tag", wrongInt},
		{"r length overrun", []byte{0x30, 0x06, 0x02, 0x7F, 0x01, 0x02, 0x02, 0x01}},
		{"s length overrun", []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x7F, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := DERToRaw(tt.der)
			assert.Equal(t, tt.der, out)
			assert.False(t, VerifyRaw(&key.PublicKey, digest[:], out))
		})
	}
}

func TestVerifyRaw_RejectsBadInput(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("payload"))

	assert.False(t, VerifyRaw(nil, digest[:], make([]byte, RawLen)))
	assert.False(t, VerifyRaw(&key.PublicKey, digest[:], make([]byte, RawLen)))
	assert.False(t, VerifyRaw(&key.PublicKey, digest[:], make([]byte, 63)))
	assert.False(t, VerifyRaw(&key.PublicKey, digest[:], nil))
}

func TestVerifyRaw_WrongDigestFails(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("signed"))
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	raw := DERToRaw(der)

	other := sha256.Sum256([]byte("tampered"))
	assert.False(t, VerifyRaw(&key.PublicKey, other[:], raw))
}

func buildDER(r, s []byte) []byte {
	content := []byte{0x02, byte(len(r))}
	content = append(content, r...)
	content = append(content, 0x02, byte(len(s)))
	content = append(content, s...)
	der := []byte{0x30, byte(len(content))}
	return append(der, content...)
}
