package authdata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAuthData(flags byte, counter uint32, credID, pubKey []byte) []byte {
	buf := bytes.Repeat([]byte{0x11}, 32) // rpIDHash
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, counter)

	if flags&FlagAttestedCredentialData != 0 {
		aaguid := make([]byte, 16)
		copy(aaguid, "appattestdevelop")
		buf = append(buf, aaguid...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(credID)))
		buf = append(buf, credID...)
		buf = append(buf, pubKey...)
	}
	return buf
}

func TestParse(t *testing.T) {
	credID := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pubKey := bytes.Repeat([]byte{0x42}, 77)
	data := buildAuthData(FlagAttestedCredentialData|FlagUserPresent, 7, credID, pubKey)

	rec, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, bytes.Repeat([]byte{0x11}, 32), rec.RPIDHash[:])
	assert.EqualValues(t, FlagAttestedCredentialData|FlagUserPresent, rec.Flags)
	assert.Equal(t, uint32(7), rec.SignCount)
	assert.Equal(t, "appattestdevelop", string(rec.AAGUID[:]))
	assert.Equal(t, credID, rec.CredentialID)
	assert.Equal(t, pubKey, rec.CredentialPublicKey)
	assert.True(t, rec.AttestedCredential())
}

func TestParse_ShortBuffers(t *testing.T) {
	data := buildAuthData(FlagAttestedCredentialData, 1, []byte{0x01}, []byte{0x02})

	for i := 0; i < 37; i++ {
		_, err := Parse(data[:i])
		assert.ErrorIs(t, err, ErrTooShort, "length %d", i)
	}
}

func TestParse_MissingAttestedCredentialFlag(t *testing.T) {
	data := buildAuthData(FlagUserPresent, 3, nil, nil)

	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrNoAttestedCredential)
}

func TestParse_TruncatedCredentialData(t *testing.T) {
	full := buildAuthData(FlagAttestedCredentialData, 1, []byte{0xAA, 0xBB}, nil)

	tests := []struct {
		name string
		data []byte
	}{
		{"cut inside aaguid", full[:37+8]},
		{"cut inside credential id length", full[:37+17]},
		{"cut inside credential id", full[:len(full)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			assert.ErrorIs(t, err, ErrTooShort)
		})
	}
}

func TestParse_CredentialIDOverrun(t *testing.T) {
	data := buildAuthData(FlagAttestedCredentialData, 1, nil, nil)
	// Claim a 100-byte credential ID with nothing following.
	binary.BigEndian.PutUint16(data[37+16:], 100)

	_, err := Parse(data)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestParseAssertion(t *testing.T) {
	data := buildAuthData(FlagUserPresent, 41, nil, nil)
	require.Len(t, data, 37)

	rec, err := ParseAssertion(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), rec.SignCount)
	assert.False(t, rec.AttestedCredential())
	assert.Nil(t, rec.CredentialID)
}

func TestParseAssertion_FlagSetWithoutBlock(t *testing.T) {
	// App Attest leaves 0x40 set on assertions while omitting the block.
	data := buildAuthData(FlagUserPresent, 9, nil, nil)
	data[32] |= FlagAttestedCredentialData

	rec, err := ParseAssertion(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), rec.SignCount)
	assert.Empty(t, rec.CredentialPublicKey)
}

func TestParseAssertion_TooShort(t *testing.T) {
	_, err := ParseAssertion(make([]byte, 36))
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestParse_CounterBigEndian(t *testing.T) {
	data := buildAuthData(FlagAttestedCredentialData, 0x01020304, nil, nil)

	rec, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), rec.SignCount)
}
