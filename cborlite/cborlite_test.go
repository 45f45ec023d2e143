package cborlite

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeContainer builds an attestation-shaped container with a real CBOR
// encoder so the decoder is exercised against an independent implementation.
func encodeContainer(t *testing.T) []byte {
	t.Helper()
	data, err := cbor.Marshal(map[string]any{
		"fmt": "apple-appattest",
		"attStmt": map[string]any{
			"x5c":     [][]byte{bytes.Repeat([]byte{0xAA}, 300), {0xBB, 0xCC}},
			"receipt": []byte{0x01, 0x02, 0x03},
		},
		"authData": bytes.Repeat([]byte{0x7F}, 64),
	})
	require.NoError(t, err)
	return data
}

func decodeContainer(data []byte) (format string, attStmt, authData []byte, ok bool) {
	d := NewDecoder(data)
	ok = d.Map(func(kv *Decoder) bool {
		var key string
		if !kv.String(&key) {
			return false
		}
		switch key {
		case "fmt":
			return kv.String(&format)
		case "attStmt":
			return kv.Raw(&attStmt)
		case "authData":
			return kv.Bytes(&authData)
		default:
			return kv.Skip()
		}
	}) && d.Done()
	return format, attStmt, authData, ok
}

func TestDecoder_AttestationContainer(t *testing.T) {
	data := encodeContainer(t)

	format, attStmt, authData, ok := decodeContainer(data)
	require.True(t, ok)
	assert.Equal(t, "apple-appattest", format)
	assert.Len(t, authData, 64)
	assert.NotEmpty(t, attStmt)

	// The raw statement is itself a decodable map.
	var certs [][]byte
	var receipt []byte
	d := NewDecoder(attStmt)
	ok = d.Map(func(kv *Decoder) bool {
		var key string
		if !kv.String(&key) {
			return false
		}
		switch key {
		case "x5c":
			return kv.Array(func(e *Decoder) bool {
				var cert []byte
				if !e.Bytes(&cert) {
					return false
				}
				certs = append(certs, cert)
				return true
			})
		case "receipt":
			return kv.Bytes(&receipt)
		default:
			return kv.Skip()
		}
	}) && d.Done()
	require.True(t, ok)
	require.Len(t, certs, 2)
	assert.Len(t, certs[0], 300)
	assert.Equal(t, []byte{0xBB, 0xCC}, certs[1])
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, receipt)
}

func TestDecoder_TruncatedPrefixesNeverPanic(t *testing.T) {
	data := encodeContainer(t)

	for i := 0; i < len(data); i++ {
		_, _, _, ok := decodeContainer(data[:i])
		assert.False(t, ok, "prefix of %d bytes decoded successfully", i)
	}
}

func TestDecoder_RejectsUnsupportedItems(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unsigned int", []byte{0x00}},
		{"negative int", []byte{0x20}},
		{"tagged item", []byte{0xC0, 0x61, 0x61}},
		{"simple value null", []byte{0xF6}},
		{"float", []byte{0xFA, 0x3F, 0x80, 0x00, 0x00}},
		{"indefinite bytes", []byte{0x5F, 0xFF}},
		{"indefinite map", []byte{0xBF, 0xFF}},
		{"64-bit length", []byte{0x5B, 0, 0, 0, 0, 0, 0, 0, 1, 0x61}},
		{"reserved length info", []byte{0x5C}},
		{"empty input", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(tt.data)
			assert.False(t, d.Skip())
			assert.False(t, d.Done())
		})
	}
}

func TestDecoder_RejectsOversizedLengths(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		// Declared length exceeds the whole buffer.
		{"length beyond buffer", []byte{0x59, 0x01, 0x00}},
		// Declared length fits the buffer size but not the remaining bytes.
		{"length beyond remaining", []byte{0x43, 'a', 'b'}},
		// Map claims more pairs than the remaining bytes can hold.
		{"map pair count", append([]byte{0xA5}, bytes.Repeat([]byte{0x40}, 8)...)},
		// Array claims more elements than the remaining bytes can hold.
		{"array element count", []byte{0x84, 0x40, 0x40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(tt.data)
			assert.False(t, d.Skip())
		})
	}
}

func TestDecoder_NestingBound(t *testing.T) {
	// k nested single-element arrays around an empty array reach depth k+1.
	nested := func(k int) []byte {
		b := bytes.Repeat([]byte{0x81}, k)
		return append(b, 0x80)
	}

	d := NewDecoder(nested(maxDepth - 1))
	assert.True(t, d.Skip())
	assert.True(t, d.Done())

	d = NewDecoder(nested(maxDepth))
	assert.False(t, d.Skip())
}

func TestDecoder_FailureLatches(t *testing.T) {
	d := NewDecoder([]byte{0x00, 0x41, 0x61})
	assert.False(t, d.Skip())

	// A valid item follows, but the decoder must stay failed.
	var b []byte
	assert.False(t, d.Bytes(&b))
	assert.False(t, d.Done())
}

func TestDecoder_DoneRejectsTrailingBytes(t *testing.T) {
	data, err := cbor.Marshal([]byte{0x01})
	require.NoError(t, err)
	data = append(data, 0xFF)

	d := NewDecoder(data)
	var b []byte
	assert.True(t, d.Bytes(&b))
	assert.False(t, d.Done())
}

func TestDecoder_SkipNestedStructure(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{
		"keep": "v",
		"skip": map[string]any{"inner": [][]byte{{0x01}, {0x02}}},
	})
	require.NoError(t, err)

	var kept string
	d := NewDecoder(data)
	ok := d.Map(func(kv *Decoder) bool {
		var key string
		if !kv.String(&key) {
			return false
		}
		if key == "keep" {
			return kv.String(&kept)
		}
		return kv.Skip()
	}) && d.Done()

	require.True(t, ok)
	assert.Equal(t, "v", kept)
}

func TestDecoder_RawCapturesExactSpan(t *testing.T) {
	inner, err := cbor.Marshal(map[string]any{"a": []byte{0x01}})
	require.NoError(t, err)
	outer, err := cbor.Marshal(map[string]any{"stmt": cbor.RawMessage(inner)})
	require.NoError(t, err)

	var raw []byte
	d := NewDecoder(outer)
	ok := d.Map(func(kv *Decoder) bool {
		var key string
		if !kv.String(&key) {
			return false
		}
		return kv.Raw(&raw)
	}) && d.Done()

	require.True(t, ok)
	assert.Equal(t, []byte(inner), raw)
}
