// Package ecsig converts DER-encoded ECDSA signatures into the fixed-width
// raw form required for raw verification and verifies P-256 signatures in
// that form.
package ecsig

import (
	"crypto/ecdsa"
	"math/big"
)

// RawLen is the length of a raw P-256 signature: r and s, 32 bytes each.
const RawLen = 64

// DERToRaw converts a DER ECDSA signature, SEQUENCE { INTEGER r, INTEGER s },
// into the 64-byte concatenation r||s. Each integer is left-padded to 32
// bytes with the DER sign-padding byte stripped; oversized integers keep
// their low 32 bytes.
//
// On a structural mismatch (wrong tag bytes, impossible lengths) the input
// is returned unchanged. Callers treat that as a signature that fails
// verification, not as a decode error.
func DERToRaw(der []byte) []byte {
	if len(der) < 8 || der[0] != 0x30 || der[2] != 0x02 {
		return der
	}
	rLen := int(der[3])
	if 4+rLen+2 > len(der) || der[4+rLen] != 0x02 {
		return der
	}
	r := der[4 : 4+rLen]
	sLen := int(der[5+rLen])
	if 6+rLen+sLen > len(der) {
		return der
	}
	s := der[6+rLen : 6+rLen+sLen]

	out := make([]byte, RawLen)
	pad32(out[:32], r)
	pad32(out[32:], s)
	return out
}

// pad32 writes the integer bytes right-aligned into the 32-byte dst. A
// leading 0x00 exists only to keep the DER integer positive and carries no
// value; integers longer than 32 bytes keep their low 32.
func pad32(dst, n []byte) {
	for len(n) > 1 && n[0] == 0x00 {
		n = n[1:]
	}
	if len(n) > 32 {
		n = n[len(n)-32:]
	}
	copy(dst[32-len(n):], n)
}

// VerifyRaw verifies a raw r||s ECDSA signature over digest with the given
// public key. Anything that is not exactly 64 bytes fails, which is how a
// DERToRaw structural failure surfaces.
func VerifyRaw(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if pub == nil || len(sig) != RawLen {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest, r, s)
}
