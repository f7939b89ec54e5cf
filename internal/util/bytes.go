package util

import (
	"crypto/sha256"
	"crypto/subtle"
)

func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HashKey returns the hex SHA-256 of s. Rate-limit and ledger keys are
// always hashed so raw identifiers (emails, IPs, tokens) never appear in
// the backing store.
func HashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return HexEncode(sum[:])
}

// ConstantTimeEquals compares two strings without leaking the position of
// the first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
