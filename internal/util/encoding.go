package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD normalization. Passphrases must be normalized
// before hashing so that visually identical Unicode input verifies
// against the stored hash regardless of how the client composed it.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeLogin canonicalizes a login identifier (email or username)
// for lookups and rate-limit keys.
func NormalizeLogin(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
