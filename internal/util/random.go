package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet for human-typed one-time codes. Excludes 0/O/1/I/U to avoid
// transcription mistakes.
var codeAlphabet = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")

// RandomCode returns an n-character one-time code suitable for reading
// aloud or typing from an email.
func RandomCode(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(codeAlphabet))
		if err != nil {
			return "", fmt.Errorf("generating random code index: %w", err)
		}
		sb.WriteRune(codeAlphabet[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomToken returns n random bytes encoded as unpadded URL-safe base64,
// the form used for CSRF tokens and ceremony identifiers.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
