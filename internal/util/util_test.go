package util

import (
	"strings"
	"testing"
)

func TestNormalizeLogin(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice@Example.COM", "alice@example.com"},
		{"  bob@example.com ", "bob@example.com"},
		{"ÅLICE@example.com", "ålice@example.com"},
	}
	for _, c := range cases {
		if got := NormalizeLogin(c.in); got != c.want {
			t.Errorf("NormalizeLogin(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeComposedForms(t *testing.T) {
	// U+00E9 (precomposed) and U+0065 U+0301 (combining) must normalize
	// to the same byte sequence before hashing.
	composed := "café"
	decomposed := "café"
	if Normalize(composed) != Normalize(decomposed) {
		t.Error("NFKD forms of the same passphrase differ")
	}
}

func TestRandomCode(t *testing.T) {
	code, err := RandomCode(8)
	if err != nil {
		t.Fatalf("RandomCode failed: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("expected 8 chars, got %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(string(codeAlphabet), r) {
			t.Errorf("code contains %q outside the allowed alphabet", r)
		}
	}

	other, err := RandomCode(8)
	if err != nil {
		t.Fatalf("RandomCode failed: %v", err)
	}
	if code == other {
		t.Error("two codes should not collide")
	}
}

func TestRandomToken(t *testing.T) {
	tok, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("token %q is not URL-safe", tok)
	}
	if len(tok) != 43 {
		t.Errorf("expected 43 chars for 32 bytes, got %d", len(tok))
	}
}

func TestHashKey(t *testing.T) {
	a := HashKey("alice@example.com")
	b := HashKey("alice@example.com")
	c := HashKey("bob@example.com")
	if a != b {
		t.Error("HashKey should be deterministic")
	}
	if a == c {
		t.Error("different inputs should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte("secret")
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !ConstantTimeEquals("token", "token") {
		t.Error("equal strings should compare true")
	}
	if ConstantTimeEquals("token", "other") {
		t.Error("different strings should compare false")
	}
	if ConstantTimeEquals("token", "tokenlonger") {
		t.Error("different lengths should compare false")
	}
}
