// Package token signs, verifies, rotates, and revokes the three token kinds
// used by the platform: short-lived admin access tokens, long-lived admin
// refresh tokens, and medium-lived share tokens granting clients access to a
// single project's share surface.
//
// Each kind is signed with its own secret and carries a "typ" discriminator,
// so a token of one kind can never pass verification on another kind's path
// even if the secrets were misconfigured to the same value. Verification
// failures are deliberately coarse: callers receive one of a small set of
// sentinel errors and surface a generic message, while the detailed cause is
// logged server-side.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind discriminates the three token variants. It is embedded in every
// token as the "typ" claim and checked on every verification.
type Kind string

const (
	KindAdminAccess  Kind = "admin_access"
	KindAdminRefresh Kind = "admin_refresh"
	KindShare        Kind = "share"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAdminAccess, KindAdminRefresh, KindShare:
		return true
	}
	return false
}

// Default lifetimes per kind. Operators may override them through the
// issuer configuration; the values here also serve as the clamp ceiling
// for revocation-ledger TTL computation.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultShareTTL   = 45 * time.Minute
)

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, expired or
	// not-yet-valid tokens, and kind mismatches. Callers must not expose
	// which of those occurred.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenRevoked is returned when the token, its user, or its share
	// session appears in the revocation ledger, and also when the ledger
	// itself is unreachable: revocation checks fail closed.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenTheft is returned when refresh-token reuse is detected,
	// either through a fingerprint mismatch or presentation of a
	// rotated-out rotation id. By the time the caller sees this error the
	// whole token family has already been revoked.
	ErrTokenTheft = errors.New("token theft detected")
)

// AdminClaims is the payload shared by admin access and refresh tokens.
// RotationID is set only on refresh tokens; it changes on every rotation so
// replay of a stale refresh token is detectable.
type AdminClaims struct {
	Email      string `json:"email"`
	Role       string `json:"role"`
	SessionID  string `json:"sid"`
	RotationID string `json:"rid,omitempty"`
	TokenType  Kind   `json:"typ"`
	jwt.RegisteredClaims
}

// ShareClaims is the payload of a share token. Guest tokens carry no
// recipient identity; AdminOverride marks a token minted for an admin
// previewing a share without the client's credentials.
type ShareClaims struct {
	ShareID       string   `json:"share_id"`
	ProjectID     string   `json:"project_id"`
	Permissions   []string `json:"perms"`
	SessionID     string   `json:"sid"`
	Guest         bool     `json:"guest,omitempty"`
	RecipientID   string   `json:"recipient_id,omitempty"`
	AuthMode      string   `json:"auth_mode,omitempty"`
	AdminOverride bool     `json:"admin_override,omitempty"`
	TokenType     Kind     `json:"typ"`
	jwt.RegisteredClaims
}
