// Package store provides the persistence abstraction consumed by the auth
// core: user lookup, passkey credential CRUD, share lookup, and the
// session-context runner used for row-level security.
//
// The auth core is a pure consumer of the product database. It never owns
// business tables; shares in particular are written by the product's route
// layer and only read here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: duplicate record")
)

// User statuses.
const (
	UserActive   = "active"
	UserDisabled = "disabled"
)

// Share authentication modes. The mode decides which proof a client must
// present before a share session is issued.
const (
	ShareAuthPassword = "password"
	ShareAuthOTP      = "otp"
	ShareAuthGuest    = "guest"
)

// User is an account row. Permissions holds the product's fine-grained
// permission JSON as written by the admin UI; the auth package parses it.
type User struct {
	ID           string
	Email        string
	Username     string
	Name         string
	Role         string
	PasswordHash string
	Status       string
	Permissions  json.RawMessage
	CreatedAt    time.Time
}

// Share is a project share link. Read-only from this subsystem's point of
// view: the product owns the share lifecycle, the auth core only decides
// whether a presented proof satisfies AuthMode.
type Share struct {
	ID              string
	ProjectID       string
	Name            string
	AuthMode        string
	PasswordHash    string
	Permissions     []string
	RecipientEmails []string
	Disabled        bool
}

// PasskeyCredential is a stored WebAuthn credential. SignCount mirrors the
// authenticator's signature counter and must never decrease across logins.
type PasskeyCredential struct {
	ID           string
	UserID       string
	Name         string
	CredentialID []byte
	PublicKey    []byte
	Transports   []string
	DeviceType   string
	BackedUp     bool
	SignCount    uint32
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// Store is implemented by the Postgres and in-memory backends.
type Store interface {
	FindUserByLogin(ctx context.Context, login string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error

	FindShareByID(ctx context.Context, id string) (*Share, error)

	CreateCredential(ctx context.Context, c *PasskeyCredential) error
	FindCredential(ctx context.Context, id string) (*PasskeyCredential, error)
	FindCredentialByID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error)
	FindCredentialsByUser(ctx context.Context, userID string) ([]PasskeyCredential, error)
	UpdateCredentialUsage(ctx context.Context, id string, signCount uint32, usedAt time.Time) error
	RenameCredential(ctx context.Context, id, name string) error
	DeleteCredential(ctx context.Context, id string) error

	// WithSessionContext runs fn with the verified principal stamped into
	// the database session (set_config, transaction-local) so row-level
	// security policies can see it. Implementations without RLS support
	// run fn unchanged.
	WithSessionContext(ctx context.Context, userID, role string, fn func(ctx context.Context) error) error
}
