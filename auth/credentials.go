package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/store"
)

const defaultBcryptCost = 12

// Verifier checks a login identifier and password against the user store.
//
// The unknown-user path performs a bcrypt comparison against a fixed dummy
// hash so its timing matches the wrong-password path; without it, response
// latency would reveal which emails have accounts.
type Verifier struct {
	store     store.Store
	dummyHash []byte
	cost      int
}

// NewVerifier creates a Verifier. The dummy hash is derived once from
// random input; its compare result is always discarded.
func NewVerifier(st store.Store) (*Verifier, error) {
	random, err := util.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("generating dummy password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword(random, defaultBcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing dummy password: %w", err)
	}
	util.WipeBytes(random)
	return &Verifier{store: st, dummyHash: dummy, cost: defaultBcryptCost}, nil
}

// Verify looks up the user by email or username and checks the password.
// Unknown user, wrong password, and disabled account all return
// ErrInvalidCredentials. No lockout bookkeeping happens here; that is the
// rate limiter's job, invoked by the caller.
func (v *Verifier) Verify(ctx context.Context, identifier, password string) (*Principal, error) {
	login := util.NormalizeLogin(identifier)
	normalized := []byte(util.Normalize(password))
	defer util.WipeBytes(normalized)

	u, err := v.store.FindUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Timing equalization: burn the same bcrypt work the
			// known-user path would.
			_ = bcrypt.CompareHashAndPassword(v.dummyHash, normalized)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), normalized); err != nil {
		return nil, ErrInvalidCredentials
	}
	if u.Status != store.UserActive {
		return nil, ErrInvalidCredentials
	}
	return PrincipalFromUser(u), nil
}

// VerifySecret checks a password against a stored bcrypt hash with no
// user lookup involved. Share links use it. An empty stored hash burns
// the dummy comparison so a misconfigured share answers in the same time
// as a wrong password.
func (v *Verifier) VerifySecret(hash, password string) error {
	normalized := []byte(util.Normalize(password))
	defer util.WipeBytes(normalized)

	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(v.dummyHash, normalized)
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), normalized); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword hashes a password for storage. The input is NFKD-normalized
// first so any later Verify sees identical bytes.
func (v *Verifier) HashPassword(password string) (string, error) {
	normalized := []byte(util.Normalize(password))
	defer util.WipeBytes(normalized)

	hash, err := bcrypt.GenerateFromPassword(normalized, v.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
