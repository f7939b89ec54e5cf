package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
)

// Ledger key prefixes. Token keys are derived from the signature segment so
// the ledger never stores a complete token; everything is TTL-bounded so the
// ledger cannot grow past the lifetime of what it blocks.
const (
	revokedKeyPrefix      = "revoked:"
	userRevokedKeyPrefix  = "revoked:user:"
	fingerprintKeyPrefix  = "fp:"
	rotationKeyPrefix     = "rot:"
	shareRevokedKeyPrefix = "share:revoked:"
	shareSessionKeyPrefix = "share:sess:"
)

// Ledger records token, user, and share-session revocations in the shared
// key-value store.
//
// All read methods fail closed: when they return a non-nil error the caller
// must treat the subject as revoked, never as valid. The boolean result is
// meaningless alongside an error.
type Ledger struct {
	store kv.Store
}

// NewLedger wraps the given store.
func NewLedger(store kv.Store) *Ledger {
	return &Ledger{store: store}
}

// tokenKey derives the ledger key for a raw token from its signature
// segment. Malformed tokens fall back to a hash of the whole string so even
// garbage input gets a stable key.
func tokenKey(raw string) string {
	parts := strings.Split(raw, ".")
	if len(parts) == 3 && parts[2] != "" {
		return revokedKeyPrefix + parts[2]
	}
	return revokedKeyPrefix + "h:" + util.HashKey(raw)
}

// Revoke writes a revocation marker for the token. A non-positive ttl means
// the token is already past its own expiry, so the write is skipped rather
// than creating a zero-TTL key.
func (l *Ledger) Revoke(ctx context.Context, raw string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if err := l.store.SetEx(ctx, tokenKey(raw), value, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token has a revocation marker.
func (l *Ledger) IsRevoked(ctx context.Context, raw string) (bool, error) {
	ok, err := l.store.Exists(ctx, tokenKey(raw))
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return ok, nil
}

// RevokeAllForUser writes a user-scoped marker timestamped at. Every token
// for the user issued before at fails verification until the marker
// expires; ttl should be the maximum refresh-token lifetime so no
// still-live token can outlast the marker.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("user revocation ttl must be positive")
	}
	key := userRevokedKeyPrefix + util.HashKey(userID)
	value := strconv.FormatInt(at.Unix(), 10)
	if err := l.store.SetEx(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("revoke user: %w", err)
	}
	return nil
}

// IsUserRevoked reports whether a global revocation blocks a token issued
// at issuedAt. A zero issuedAt is conservative: any marker blocks it. A
// token issued after the marker was written passes, which is what lets a
// user log back in immediately after a password change.
func (l *Ledger) IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	key := userRevokedKeyPrefix + util.HashKey(userID)
	value, err := l.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("user revocation lookup: %w", err)
	}
	if issuedAt.IsZero() {
		return true, nil
	}
	revokedAt, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// Unreadable marker blocks everything it could apply to.
		return true, nil
	}
	return issuedAt.Unix() < revokedAt, nil
}

// BindFingerprint associates a device fingerprint hash with a refresh
// token, keyed per user and per token so concurrent sessions on different
// devices do not collide.
func (l *Ledger) BindFingerprint(ctx context.Context, userID, raw, fingerprint string, ttl time.Duration) error {
	if ttl <= 0 || fingerprint == "" {
		return nil
	}
	key := fingerprintKeyPrefix + util.HashKey(userID) + ":" + util.HashKey(raw)
	if err := l.store.SetEx(ctx, key, fingerprint, ttl); err != nil {
		return fmt.Errorf("bind fingerprint: %w", err)
	}
	return nil
}

// BoundFingerprint returns the fingerprint hash bound to the token at
// issuance. ok is false when no binding exists, which is not an error:
// fingerprinting is optional.
func (l *Ledger) BoundFingerprint(ctx context.Context, userID, raw string) (fingerprint string, ok bool, err error) {
	key := fingerprintKeyPrefix + util.HashKey(userID) + ":" + util.HashKey(raw)
	value, err := l.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return value, true, nil
}

// SetRotation records the currently valid rotation id for a session.
func (l *Ledger) SetRotation(ctx context.Context, sessionID, rotationID string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("rotation ttl must be positive")
	}
	if err := l.store.SetEx(ctx, rotationKeyPrefix+sessionID, rotationID, ttl); err != nil {
		return fmt.Errorf("record rotation: %w", err)
	}
	return nil
}

// CurrentRotation returns the rotation id most recently recorded for the
// session. ok is false when the session has no record, for example after
// the refresh lifetime elapsed.
func (l *Ledger) CurrentRotation(ctx context.Context, sessionID string) (rotationID string, ok bool, err error) {
	value, err := l.store.Get(ctx, rotationKeyPrefix+sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rotation lookup: %w", err)
	}
	return value, true, nil
}

// RegisterShareSession indexes a share session under its project so a
// project-wide invalidation can find every outstanding session without
// enumerating tokens.
func (l *Ledger) RegisterShareSession(ctx context.Context, projectID, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("share session ttl must be positive")
	}
	key := shareSessionKeyPrefix + projectID + ":" + sessionID
	if err := l.store.SetEx(ctx, key, "1", ttl); err != nil {
		return fmt.Errorf("register share session: %w", err)
	}
	return nil
}

// RevokeShareSession invalidates every share token carrying the given
// session id.
func (l *Ledger) RevokeShareSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if err := l.store.SetEx(ctx, shareRevokedKeyPrefix+sessionID, value, ttl); err != nil {
		return fmt.Errorf("revoke share session: %w", err)
	}
	return nil
}

// IsShareSessionRevoked reports whether the share session was invalidated.
func (l *Ledger) IsShareSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	ok, err := l.store.Exists(ctx, shareRevokedKeyPrefix+sessionID)
	if err != nil {
		return false, fmt.Errorf("share session lookup: %w", err)
	}
	return ok, nil
}

// RevokeProjectShareSessions invalidates every registered share session for
// the project, returning how many were revoked. Used when a project's share
// password or auth mode changes and every outstanding link must die at
// once.
func (l *Ledger) RevokeProjectShareSessions(ctx context.Context, projectID string, ttl time.Duration) (int, error) {
	prefix := shareSessionKeyPrefix + projectID + ":"
	revoked := 0
	err := l.store.Scan(ctx, prefix+"*", func(key string) error {
		sessionID := strings.TrimPrefix(key, prefix)
		if sessionID == "" {
			return nil
		}
		if err := l.RevokeShareSession(ctx, sessionID, ttl); err != nil {
			return err
		}
		revoked++
		return nil
	})
	if err != nil {
		return revoked, fmt.Errorf("revoke project share sessions: %w", err)
	}
	return revoked, nil
}
