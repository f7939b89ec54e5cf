// Package csrf issues and validates the double-submit tokens required on
// admin state-changing requests, and provides the Origin/Referer check
// applied to every state-changing request including guest share links.
package csrf

import (
	"context"
	"fmt"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
)

const (
	sessionKeyPrefix = "csrf:s:"
	tokenKeyPrefix   = "csrf:t:"

	defaultTokenTTL = time.Hour
	tokenBytes      = 32
)

// Service stores issued CSRF tokens server-side with a TTL. Each token is
// written under two keys: one bound to the issuing session and one keyed
// by the token alone. The second key lets a token survive refresh-token
// rotation, which changes the session identifier without any action the
// client could observe.
type Service struct {
	store kv.Store
	ttl   time.Duration
}

// NewService wraps the given store.
func NewService(store kv.Store) *Service {
	return &Service{store: store, ttl: defaultTokenTTL}
}

func sessionKey(session, token string) string {
	return sessionKeyPrefix + util.HashKey(session) + ":" + token
}

func tokenKey(token string) string {
	return tokenKeyPrefix + token
}

// Issue generates a 256-bit random token for the session and stores both
// lookup keys.
func (s *Service) Issue(ctx context.Context, session string) (string, error) {
	if session == "" {
		return "", fmt.Errorf("session identifier is required")
	}
	token, err := util.RandomToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	if err := s.store.SetEx(ctx, sessionKey(session, token), "1", s.ttl); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	if err := s.store.SetEx(ctx, tokenKey(token), "1", s.ttl); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	return token, nil
}

// Verify checks the session-bound key first and falls back to the
// token-only key. A store failure fails closed.
func (s *Service) Verify(ctx context.Context, session, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if session != "" {
		ok, err := s.store.Exists(ctx, sessionKey(session, token))
		if err != nil {
			return false, fmt.Errorf("csrf lookup: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	ok, err := s.store.Exists(ctx, tokenKey(token))
	if err != nil {
		return false, fmt.Errorf("csrf lookup: %w", err)
	}
	return ok, nil
}

// Revoke removes a single token, both lookup keys included.
func (s *Service) Revoke(ctx context.Context, session, token string) error {
	if token == "" {
		return nil
	}
	if err := s.store.Del(ctx, sessionKey(session, token), tokenKey(token)); err != nil {
		return fmt.Errorf("revoke csrf token: %w", err)
	}
	return nil
}

// RevokeAll removes every token issued to the session, used on logout and
// session invalidation. Token-only keys are derived from the scanned
// session keys so the fallback path dies with the session.
func (s *Service) RevokeAll(ctx context.Context, session string) error {
	prefix := sessionKeyPrefix + util.HashKey(session) + ":"
	var doomed []string
	err := s.store.Scan(ctx, prefix+"*", func(key string) error {
		doomed = append(doomed, key)
		if token := key[len(prefix):]; token != "" {
			doomed = append(doomed, tokenKey(token))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan csrf tokens: %w", err)
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := s.store.Del(ctx, doomed...); err != nil {
		return fmt.Errorf("revoke csrf tokens: %w", err)
	}
	return nil
}
