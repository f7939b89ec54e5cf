package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
)

// LoginLimiter tracks failed login attempts per identifier. Unlike the
// generic Limiter it counts only failures, clears on success, and reads
// its threshold from the operator-editable security settings rather than
// a hardcoded constant.
type LoginLimiter struct {
	store    kv.Store
	settings *auth.SettingsCache
	now      func() time.Time
}

// NewLoginLimiter wires the limiter to its store and settings source.
func NewLoginLimiter(store kv.Store, settings *auth.SettingsCache) *LoginLimiter {
	return &LoginLimiter{store: store, settings: settings, now: time.Now}
}

func loginKey(identifier string) string {
	return loginKeyPrefix + util.HashKey(identifier)
}

// Reserve reports whether the identifier may attempt a login right now.
// It never increments anything: an attempt only counts once RecordFailure
// says it failed.
func (l *LoginLimiter) Reserve(ctx context.Context, identifier string) (Decision, error) {
	settings := l.settings.Get(ctx)
	now := l.now()

	e, ok, err := loadEntry(ctx, l.store, loginKey(identifier))
	if err != nil {
		return Decision{RetryAfter: settings.AttemptWindow}, fmt.Errorf("login limit lookup: %w", err)
	}
	if ok {
		if remaining, locked := e.lockRemaining(now); locked {
			return Decision{RetryAfter: remaining}, nil
		}
	}
	if !ok || e.windowExpired(now, settings.AttemptWindow) {
		return Decision{Allowed: true, Remaining: settings.MaxPasswordAttempts}, nil
	}
	remaining := settings.MaxPasswordAttempts - e.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// RecordFailure counts one failed attempt. Once failures exceed the
// configured threshold within the window the identifier is locked out and
// the returned decision carries the Retry-After to surface.
func (l *LoginLimiter) RecordFailure(ctx context.Context, identifier string) (Decision, error) {
	settings := l.settings.Get(ctx)
	return increment(ctx, l.store, loginKey(identifier), l.now(), settings.AttemptWindow, settings.MaxPasswordAttempts)
}

// Clear wipes the failure history after a successful login, so "attempted
// and failed" and "attempted and succeeded" are accounted differently.
func (l *LoginLimiter) Clear(ctx context.Context, identifier string) error {
	if err := l.store.Del(ctx, loginKey(identifier)); err != nil {
		return fmt.Errorf("clear login failures: %w", err)
	}
	return nil
}
