// Package ratelimit implements fixed-window request limiting backed by the
// shared key-value store. Lockout state is persisted, so a process restart
// never resets an active lockout, and every path fails closed when the
// store is unreachable.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
)

const (
	rateKeyPrefix  = "rate:"
	loginKeyPrefix = "login:"
)

// Decision is the outcome of a limiter check. RetryAfter is non-zero only
// when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// IPKey builds the identifier for anonymous callers. Combining address and
// user agent makes bypass by rotating one of the two alone useless; the
// hash applied later keeps neither in the store.
func IPKey(ip, userAgent string) string {
	return "ip:" + ip + "|" + userAgent
}

// entry is the persisted per-identifier window state.
type entry struct {
	Count        int   `json:"count"`
	FirstAt      int64 `json:"first"`
	LastAt       int64 `json:"last"`
	LockoutUntil int64 `json:"lockout,omitempty"`
}

func (e entry) lockRemaining(now time.Time) (time.Duration, bool) {
	if e.LockoutUntil == 0 {
		return 0, false
	}
	remaining := time.Unix(e.LockoutUntil, 0).Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (e entry) windowExpired(now time.Time, window time.Duration) bool {
	return now.Sub(time.Unix(e.FirstAt, 0)) >= window
}

func loadEntry(ctx context.Context, store kv.Store, key string) (entry, bool, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// A corrupt entry restarts the window rather than wedging the
		// identifier forever.
		return entry{}, false, nil
	}
	return e, true, nil
}

func saveEntry(ctx context.Context, store kv.Store, key string, e entry, now time.Time, window time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	deadline := time.Unix(e.FirstAt, 0).Add(window)
	if lockout := time.Unix(e.LockoutUntil, 0); e.LockoutUntil != 0 && lockout.After(deadline) {
		deadline = lockout
	}
	ttl := deadline.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return store.SetEx(ctx, key, string(raw), ttl)
}

// increment applies one attempt against the window and persists the
// result. It is shared by the generic limiter and the login variant.
func increment(ctx context.Context, store kv.Store, key string, now time.Time, window time.Duration, max int) (Decision, error) {
	e, ok, err := loadEntry(ctx, store, key)
	if err != nil {
		return Decision{RetryAfter: window}, fmt.Errorf("rate limit lookup: %w", err)
	}
	if ok {
		if remaining, locked := e.lockRemaining(now); locked {
			return Decision{RetryAfter: remaining}, nil
		}
	}
	if !ok || e.windowExpired(now, window) {
		e = entry{Count: 1, FirstAt: now.Unix(), LastAt: now.Unix()}
		if err := saveEntry(ctx, store, key, e, now, window); err != nil {
			return Decision{RetryAfter: window}, fmt.Errorf("rate limit update: %w", err)
		}
		return Decision{Allowed: true, Remaining: max - 1}, nil
	}

	e.Count++
	e.LastAt = now.Unix()
	if e.Count > max {
		e.LockoutUntil = now.Add(window).Unix()
		if err := saveEntry(ctx, store, key, e, now, window); err != nil {
			return Decision{RetryAfter: window}, fmt.Errorf("rate limit update: %w", err)
		}
		return Decision{RetryAfter: window}, nil
	}
	if err := saveEntry(ctx, store, key, e, now, window); err != nil {
		return Decision{RetryAfter: window}, fmt.Errorf("rate limit update: %w", err)
	}
	return Decision{Allowed: true, Remaining: max - e.Count}, nil
}

// Limiter counts every request against a fixed window. Use it for
// endpoints where attempts themselves are the cost, such as OTP requests
// or share password guesses.
type Limiter struct {
	store kv.Store
	now   func() time.Time
}

// NewLimiter wraps the given store.
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check records one attempt for identifier and reports whether it is
// allowed. Once the count exceeds max within the window the identifier is
// locked out for a full window from that moment, and the lockout is
// persisted. Store failures reject the caller.
func (l *Limiter) Check(ctx context.Context, identifier string, window time.Duration, max int) (Decision, error) {
	if window <= 0 || max <= 0 {
		return Decision{}, errors.New("window and max must be positive")
	}
	key := rateKeyPrefix + util.HashKey(identifier)
	return increment(ctx, l.store, key, l.now(), window, max)
}
