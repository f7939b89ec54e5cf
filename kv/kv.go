// Package kv defines the key-value store abstraction used for revocation
// records, rate-limit counters, CSRF tokens, and WebAuthn challenges.
//
// The interface is deliberately narrow: the primitives map one-to-one onto
// Redis commands (GET, SETEX, DEL, EXISTS, INCR, EXPIRE, GETDEL, SCAN) so
// that per-key atomicity is the only consistency guarantee callers may rely
// on. Multi-key sequences are not transactional on any backend; callers are
// expected to make each step idempotent.
//
// Every consumer of this package fails closed: a store error on a read path
// is treated as "assume the worst" (token revoked, caller rate-limited,
// CSRF token invalid), never as permission to proceed.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the contract implemented by the Redis, Bolt, and in-memory
// backends.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// GetDel atomically returns and removes the value at key, or
	// ErrNotFound. This is the one-time-use primitive for WebAuthn
	// challenges and share OTP codes.
	GetDel(ctx context.Context, key string) (string, error)

	// SetEx writes value at key with the given TTL. A non-positive TTL is
	// an error; TTL-less keys have no place in this subsystem.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Incr increments the integer value at key, creating it at 1 with no
	// expiry when absent. Callers must follow a creating Incr with Expire.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the TTL of an existing key. Missing keys return
	// ErrNotFound.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan invokes fn for every key matching pattern. Patterns are a
	// literal prefix followed by "*"; that is the only shape the bulk
	// invalidation paths need. fn returning an error stops the scan.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error
}
