package auth

import (
	"context"
	"sync"
	"time"
)

// SecuritySettings are the operator-editable knobs consumed by the login
// rate limiter. They live outside the binary (settings file or product
// settings table) so an operator can tighten them without a deploy.
type SecuritySettings struct {
	// MaxPasswordAttempts is the number of failed logins per identifier
	// tolerated within AttemptWindow before a lockout.
	MaxPasswordAttempts int

	// AttemptWindow is both the counting window and the lockout length.
	AttemptWindow time.Duration
}

// DefaultSecuritySettings returns the values used when nothing has been
// configured or the loader is unavailable.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		MaxPasswordAttempts: 5,
		AttemptWindow:       15 * time.Minute,
	}
}

// SettingsLoader fetches the current settings from wherever they live.
type SettingsLoader func(ctx context.Context) (SecuritySettings, error)

// SettingsCache caches SecuritySettings with a TTL. It is constructor
// injected wherever settings are read so tests can reset it; never reach
// for a package global.
type SettingsCache struct {
	mu       sync.Mutex
	loader   SettingsLoader
	ttl      time.Duration
	cached   SecuritySettings
	loadedAt time.Time
	primed   bool

	now func() time.Time
}

// NewSettingsCache creates a cache that re-invokes loader at most once per
// ttl. A nil loader serves defaults forever.
func NewSettingsCache(loader SettingsLoader, ttl time.Duration) *SettingsCache {
	return &SettingsCache{
		loader: loader,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get returns the current settings. Resolution order: fresh cache, then a
// reload, then the last known values when the loader fails, then defaults
// when nothing was ever loaded.
func (c *SettingsCache) Get(ctx context.Context) SecuritySettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primed && c.now().Sub(c.loadedAt) < c.ttl {
		return c.cached
	}
	if c.loader == nil {
		return DefaultSecuritySettings()
	}

	settings, err := c.loader(ctx)
	if err != nil {
		if c.primed {
			return c.cached
		}
		return DefaultSecuritySettings()
	}

	c.cached = settings
	c.loadedAt = c.now()
	c.primed = true
	return settings
}

// Invalidate drops the cached value so the next Get reloads. Wired to the
// configuration watcher so settings-file edits take effect immediately.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primed = false
}
