package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSettingsCache_CachesWithinTTL(t *testing.T) {
	calls := 0
	c := NewSettingsCache(func(ctx context.Context) (SecuritySettings, error) {
		calls++
		return SecuritySettings{MaxPasswordAttempts: 3, AttemptWindow: time.Minute}, nil
	}, time.Minute)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	s := c.Get(context.Background())
	assert.Equal(t, 3, s.MaxPasswordAttempts)
	c.Get(context.Background())
	c.Get(context.Background())
	assert.Equal(t, 1, calls)

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	c.Get(context.Background())
	assert.Equal(t, 2, calls)
}

func TestSettingsCache_InvalidateForcesReload(t *testing.T) {
	calls := 0
	c := NewSettingsCache(func(ctx context.Context) (SecuritySettings, error) {
		calls++
		return SecuritySettings{MaxPasswordAttempts: calls, AttemptWindow: time.Minute}, nil
	}, time.Hour)

	first := c.Get(context.Background())
	assert.Equal(t, 1, first.MaxPasswordAttempts)

	c.Invalidate()
	second := c.Get(context.Background())
	assert.Equal(t, 2, second.MaxPasswordAttempts)
	assert.Equal(t, 2, calls)
}

func TestSettingsCache_LoaderErrorFallsBackToLastKnown(t *testing.T) {
	fail := false
	c := NewSettingsCache(func(ctx context.Context) (SecuritySettings, error) {
		if fail {
			return SecuritySettings{}, errors.New("settings table unavailable")
		}
		return SecuritySettings{MaxPasswordAttempts: 7, AttemptWindow: time.Hour}, nil
	}, time.Minute)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	assert.Equal(t, 7, c.Get(context.Background()).MaxPasswordAttempts)

	fail = true
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	got := c.Get(context.Background())
	assert.Equal(t, 7, got.MaxPasswordAttempts, "stale values beat no values")
}

func TestSettingsCache_LoaderErrorBeforeFirstLoadUsesDefaults(t *testing.T) {
	c := NewSettingsCache(func(ctx context.Context) (SecuritySettings, error) {
		return SecuritySettings{}, errors.New("boom")
	}, time.Minute)

	got := c.Get(context.Background())
	assert.Equal(t, DefaultSecuritySettings(), got)
}

func TestSettingsCache_NilLoaderServesDefaults(t *testing.T) {
	c := NewSettingsCache(nil, time.Minute)
	assert.Equal(t, DefaultSecuritySettings(), c.Get(context.Background()))
}
