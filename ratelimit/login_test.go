package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/auth"
	kvmemory "github.com/gatehouselabs/gatehouse/kv/memory"
)

func fixedSettings(max int, window time.Duration) *auth.SettingsCache {
	return auth.NewSettingsCache(func(ctx context.Context) (auth.SecuritySettings, error) {
		return auth.SecuritySettings{MaxPasswordAttempts: max, AttemptWindow: window}, nil
	}, time.Hour)
}

func newTestLoginLimiter(max int, window time.Duration) (*LoginLimiter, *fakeClock) {
	clock := newFakeClock()
	l := NewLoginLimiter(kvmemory.NewStore(), fixedSettings(max, window))
	l.now = clock.Now
	return l, clock
}

func TestLoginLimiter_LocksOnceFailuresExceedThreshold(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLoginLimiter(3, time.Minute)

	d, err := l.Reserve(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 3 {
		t.Fatalf("initial reserve = %+v", d)
	}

	for i := 0; i < 3; i++ {
		d, err := l.RecordFailure(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("failure %d already locked", i+1)
		}
	}

	d, err = l.RecordFailure(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("threshold exceeded but not locked")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", d.RetryAfter)
	}

	d, err = l.Reserve(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("reserve allowed during lockout")
	}
	if d.RetryAfter <= 0 {
		t.Error("reserve carries no Retry-After")
	}
}

func TestLoginLimiter_SuccessClearsHistory(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLoginLimiter(3, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "alice@example.com"); err != nil {
			t.Fatal(err)
		}
	}
	d, err := l.Reserve(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != 1 {
		t.Fatalf("remaining before clear = %d, want 1", d.Remaining)
	}

	if err := l.Clear(ctx, "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	d, err = l.Reserve(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 3 {
		t.Errorf("reserve after clear = %+v", d)
	}
}

func TestLoginLimiter_WindowExpiryForgetsFailures(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLoginLimiter(3, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := l.RecordFailure(ctx, "alice@example.com"); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(61 * time.Second)
	d, err := l.Reserve(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 3 {
		t.Errorf("reserve after window expiry = %+v", d)
	}
}

func TestLoginLimiter_ThresholdFollowsSettings(t *testing.T) {
	ctx := context.Background()
	max := 5
	settings := auth.NewSettingsCache(func(ctx context.Context) (auth.SecuritySettings, error) {
		return auth.SecuritySettings{MaxPasswordAttempts: max, AttemptWindow: time.Minute}, nil
	}, time.Hour)
	clock := newFakeClock()
	l := NewLoginLimiter(kvmemory.NewStore(), settings)
	l.now = clock.Now

	for i := 0; i < 4; i++ {
		d, err := l.RecordFailure(ctx, "alice@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("failure %d locked under threshold 5", i+1)
		}
	}

	// Operator tightens the threshold; the very next failure trips it.
	max = 2
	settings.Invalidate()
	d, err := l.RecordFailure(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("tightened threshold not applied")
	}
}

func TestLoginLimiter_FailsClosed(t *testing.T) {
	ctx := context.Background()
	l := NewLoginLimiter(failingStore{}, fixedSettings(3, time.Minute))

	if d, err := l.Reserve(ctx, "alice@example.com"); err == nil || d.Allowed {
		t.Error("reserve did not fail closed")
	}
	if d, err := l.RecordFailure(ctx, "alice@example.com"); err == nil || d.Allowed {
		t.Error("record did not fail closed")
	}
	if err := l.Clear(ctx, "alice@example.com"); err == nil {
		t.Error("clear swallowed the store failure")
	}
}
