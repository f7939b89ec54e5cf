package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/kv"
	kvmemory "github.com/gatehouselabs/gatehouse/kv/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errStoreDown = errors.New("store down")

type failingStore struct{}

var _ kv.Store = failingStore{}

func (failingStore) Get(context.Context, string) (string, error)    { return "", errStoreDown }
func (failingStore) GetDel(context.Context, string) (string, error) { return "", errStoreDown }
func (failingStore) SetEx(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Del(context.Context, ...string) error         { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingStore) Incr(context.Context, string) (int64, error)  { return 0, errStoreDown }
func (failingStore) Expire(context.Context, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Scan(context.Context, string, func(string) error) error {
	return errStoreDown
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := newFakeClock()
	l := NewLimiter(kvmemory.NewStore())
	l.now = clock.Now
	return l, clock
}

func TestLimiter_SixthAttemptLockedOut(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "1.2.3.4", time.Minute, 5)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d rejected", i+1)
		}
		if d.Remaining != 4-i {
			t.Errorf("attempt %d remaining = %d, want %d", i+1, d.Remaining, 4-i)
		}
	}

	d, err := l.Check(ctx, "1.2.3.4", time.Minute, 5)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("sixth attempt allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 1m]", d.RetryAfter)
	}
}

func TestLimiter_LockoutCountsDown(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter()

	for i := 0; i < 4; i++ {
		if _, err := l.Check(ctx, "actor", time.Minute, 3); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(20 * time.Second)
	d, err := l.Check(ctx, "actor", time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("locked identifier allowed")
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", d.RetryAfter)
	}
}

func TestLimiter_FreshWindowAfterLockout(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter()

	for i := 0; i < 4; i++ {
		if _, err := l.Check(ctx, "actor", time.Minute, 3); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(time.Minute + time.Second)
	d, err := l.Check(ctx, "actor", time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatal("identifier still locked after lockout elapsed")
	}
	if d.Remaining != 2 {
		t.Errorf("fresh window remaining = %d, want 2", d.Remaining)
	}
}

func TestLimiter_WindowExpiryResets(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "actor", time.Minute, 5); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(61 * time.Second)
	d, err := l.Check(ctx, "actor", time.Minute, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Remaining != 4 {
		t.Errorf("decision after window expiry = %+v", d)
	}
}

func TestLimiter_IdentifiersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()

	for i := 0; i < 4; i++ {
		if _, err := l.Check(ctx, "noisy", time.Minute, 3); err != nil {
			t.Fatal(err)
		}
	}

	d, err := l.Check(ctx, "quiet", time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Error("unrelated identifier caught a lockout")
	}
}

func TestLimiter_FailsClosed(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(failingStore{})

	d, err := l.Check(ctx, "actor", time.Minute, 5)
	if err == nil {
		t.Fatal("no error on store failure")
	}
	if d.Allowed {
		t.Fatal("allowed while store unreachable")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want full window", d.RetryAfter)
	}
}

func TestLimiter_RejectsInvalidParams(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter()

	if _, err := l.Check(ctx, "actor", 0, 5); err == nil {
		t.Error("zero window accepted")
	}
	if _, err := l.Check(ctx, "actor", time.Minute, 0); err == nil {
		t.Error("zero max accepted")
	}
}

func TestIPKey(t *testing.T) {
	a := IPKey("1.2.3.4", "Mozilla/5.0")
	b := IPKey("1.2.3.4", "curl/8.0")
	if a == b {
		t.Error("different user agents produced the same key")
	}
	if a != IPKey("1.2.3.4", "Mozilla/5.0") {
		t.Error("key is not stable")
	}
}
