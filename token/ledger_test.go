package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/kv"
	kvmemory "github.com/gatehouselabs/gatehouse/kv/memory"
)

var errStoreDown = errors.New("store down")

// failingStore simulates an unreachable backing store so fail-closed
// behavior can be exercised.
type failingStore struct{}

var _ kv.Store = failingStore{}

func (failingStore) Get(context.Context, string) (string, error)          { return "", errStoreDown }
func (failingStore) GetDel(context.Context, string) (string, error)       { return "", errStoreDown }
func (failingStore) SetEx(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (failingStore) Del(context.Context, ...string) error        { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingStore) Incr(context.Context, string) (int64, error) { return 0, errStoreDown }
func (failingStore) Expire(context.Context, string, time.Duration) error { return errStoreDown }
func (failingStore) Scan(context.Context, string, func(string) error) error {
	return errStoreDown
}

func TestLedger_RevokeWellFormedAndMalformed(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvmemory.NewStore())

	wellFormed := "header.payload.signature-segment"
	malformed := "not a jwt at all"

	for _, raw := range []string{wellFormed, malformed} {
		if err := l.Revoke(ctx, raw, time.Minute); err != nil {
			t.Fatalf("Revoke(%q): %v", raw, err)
		}
		revoked, err := l.IsRevoked(ctx, raw)
		if err != nil {
			t.Fatalf("IsRevoked(%q): %v", raw, err)
		}
		if !revoked {
			t.Errorf("IsRevoked(%q) = false, want true", raw)
		}
	}

	// The two inputs must not collide.
	other, err := l.IsRevoked(ctx, "header.payload.other-signature")
	if err != nil {
		t.Fatal(err)
	}
	if other {
		t.Error("unrelated token reported revoked")
	}
}

func TestLedger_RevokeSkipsNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvmemory.NewStore())

	if err := l.Revoke(ctx, "a.b.c", 0); err != nil {
		t.Fatalf("Revoke with zero ttl: %v", err)
	}
	if err := l.Revoke(ctx, "a.b.c", -time.Minute); err != nil {
		t.Fatalf("Revoke with negative ttl: %v", err)
	}
	revoked, err := l.IsRevoked(ctx, "a.b.c")
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Error("zero-ttl revoke wrote a marker")
	}
}

func TestLedger_UserRevocationWindow(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvmemory.NewStore())
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := l.RevokeAllForUser(ctx, "alice-id", at, time.Hour); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		issuedAt time.Time
		want     bool
	}{
		{"IssuedBeforeMarker", at.Add(-time.Minute), true},
		{"IssuedAfterMarker", at.Add(time.Minute), false},
		{"ZeroIssuedAtIsConservative", time.Time{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.IsUserRevoked(ctx, "alice-id", tc.issuedAt)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("IsUserRevoked = %v, want %v", got, tc.want)
			}
		})
	}

	got, err := l.IsUserRevoked(ctx, "someone-else", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("user without marker reported revoked")
	}
}

func TestLedger_FingerprintBinding(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvmemory.NewStore())

	if err := l.BindFingerprint(ctx, "u1", "h.p.sig1", "fp-hash", time.Hour); err != nil {
		t.Fatal(err)
	}

	fp, ok, err := l.BoundFingerprint(ctx, "u1", "h.p.sig1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || fp != "fp-hash" {
		t.Errorf("BoundFingerprint = (%q, %v), want (fp-hash, true)", fp, ok)
	}

	_, ok, err = l.BoundFingerprint(ctx, "u1", "h.p.sig2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unbound token reported a fingerprint")
	}

	// Empty fingerprints are never stored.
	if err := l.BindFingerprint(ctx, "u1", "h.p.sig3", "", time.Hour); err != nil {
		t.Fatal(err)
	}
	_, ok, _ = l.BoundFingerprint(ctx, "u1", "h.p.sig3")
	if ok {
		t.Error("empty fingerprint was stored")
	}
}

func TestLedger_RotationRecord(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvmemory.NewStore())

	if err := l.SetRotation(ctx, "sess-1", "rid-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	rid, ok, err := l.CurrentRotation(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || rid != "rid-1" {
		t.Errorf("CurrentRotation = (%q, %v), want (rid-1, true)", rid, ok)
	}

	if err := l.SetRotation(ctx, "sess-1", "rid-2", time.Hour); err != nil {
		t.Fatal(err)
	}
	rid, _, _ = l.CurrentRotation(ctx, "sess-1")
	if rid != "rid-2" {
		t.Errorf("rotation not replaced, got %q", rid)
	}

	_, ok, err = l.CurrentRotation(ctx, "sess-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("unknown session reported a rotation id")
	}
}

func TestLedger_ProjectShareSessionSweep(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(kvmemory.NewStore())

	for _, s := range []struct{ project, session string }{
		{"proj-1", "sess-a"},
		{"proj-1", "sess-b"},
		{"proj-2", "sess-c"},
	} {
		if err := l.RegisterShareSession(ctx, s.project, s.session, time.Hour); err != nil {
			t.Fatal(err)
		}
	}

	n, err := l.RevokeProjectShareSessions(ctx, "proj-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("revoked %d sessions, want 2", n)
	}

	for _, tc := range []struct {
		session string
		want    bool
	}{
		{"sess-a", true},
		{"sess-b", true},
		{"sess-c", false},
	} {
		got, err := l.IsShareSessionRevoked(ctx, tc.session)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("IsShareSessionRevoked(%s) = %v, want %v", tc.session, got, tc.want)
		}
	}
}

func TestLedger_ReadsFailClosed(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(failingStore{})

	if _, err := l.IsRevoked(ctx, "a.b.c"); err == nil {
		t.Error("IsRevoked returned no error on store failure")
	}
	if _, err := l.IsUserRevoked(ctx, "u1", time.Now()); err == nil {
		t.Error("IsUserRevoked returned no error on store failure")
	}
	if _, _, err := l.BoundFingerprint(ctx, "u1", "a.b.c"); err == nil {
		t.Error("BoundFingerprint returned no error on store failure")
	}
	if _, _, err := l.CurrentRotation(ctx, "s1"); err == nil {
		t.Error("CurrentRotation returned no error on store failure")
	}
	if _, err := l.IsShareSessionRevoked(ctx, "s1"); err == nil {
		t.Error("IsShareSessionRevoked returned no error on store failure")
	}
}
