package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatehouselabs/gatehouse/auth"
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

func makeKey(fill byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	return key
}

func testKeys() Keys {
	return Keys{Access: makeKey('a'), Refresh: makeKey('r'), Share: makeKey('s')}
}

func newTestIssuer(t *testing.T, opts ...Option) (*Issuer, *kvmemory.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := kvmemory.NewStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	iss, err := NewIssuer(NewLedger(store), testKeys(), opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss, store, clock
}

func alicePrincipal() auth.Principal {
	return auth.Principal{ID: "alice-id", Email: "alice@example.com", Role: auth.RoleAdmin}
}

func TestNewIssuer_KeyValidation(t *testing.T) {
	ledger := NewLedger(kvmemory.NewStore())

	if _, err := NewIssuer(ledger, Keys{Access: []byte("short"), Refresh: makeKey('r'), Share: makeKey('s')}); err == nil {
		t.Error("short access key accepted")
	}
	if _, err := NewIssuer(ledger, Keys{Access: makeKey('x'), Refresh: makeKey('x'), Share: makeKey('s')}); err == nil {
		t.Error("identical access and refresh keys accepted")
	}
	if _, err := NewIssuer(nil, testKeys()); err == nil {
		t.Error("nil ledger accepted")
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	pair, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatalf("IssueAdminPair: %v", err)
	}
	if pair.SessionID == "" {
		t.Fatal("pair has no session id")
	}

	access, err := iss.VerifyAdminAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAdminAccess: %v", err)
	}
	if access.Subject != "alice-id" || access.Email != "alice@example.com" || access.Role != "admin" {
		t.Errorf("access claims = %q/%q/%q", access.Subject, access.Email, access.Role)
	}
	if access.SessionID != pair.SessionID {
		t.Error("access token session id does not match pair")
	}
	if access.RotationID != "" {
		t.Error("access token carries a rotation id")
	}

	refresh, err := iss.VerifyAdminRefresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyAdminRefresh: %v", err)
	}
	if refresh.SessionID != pair.SessionID {
		t.Error("refresh token session id does not match pair")
	}
	if refresh.RotationID == "" {
		t.Error("refresh token has no rotation id")
	}
}

func TestVerifyExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	iss, _, clock := newTestIssuer(t)

	pair, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(DefaultAccessTTL - time.Second)
	if _, err := iss.VerifyAdminAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("token rejected one second before expiry: %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := iss.VerifyAdminAccess(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v, want ErrInvalidToken", err)
	}
}

func TestTypeConfusionRejected(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	pair, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}
	shareRaw, _, err := iss.SignShare(ctx, ShareParams{ShareID: "share-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		verify func() error
	}{
		{"RefreshAsAccess", func() error { _, err := iss.VerifyAdminAccess(ctx, pair.RefreshToken); return err }},
		{"AccessAsRefresh", func() error { _, err := iss.VerifyAdminRefresh(ctx, pair.AccessToken); return err }},
		{"ShareAsAccess", func() error { _, err := iss.VerifyAdminAccess(ctx, shareRaw); return err }},
		{"AccessAsShare", func() error { _, err := iss.VerifyShare(ctx, pair.AccessToken); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.verify(); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("got %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRevokedTokenFailsVerification(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	pair, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.VerifyAdminAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("token invalid before revocation: %v", err)
	}

	if err := iss.RevokeToken(ctx, pair.AccessToken, KindAdminAccess); err != nil {
		t.Fatal(err)
	}
	if _, err := iss.VerifyAdminAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("got %v, want ErrTokenRevoked", err)
	}
}

func TestGlobalRevocationWithReissueEscape(t *testing.T) {
	ctx := context.Background()
	iss, _, clock := newTestIssuer(t)

	old, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	if err := iss.RevokeAllForUser(ctx, "alice-id"); err != nil {
		t.Fatal(err)
	}

	if _, err := iss.VerifyAdminAccess(ctx, old.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("pre-revocation access token: got %v, want ErrTokenRevoked", err)
	}
	if _, err := iss.VerifyAdminRefresh(ctx, old.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("pre-revocation refresh token: got %v, want ErrTokenRevoked", err)
	}

	// A fresh login right after the revocation must work.
	clock.Advance(time.Second)
	fresh, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.VerifyAdminAccess(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("post-revocation token rejected: %v", err)
	}
}

func TestRefreshRotationSingleUse(t *testing.T) {
	ctx := context.Background()
	iss, _, clock := newTestIssuer(t)

	first, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	second, err := iss.Refresh(ctx, first.RefreshToken, "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Error("rotation changed the session id")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation returned the same refresh token")
	}
	if _, err := iss.VerifyAdminRefresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("new refresh token invalid: %v", err)
	}

	// Replaying the first refresh token must fail: it was revoked when the
	// second pair was minted.
	if _, err := iss.Refresh(ctx, first.RefreshToken, ""); err == nil {
		t.Fatal("replay of rotated-out refresh token succeeded")
	}
}

func TestRefreshReplayAfterLostRevocationEscalates(t *testing.T) {
	ctx := context.Background()
	iss, store, clock := newTestIssuer(t)

	first, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	if _, err := iss.Refresh(ctx, first.RefreshToken, ""); err != nil {
		t.Fatal(err)
	}

	// Simulate the revocation write having been lost: the rotation record
	// is the second line of defense and must treat the replay as theft.
	if err := store.Del(ctx, tokenKey(first.RefreshToken)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := iss.Refresh(ctx, first.RefreshToken, ""); !errors.Is(err, ErrTokenTheft) {
		t.Fatalf("got %v, want ErrTokenTheft", err)
	}

	// The whole family is gone.
	clock.Advance(time.Second)
	if _, err := iss.VerifyAdminAccess(ctx, first.AccessToken); err == nil {
		t.Error("family member still valid after theft detection")
	}
}

func TestRefreshFingerprintMismatchRevokesFamily(t *testing.T) {
	ctx := context.Background()
	iss, _, clock := newTestIssuer(t)

	pair, err := iss.IssueAdminPair(ctx, alicePrincipal(), "device-a-hash")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	if _, err := iss.Refresh(ctx, pair.RefreshToken, "device-b-hash"); !errors.Is(err, ErrTokenTheft) {
		t.Fatalf("got %v, want ErrTokenTheft", err)
	}

	if _, err := iss.VerifyAdminAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("access token survived family revocation: %v", err)
	}
	if _, err := iss.VerifyAdminRefresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh token survived family revocation: %v", err)
	}

	// Re-authentication after the incident works.
	clock.Advance(time.Second)
	fresh, err := iss.IssueAdminPair(ctx, alicePrincipal(), "device-a-hash")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.Refresh(ctx, fresh.RefreshToken, "device-a-hash"); err != nil {
		t.Fatalf("matching fingerprint rejected: %v", err)
	}
}

func TestRemainingTTLForgeryResistance(t *testing.T) {
	iss, _, clock := newTestIssuer(t)
	now := clock.Now()

	// A token signed under an attacker key with a ten-year expiry must not
	// control the ledger TTL.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    defaultIssuerName,
		Subject:   "alice-id",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * 365 * 24 * time.Hour)),
	})
	forgedRaw, err := forged.SignedString(makeKey('z'))
	if err != nil {
		t.Fatal(err)
	}
	if got := iss.RemainingTTL(forgedRaw, KindAdminAccess); got != DefaultAccessTTL {
		t.Errorf("forged token ttl = %v, want clamp to %v", got, DefaultAccessTTL)
	}

	if got := iss.RemainingTTL("garbage", KindAdminRefresh); got != DefaultRefreshTTL {
		t.Errorf("garbage token ttl = %v, want %v", got, DefaultRefreshTTL)
	}
}

func TestRemainingTTLTracksVerifiedExpiry(t *testing.T) {
	ctx := context.Background()
	iss, _, clock := newTestIssuer(t)

	pair, err := iss.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(5 * time.Minute)
	got := iss.RemainingTTL(pair.AccessToken, KindAdminAccess)
	if want := DefaultAccessTTL - 5*time.Minute; got != want {
		t.Errorf("RemainingTTL = %v, want %v", got, want)
	}

	// Past expiry the signature still verifies but nothing remains.
	clock.Advance(DefaultAccessTTL)
	if got := iss.RemainingTTL(pair.AccessToken, KindAdminAccess); got != 0 {
		t.Errorf("expired token ttl = %v, want 0", got)
	}
}

func TestShareTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	raw, claims, err := iss.SignShare(ctx, ShareParams{
		ShareID:     "share-1",
		ProjectID:   "proj-1",
		Permissions: []string{"view", "approve"},
		RecipientID: "client-7",
		AuthMode:    "password",
	})
	if err != nil {
		t.Fatalf("SignShare: %v", err)
	}
	if claims.SessionID == "" {
		t.Fatal("no session id generated")
	}

	verified, err := iss.VerifyShare(ctx, raw)
	if err != nil {
		t.Fatalf("VerifyShare: %v", err)
	}
	if verified.ShareID != "share-1" || verified.ProjectID != "proj-1" {
		t.Errorf("claims = %q/%q", verified.ShareID, verified.ProjectID)
	}
	if len(verified.Permissions) != 2 || verified.Permissions[0] != "view" {
		t.Errorf("permissions = %v", verified.Permissions)
	}
	if verified.Guest || verified.AdminOverride {
		t.Error("flags set on a plain recipient token")
	}

	if err := iss.RevokeShareSession(ctx, claims.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := iss.VerifyShare(ctx, raw); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("got %v, want ErrTokenRevoked", err)
	}
}

func TestShareSessionIDSupplied(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	_, claims, err := iss.SignShare(ctx, ShareParams{
		ShareID:   "share-1",
		ProjectID: "proj-1",
		SessionID: "custom-session",
		Guest:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if claims.SessionID != "custom-session" {
		t.Errorf("session id = %q", claims.SessionID)
	}
	if !claims.Guest {
		t.Error("guest flag lost")
	}
}

func TestProjectWideShareRevocation(t *testing.T) {
	ctx := context.Background()
	iss, _, _ := newTestIssuer(t)

	rawA, _, err := iss.SignShare(ctx, ShareParams{ShareID: "share-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	rawB, _, err := iss.SignShare(ctx, ShareParams{ShareID: "share-2", ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	rawOther, _, err := iss.SignShare(ctx, ShareParams{ShareID: "share-3", ProjectID: "proj-2"})
	if err != nil {
		t.Fatal(err)
	}

	n, err := iss.RevokeProjectShareSessions(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("revoked %d sessions, want 2", n)
	}

	if _, err := iss.VerifyShare(ctx, rawA); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("share A: got %v, want ErrTokenRevoked", err)
	}
	if _, err := iss.VerifyShare(ctx, rawB); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("share B: got %v, want ErrTokenRevoked", err)
	}
	if _, err := iss.VerifyShare(ctx, rawOther); err != nil {
		t.Errorf("unrelated project share revoked: %v", err)
	}
}

func TestVerificationFailsClosedWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	healthy, _, clock := newTestIssuer(t)

	pair, err := healthy.IssueAdminPair(ctx, alicePrincipal(), "")
	if err != nil {
		t.Fatal(err)
	}

	// Same keys, same clock, unreachable ledger.
	broken, err := NewIssuer(NewLedger(failingStore{}), testKeys(), WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := broken.VerifyAdminAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("got %v, want ErrTokenRevoked when ledger is down", err)
	}
	if _, err := broken.IssueAdminPair(ctx, alicePrincipal(), ""); err == nil {
		t.Error("issuance succeeded without a reachable rotation record")
	}
}
