package memory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/gatehouselabs/gatehouse/kv"
)

func TestStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.SetEx(ctx, "k1", "v1", time.Minute); err != nil {
		t.Fatalf("SetEx failed: %v", err)
	}
	val, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "v1" {
		t.Errorf("expected v1, got %q", val)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RejectsNonPositiveTTL(t *testing.T) {
	s := NewStore()
	if err := s.SetEx(context.Background(), "k", "v", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
	if err := s.SetEx(context.Background(), "k", "v", -time.Second); err == nil {
		t.Error("expected error for negative ttl")
	}
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	base := time.Now()
	s.now = func() time.Time { return base }

	if err := s.SetEx(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetEx failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("key should still be live: %v", err)
	}

	s.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, err := s.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
	exists, err := s.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expired key should not exist")
	}
}

func TestStore_GetDelIsOneTime(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.SetEx(ctx, "challenge", "payload", time.Minute); err != nil {
		t.Fatalf("SetEx failed: %v", err)
	}
	val, err := s.GetDel(ctx, "challenge")
	if err != nil {
		t.Fatalf("GetDel failed: %v", err)
	}
	if val != "payload" {
		t.Errorf("expected payload, got %q", val)
	}
	if _, err := s.GetDel(ctx, "challenge"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("second GetDel should return ErrNotFound, got %v", err)
	}
}

func TestStore_IncrExpire(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	n, err := s.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if err := s.Expire(ctx, "counter", time.Minute); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	n, err = s.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	if err := s.Expire(ctx, "missing", time.Minute); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expire on missing key should return ErrNotFound, got %v", err)
	}
}

func TestStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, k := range []string{"share:sess:p1:a", "share:sess:p1:b", "share:sess:p2:c", "other"} {
		if err := s.SetEx(ctx, k, "1", time.Minute); err != nil {
			t.Fatalf("SetEx failed: %v", err)
		}
	}

	var got []string
	err := s.Scan(ctx, "share:sess:p1:*", func(key string) error {
		got = append(got, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	sort.Strings(got)
	want := []string{"share:sess:p1:a", "share:sess:p1:b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestStore_ScanCallbackMayWrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.SetEx(ctx, "share:sess:p1:a", "1", time.Minute); err != nil {
		t.Fatalf("SetEx failed: %v", err)
	}
	err := s.Scan(ctx, "share:sess:p1:*", func(key string) error {
		return s.SetEx(ctx, "share:revoked:a", "1", time.Minute)
	})
	if err != nil {
		t.Fatalf("Scan with writing callback failed: %v", err)
	}
	exists, err := s.Exists(ctx, "share:revoked:a")
	if err != nil || !exists {
		t.Errorf("expected marker written during scan, exists=%v err=%v", exists, err)
	}
}
