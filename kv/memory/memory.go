// Package memory provides a thread-safe in-memory implementation of kv.Store.
// State is lost on restart. Suitable for tests and demos; single-process
// deployments that need durability should use the bolt backend.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatehouselabs/gatehouse/kv"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a thread-safe in-memory kv.Store. Expired keys are dropped
// lazily on access.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry

	now func() time.Time
}

var _ kv.Store = (*Store)(nil)

// NewStore creates an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return "", kv.ErrNotFound
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) GetDel(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return "", kv.ErrNotFound
	}
	delete(s.data, key)
	if e.expired(s.now()) {
		return "", kv.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("memory: non-positive ttl %v for key %q", ttl, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return false, nil
	}
	return true, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if ok && e.expired(s.now()) {
		delete(s.data, key)
		ok = false
	}
	if !ok {
		s.data[key] = entry{value: "1"}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory: value at %q is not an integer: %w", key, err)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.data[key] = e
	return n, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		delete(s.data, key)
		return kv.ErrNotFound
	}
	e.expiresAt = s.now().Add(ttl)
	s.data[key] = e
	return nil
}

func (s *Store) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	prefix := strings.TrimSuffix(pattern, "*")

	// Snapshot matching keys so fn may mutate the store without deadlock.
	s.mu.RLock()
	now := s.now()
	keys := make([]string, 0)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
