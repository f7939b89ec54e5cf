// Package bolt implements kv.Store backed by a BBolt database.
//
// Single-node deployments run without Redis; revocation records and
// rate-limit state still have to survive process restarts, so they are kept
// in a local BBolt file. TTL semantics are emulated with a stored expiry
// timestamp, enforced lazily on read and by a background sweep.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gatehouselabs/gatehouse/kv"
)

var bucketName = []byte("kv")

const defaultSweepInterval = time.Minute

type entry struct {
	Value     string    `json:"v"`
	ExpiresAt time.Time `json:"exp,omitzero"` // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store implements kv.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

var _ kv.Store = (*Store)(nil)

// NewStore wraps an open BBolt database and starts the expiry sweeper.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating kv bucket: %w", err)
	}
	s := &Store{
		db:            db,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close stops the sweeper and closes the underlying database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.db.Close()
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	now := time.Now()
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func getEntry(b *bbolt.Bucket, key string) (entry, bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return entry{}, false, nil
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry{}, false, fmt.Errorf("decoding entry at %q: %w", key, err)
	}
	return e, true, nil
}

func putEntry(b *bbolt.Bucket, key string, e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		e, ok, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if !ok {
			return kv.ErrNotFound
		}
		if e.expired(time.Now()) {
			_ = b.Delete([]byte(key))
			return kv.ErrNotFound
		}
		val = e.Value
		return nil
	})
	return val, err
}

func (s *Store) GetDel(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		e, ok, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if !ok {
			return kv.ErrNotFound
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		if e.expired(time.Now()) {
			return kv.ErrNotFound
		}
		val = e.Value
		return nil
	})
	return val, err
}

func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("bolt: non-positive ttl %v for key %q", ttl, key)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return putEntry(b, key, entry{Value: value, ExpiresAt: time.Now().Add(ttl)})
	})
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		e, ok, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if ok && e.expired(time.Now()) {
			_ = b.Delete([]byte(key))
			ok = false
		}
		exists = ok
		return nil
	})
	return exists, err
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		e, ok, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if ok && e.expired(time.Now()) {
			ok = false
		}
		if !ok {
			n = 1
			return putEntry(b, key, entry{Value: "1"})
		}
		cur, err := strconv.ParseInt(e.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("bolt: value at %q is not an integer: %w", key, err)
		}
		n = cur + 1
		e.Value = strconv.FormatInt(n, 10)
		return putEntry(b, key, e)
	})
	return n, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		e, ok, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if !ok || e.expired(time.Now()) {
			return kv.ErrNotFound
		}
		e.ExpiresAt = time.Now().Add(ttl)
		return putEntry(b, key, e)
	})
}

// Scan snapshots matching keys in one read transaction, then invokes fn
// outside it so fn may write to the store.
func (s *Store) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	prefix := []byte(strings.TrimSuffix(pattern, "*"))
	now := time.Now()

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !e.expired(now) {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
