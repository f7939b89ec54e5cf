// Package memory provides a thread-safe in-memory implementation of
// store.Store for tests and demos.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gatehouselabs/gatehouse/store"
)

// Store is a thread-safe in-memory store.Store.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*store.User
	shares      map[string]*store.Share
	credentials map[string]*store.PasskeyCredential
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		users:       make(map[string]*store.User),
		shares:      make(map[string]*store.Share),
		credentials: make(map[string]*store.PasskeyCredential),
	}
}

func cloneUser(u *store.User) *store.User {
	cp := *u
	cp.Permissions = append([]byte(nil), u.Permissions...)
	return &cp
}

func cloneShare(sh *store.Share) *store.Share {
	cp := *sh
	cp.Permissions = append([]string(nil), sh.Permissions...)
	cp.RecipientEmails = append([]string(nil), sh.RecipientEmails...)
	return &cp
}

func cloneCredential(c *store.PasskeyCredential) *store.PasskeyCredential {
	cp := *c
	cp.CredentialID = append([]byte(nil), c.CredentialID...)
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	cp.Transports = append([]string(nil), c.Transports...)
	return &cp
}

func (s *Store) FindUserByLogin(ctx context.Context, login string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, login) || strings.EqualFold(u.Username, login) {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, store.ErrDuplicate)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) || strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("user %s: %w", u.Email, store.ErrDuplicate)
		}
	}
	cp := cloneUser(u)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.users[u.ID] = cp
	return nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	u.PasswordHash = passwordHash
	return nil
}

// SetUserStatus flips a user's status in place. Tests use it to simulate
// an account being disabled mid-session.
func (s *Store) SetUserStatus(userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Status = status
	}
}

// PutShare seeds a share. Shares are owned by the product in real
// deployments; this exists for tests and demos only.
func (s *Store) PutShare(sh *store.Share) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[sh.ID] = cloneShare(sh)
}

func (s *Store) FindShareByID(ctx context.Context, id string) (*store.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shares[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneShare(sh), nil
}

func (s *Store) CreateCredential(ctx context.Context, c *store.PasskeyCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return fmt.Errorf("credential %s: %w", c.ID, store.ErrDuplicate)
	}
	for _, existing := range s.credentials {
		if bytes.Equal(existing.CredentialID, c.CredentialID) {
			return fmt.Errorf("credential: %w", store.ErrDuplicate)
		}
	}
	cp := cloneCredential(c)
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.LastUsedAt.IsZero() {
		cp.LastUsedAt = now
	}
	s.credentials[c.ID] = cp
	return nil
}

func (s *Store) FindCredential(ctx context.Context, id string) (*store.PasskeyCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *Store) FindCredentialByID(ctx context.Context, credentialID []byte) (*store.PasskeyCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			return cloneCredential(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindCredentialsByUser(ctx context.Context, userID string) ([]store.PasskeyCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var creds []store.PasskeyCredential
	for _, c := range s.credentials {
		if c.UserID == userID {
			creds = append(creds, *cloneCredential(c))
		}
	}
	return creds, nil
}

func (s *Store) UpdateCredentialUsage(ctx context.Context, id string, signCount uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	c.SignCount = signCount
	c.LastUsedAt = usedAt
	return nil
}

func (s *Store) RenameCredential(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	c.Name = name
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	delete(s.credentials, id)
	return nil
}

// WithSessionContext has no row-level security to configure in memory; it
// runs fn unchanged.
func (s *Store) WithSessionContext(ctx context.Context, userID, role string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
