// Package passkey runs WebAuthn registration and authentication
// ceremonies. Ceremony state lives in the shared key-value store under
// short-TTL one-time keys, credentials persist through the store package,
// and the authenticator signature counter is checked explicitly on every
// login to catch cloned credentials.
package passkey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/gatehouselabs/gatehouse/internal/ids"
	"github.com/gatehouselabs/gatehouse/kv"
	"github.com/gatehouselabs/gatehouse/store"
)

var (
	// ErrCeremonyExpired means the challenge is gone: never stored, past
	// its TTL, or already consumed by an earlier attempt.
	ErrCeremonyExpired = errors.New("ceremony expired or already used")

	// ErrNoCredentials means the user has no passkeys to authenticate
	// with.
	ErrNoCredentials = errors.New("no passkey credentials registered")

	// ErrCounterRegression means the authenticator reported a signature
	// count at or below the stored one, the signature of a cloned
	// credential.
	ErrCounterRegression = errors.New("authenticator counter regressed")

	// ErrNotOwner means the caller tried to manage a credential belonging
	// to another user.
	ErrNotOwner = errors.New("credential belongs to another user")

	// ErrVerificationFailed covers every cryptographic or protocol-level
	// ceremony failure. Callers surface it as a single generic message.
	ErrVerificationFailed = errors.New("webauthn verification failed")
)

// Config identifies the relying party.
type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string
}

// Manager coordinates WebAuthn ceremonies against the credential store and
// the challenge store.
type Manager struct {
	web        *webauthn.WebAuthn
	users      store.Store
	challenges *challengeStore

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger for ceremony outcomes.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source used for credential metadata.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager validates the relying-party configuration and wires the
// ceremony stores.
func NewManager(cfg Config, users store.Store, kvStore kv.Store, opts ...Option) (*Manager, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	m := &Manager{
		web:        web,
		users:      users,
		challenges: &challengeStore{store: kvStore},
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BeginRegistration starts a registration ceremony. The user's existing
// credential ids are excluded so the same authenticator cannot be
// registered twice.
func (m *Manager) BeginRegistration(ctx context.Context, user *store.User) (*protocol.CredentialCreation, error) {
	existing, err := m.users.FindCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	u := newCeremonyUser(user, existing)

	exclusions := make([]protocol.CredentialDescriptor, 0, len(u.creds))
	for _, c := range u.creds {
		exclusions = append(exclusions, c.Descriptor())
	}

	options, session, err := m.web.BeginRegistration(u, webauthn.WithExclusions(exclusions))
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	if err := m.challenges.save(ctx, regKey(user.ID), session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration consumes the stored challenge, verifies the
// authenticator's response, and persists the new credential under the
// given display name.
func (m *Manager) FinishRegistration(ctx context.Context, user *store.User, name string, response *protocol.ParsedCredentialCreationData) (*store.PasskeyCredential, error) {
	session, err := m.challenges.take(ctx, regKey(user.ID))
	if err != nil {
		return nil, err
	}

	existing, err := m.users.FindCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	u := newCeremonyUser(user, existing)

	cred, err := m.web.CreateCredential(u, *session, response)
	if err != nil {
		m.logger.Warn("passkey registration rejected", "user_id", user.ID, "error", err)
		return nil, ErrVerificationFailed
	}

	if strings.TrimSpace(name) == "" {
		name = "Passkey"
	}
	record := toStoredCredential(user.ID, name, cred, m.now())
	if err := m.users.CreateCredential(ctx, record); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	m.logger.Info("passkey registered", "user_id", user.ID, "credential", record.ID)
	return record, nil
}

// BeginLogin starts an identified authentication ceremony scoped to the
// user's registered credential ids.
func (m *Manager) BeginLogin(ctx context.Context, user *store.User) (*protocol.CredentialAssertion, error) {
	existing, err := m.users.FindCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(existing) == 0 {
		return nil, ErrNoCredentials
	}
	u := newCeremonyUser(user, existing)

	options, session, err := m.web.BeginLogin(u)
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	if err := m.challenges.save(ctx, loginKey(user.ID), session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishLogin consumes the stored challenge and verifies the assertion.
// On success the credential's counter and last-used metadata are updated.
func (m *Manager) FinishLogin(ctx context.Context, user *store.User, response *protocol.ParsedCredentialAssertionData) (*store.PasskeyCredential, error) {
	session, err := m.challenges.take(ctx, loginKey(user.ID))
	if err != nil {
		return nil, err
	}

	existing, err := m.users.FindCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	u := newCeremonyUser(user, existing)

	result, err := m.web.ValidateLogin(u, *session, response)
	if err != nil {
		m.logger.Warn("passkey login rejected", "user_id", user.ID, "error", err)
		return nil, ErrVerificationFailed
	}
	return m.finishAssertion(ctx, existing, result)
}

// BeginDiscoverableLogin starts a usernameless ceremony. The returned
// ceremony id stands in for the unknown identity until the authenticator
// presents a credential.
func (m *Manager) BeginDiscoverableLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	options, session, err := m.web.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("begin discoverable login: %w", err)
	}
	ceremonyID := ids.New()
	if err := m.challenges.save(ctx, loginKey(ceremonyID), session); err != nil {
		return nil, "", err
	}
	return options, ceremonyID, nil
}

// FinishDiscoverableLogin resolves the user from the authenticator's user
// handle, verifies the assertion, and returns the user together with the
// credential that signed.
func (m *Manager) FinishDiscoverableLogin(ctx context.Context, ceremonyID string, response *protocol.ParsedCredentialAssertionData) (*store.User, *store.PasskeyCredential, error) {
	session, err := m.challenges.take(ctx, loginKey(ceremonyID))
	if err != nil {
		return nil, nil, err
	}

	var resolved *store.User
	var creds []store.PasskeyCredential
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		user, err := m.users.FindUserByID(ctx, string(userHandle))
		if err != nil {
			return nil, err
		}
		list, err := m.users.FindCredentialsByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		resolved = user
		creds = list
		return newCeremonyUser(user, list), nil
	}

	result, err := m.web.ValidateDiscoverableLogin(handler, *session, response)
	if err != nil || resolved == nil {
		m.logger.Warn("discoverable passkey login rejected", "error", err)
		return nil, nil, ErrVerificationFailed
	}

	cred, err := m.finishAssertion(ctx, creds, result)
	if err != nil {
		return nil, nil, err
	}
	return resolved, cred, nil
}

func (m *Manager) finishAssertion(ctx context.Context, existing []store.PasskeyCredential, result *webauthn.Credential) (*store.PasskeyCredential, error) {
	var matched *store.PasskeyCredential
	for i := range existing {
		if bytes.Equal(existing[i].CredentialID, result.ID) {
			matched = &existing[i]
			break
		}
	}
	if matched == nil {
		return nil, ErrVerificationFailed
	}

	if err := checkCounter(matched.SignCount, result.Authenticator); err != nil {
		m.logger.Error("passkey counter regression, possible cloned credential",
			"user_id", matched.UserID,
			"credential", matched.ID,
			"stored_count", matched.SignCount,
			"presented_count", result.Authenticator.SignCount)
		return nil, err
	}

	now := m.now()
	if err := m.users.UpdateCredentialUsage(ctx, matched.ID, result.Authenticator.SignCount, now); err != nil {
		return nil, fmt.Errorf("update credential usage: %w", err)
	}
	matched.SignCount = result.Authenticator.SignCount
	matched.LastUsedAt = now
	return matched, nil
}

// checkCounter enforces a strictly increasing signature counter. A pair of
// zeroes is exempt: authenticators without counter support always report
// zero.
func checkCounter(stored uint32, auth webauthn.Authenticator) error {
	if auth.CloneWarning {
		return ErrCounterRegression
	}
	if stored == 0 && auth.SignCount == 0 {
		return nil
	}
	if auth.SignCount <= stored {
		return ErrCounterRegression
	}
	return nil
}

// Credentials lists the user's registered passkeys.
func (m *Manager) Credentials(ctx context.Context, userID string) ([]store.PasskeyCredential, error) {
	return m.users.FindCredentialsByUser(ctx, userID)
}

// RenameCredential changes a credential's display name after verifying
// the caller owns it. Cross-user attempts are logged as security events.
func (m *Manager) RenameCredential(ctx context.Context, ownerID, credentialID, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("credential name is required")
	}
	if err := m.requireOwner(ctx, ownerID, credentialID, "rename"); err != nil {
		return err
	}
	return m.users.RenameCredential(ctx, credentialID, name)
}

// DeleteCredential removes a credential after verifying the caller owns
// it.
func (m *Manager) DeleteCredential(ctx context.Context, ownerID, credentialID string) error {
	if err := m.requireOwner(ctx, ownerID, credentialID, "delete"); err != nil {
		return err
	}
	return m.users.DeleteCredential(ctx, credentialID)
}

func (m *Manager) requireOwner(ctx context.Context, ownerID, credentialID, action string) error {
	cred, err := m.users.FindCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if cred.UserID != ownerID {
		m.logger.Error("cross-user passkey access rejected",
			"action", action,
			"owner_id", cred.UserID,
			"caller_id", ownerID,
			"credential", credentialID)
		return ErrNotOwner
	}
	return nil
}
