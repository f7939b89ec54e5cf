// Package postgres implements store.Store backed by PostgreSQL.
//
// WithSessionContext opens a transaction, stamps the verified principal into
// transaction-local GUCs (app.user_id, app.user_role), and runs the callback
// with the transaction carried in the context. Every query method routes
// through q(ctx), so statements issued inside the callback execute in that
// transaction and are visible to row-level-security policies referencing
// current_setting('app.user_id').
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouselabs/gatehouse/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Session context
// ---------------------------------------------------------------------------

type txKey struct{}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func (s *Store) WithSessionContext(ctx context.Context, userID, role string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning session context tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`SELECT set_config('app.user_id', $1, true), set_config('app.user_role', $2, true)`,
		userID, role)
	if err != nil {
		return fmt.Errorf("setting session context: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, email, username, name, role, password_hash, status, permissions, created_at`

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Name, &u.Role,
		&u.PasswordHash, &u.Status, &u.Permissions, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByLogin(ctx context.Context, login string) (*store.User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = $1 OR lower(username) = $1`,
		login))
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*store.User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO users (id, email, username, name, role, password_hash, status, permissions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Username, u.Name, u.Role, u.PasswordHash, u.Status, u.Permissions)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, store.ErrDuplicate)
	}
	return err
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shares
// ---------------------------------------------------------------------------

func (s *Store) FindShareByID(ctx context.Context, id string) (*store.Share, error) {
	var sh store.Share
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, project_id, name, auth_mode, COALESCE(password_hash, ''), permissions, recipient_emails, disabled
		 FROM shares WHERE id = $1`, id).Scan(
		&sh.ID, &sh.ProjectID, &sh.Name, &sh.AuthMode, &sh.PasswordHash,
		&sh.Permissions, &sh.RecipientEmails, &sh.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// ---------------------------------------------------------------------------
// Passkey credentials
// ---------------------------------------------------------------------------

const credentialColumns = `id, user_id, name, credential_id, public_key, transports, device_type, backed_up, sign_count, created_at, last_used_at`

func scanCredential(row pgx.Row) (*store.PasskeyCredential, error) {
	var c store.PasskeyCredential
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.CredentialID, &c.PublicKey,
		&c.Transports, &c.DeviceType, &c.BackedUp, &c.SignCount, &c.CreatedAt, &c.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCredential(ctx context.Context, c *store.PasskeyCredential) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO passkey_credentials
		   (id, user_id, name, credential_id, public_key, transports, device_type, backed_up, sign_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.UserID, c.Name, c.CredentialID, c.PublicKey, c.Transports,
		c.DeviceType, c.BackedUp, c.SignCount)
	if isUniqueViolation(err) {
		return fmt.Errorf("credential: %w", store.ErrDuplicate)
	}
	return err
}

func (s *Store) FindCredential(ctx context.Context, id string) (*store.PasskeyCredential, error) {
	return scanCredential(s.q(ctx).QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM passkey_credentials WHERE id = $1`, id))
}

func (s *Store) FindCredentialByID(ctx context.Context, credentialID []byte) (*store.PasskeyCredential, error) {
	return scanCredential(s.q(ctx).QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM passkey_credentials WHERE credential_id = $1`,
		credentialID))
}

func (s *Store) FindCredentialsByUser(ctx context.Context, userID string) ([]store.PasskeyCredential, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT `+credentialColumns+` FROM passkey_credentials WHERE user_id = $1 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []store.PasskeyCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

func (s *Store) UpdateCredentialUsage(ctx context.Context, id string, signCount uint32, usedAt time.Time) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE passkey_credentials SET sign_count = $2, last_used_at = $3 WHERE id = $1`,
		id, signCount, usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RenameCredential(ctx context.Context, id, name string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE passkey_credentials SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM passkey_credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
