package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/internal/ids"
	"github.com/gatehouselabs/gatehouse/internal/util"
)

const (
	defaultIssuerName = "gatehouse"
	minKeyLen         = 32
)

// Keys holds the raw signing secrets, one per token kind. NewIssuer moves
// them into memguard enclaves and wipes the slices passed here.
type Keys struct {
	Access  []byte
	Refresh []byte
	Share   []byte
}

func (k Keys) validate() error {
	for name, key := range map[string][]byte{
		"access":  k.Access,
		"refresh": k.Refresh,
		"share":   k.Share,
	} {
		if len(key) < minKeyLen {
			return fmt.Errorf("%s signing key must be at least %d bytes", name, minKeyLen)
		}
	}
	if bytes.Equal(k.Access, k.Refresh) || bytes.Equal(k.Access, k.Share) || bytes.Equal(k.Refresh, k.Share) {
		return errors.New("signing keys must be distinct per token kind")
	}
	return nil
}

// Issuer signs and verifies all three token kinds and coordinates the
// revocation ledger. Signing secrets live in memguard enclaves and are only
// decrypted for the duration of a single sign or verify call.
type Issuer struct {
	ledger *Ledger

	accessKey  *memguard.Enclave
	refreshKey *memguard.Enclave
	shareKey   *memguard.Enclave

	name       string
	accessTTL  time.Duration
	refreshTTL time.Duration
	shareTTL   time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source. Tests use this to step through
// expiry windows.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithLogger sets the structured logger for theft and revocation events.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) { i.logger = logger }
}

// WithIssuerName sets the iss claim stamped into every token.
func WithIssuerName(name string) Option {
	return func(i *Issuer) { i.name = name }
}

// WithTTLs overrides the per-kind lifetimes. A zero value keeps the
// default for that kind.
func WithTTLs(access, refresh, share time.Duration) Option {
	return func(i *Issuer) {
		if access > 0 {
			i.accessTTL = access
		}
		if refresh > 0 {
			i.refreshTTL = refresh
		}
		if share > 0 {
			i.shareTTL = share
		}
	}
}

// NewIssuer validates the key material, seals it into enclaves, and wipes
// the input slices.
func NewIssuer(ledger *Ledger, keys Keys, opts ...Option) (*Issuer, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if err := keys.validate(); err != nil {
		return nil, err
	}
	iss := &Issuer{
		ledger:     ledger,
		accessKey:  memguard.NewEnclave(keys.Access),
		refreshKey: memguard.NewEnclave(keys.Refresh),
		shareKey:   memguard.NewEnclave(keys.Share),
		name:       defaultIssuerName,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		shareTTL:   DefaultShareTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(iss)
	}
	if iss.accessTTL >= iss.refreshTTL {
		return nil, errors.New("access ttl must be shorter than refresh ttl")
	}
	return iss, nil
}

// AdminPair is the result of a login or a refresh rotation. Both tokens
// share SessionID; the refresh token additionally carries the rotation id
// recorded in the ledger.
type AdminPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// IssueAdminPair mints a fresh access+refresh pair for an authenticated
// principal. A non-empty fingerprint (a hash of device/browser traits
// supplied by the caller) is bound to the refresh token in the ledger; a
// later refresh presenting a different fingerprint is treated as theft.
func (i *Issuer) IssueAdminPair(ctx context.Context, p auth.Principal, fingerprint string) (*AdminPair, error) {
	if p.ID == "" {
		return nil, errors.New("principal id is required")
	}
	return i.mintPair(ctx, p.ID, p.Email, string(p.Role), ids.New(), fingerprint)
}

// Refresh rotates a refresh token: the returned pair keeps the session id
// but carries a new rotation id, and the presented token is revoked for its
// remaining validity. Fingerprint mismatch and stale-rotation replay both
// escalate to family-wide revocation and return ErrTokenTheft.
func (i *Issuer) Refresh(ctx context.Context, raw, fingerprint string) (*AdminPair, error) {
	claims, err := i.VerifyAdminRefresh(ctx, raw)
	if err != nil {
		return nil, err
	}

	bound, ok, err := i.ledger.BoundFingerprint(ctx, claims.Subject, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	if ok && !util.ConstantTimeEquals(bound, fingerprint) {
		i.escalateTheft(ctx, raw, claims, "fingerprint mismatch")
		return nil, ErrTokenTheft
	}

	current, ok, err := i.ledger.CurrentRotation(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	if ok && current != claims.RotationID {
		i.escalateTheft(ctx, raw, claims, "stale rotation id")
		return nil, ErrTokenTheft
	}

	pair, err := i.mintPair(ctx, claims.Subject, claims.Email, claims.Role, claims.SessionID, fingerprint)
	if err != nil {
		return nil, err
	}

	// The old token is revoked only once the replacement exists. If this
	// write fails the rotation record still rejects replay of the old
	// rotation id.
	if err := i.RevokeToken(ctx, raw, KindAdminRefresh); err != nil {
		i.logger.Warn("revoking rotated-out refresh token failed",
			"user_id", claims.Subject, "session_id", claims.SessionID, "error", err)
	}
	return pair, nil
}

func (i *Issuer) mintPair(ctx context.Context, subject, email, role, sessionID, fingerprint string) (*AdminPair, error) {
	now := i.now()
	rotationID := uuid.NewString()

	access := &AdminClaims{
		Email:     email,
		Role:      role,
		SessionID: sessionID,
		TokenType: KindAdminAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	refresh := &AdminClaims{
		Email:      email,
		Role:       role,
		SessionID:  sessionID,
		RotationID: rotationID,
		TokenType:  KindAdminRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
	}

	accessRaw, err := i.sign(KindAdminAccess, access)
	if err != nil {
		return nil, err
	}
	refreshRaw, err := i.sign(KindAdminRefresh, refresh)
	if err != nil {
		return nil, err
	}

	// The rotation record is the replay guard; without it the pair must not
	// be handed out.
	if err := i.ledger.SetRotation(ctx, sessionID, rotationID, i.refreshTTL); err != nil {
		return nil, err
	}
	if fingerprint != "" {
		if err := i.ledger.BindFingerprint(ctx, subject, refreshRaw, fingerprint, i.refreshTTL); err != nil {
			return nil, err
		}
	}

	return &AdminPair{
		AccessToken:      accessRaw,
		RefreshToken:     refreshRaw,
		SessionID:        sessionID,
		AccessExpiresAt:  access.ExpiresAt.Time,
		RefreshExpiresAt: refresh.ExpiresAt.Time,
	}, nil
}

func (i *Issuer) escalateTheft(ctx context.Context, raw string, claims *AdminClaims, reason string) {
	if err := i.RevokeToken(ctx, raw, KindAdminRefresh); err != nil {
		i.logger.Error("revoking presented refresh token", "error", err)
	}
	if err := i.ledger.RevokeAllForUser(ctx, claims.Subject, i.now(), i.refreshTTL); err != nil {
		i.logger.Error("revoking token family", "user_id", claims.Subject, "error", err)
	}
	i.logger.Warn("refresh token reuse detected",
		"reason", reason, "user_id", claims.Subject, "session_id", claims.SessionID)
}

// VerifyAdminAccess checks signature, kind, expiry, and revocation state
// for an admin access token.
func (i *Issuer) VerifyAdminAccess(ctx context.Context, raw string) (*AdminClaims, error) {
	return i.verifyAdmin(ctx, raw, KindAdminAccess)
}

// VerifyAdminRefresh checks signature, kind, expiry, and revocation state
// for an admin refresh token.
func (i *Issuer) VerifyAdminRefresh(ctx context.Context, raw string) (*AdminClaims, error) {
	return i.verifyAdmin(ctx, raw, KindAdminRefresh)
}

func (i *Issuer) verifyAdmin(ctx context.Context, raw string, kind Kind) (*AdminClaims, error) {
	claims := &AdminClaims{}
	if err := i.parse(raw, kind, claims); err != nil {
		return nil, err
	}
	if err := validateAdminClaims(claims, kind, i.name); err != nil {
		i.logger.Debug("admin token claims rejected", "kind", kind, "error", err)
		return nil, ErrInvalidToken
	}
	if err := i.checkRevocation(ctx, raw, claims.Subject, claims.IssuedAt.Time); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyShare checks signature, kind, expiry, token revocation, and
// share-session revocation for a share token.
func (i *Issuer) VerifyShare(ctx context.Context, raw string) (*ShareClaims, error) {
	claims := &ShareClaims{}
	if err := i.parse(raw, KindShare, claims); err != nil {
		return nil, err
	}
	if err := validateShareClaims(claims, i.name); err != nil {
		i.logger.Debug("share token claims rejected", "error", err)
		return nil, ErrInvalidToken
	}
	revoked, err := i.ledger.IsRevoked(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	sessionRevoked, err := i.ledger.IsShareSessionRevoked(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	if sessionRevoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// ShareParams describes the share token to mint. SessionID may be left
// empty to get a fresh one; TTL may be left zero for the configured share
// lifetime and is clamped to it.
type ShareParams struct {
	ShareID       string
	ProjectID     string
	Permissions   []string
	SessionID     string
	Guest         bool
	RecipientID   string
	AuthMode      string
	AdminOverride bool
	TTL           time.Duration
}

// SignShare mints a share token and registers its session under the
// project for later bulk revocation.
func (i *Issuer) SignShare(ctx context.Context, params ShareParams) (string, *ShareClaims, error) {
	if params.ShareID == "" || params.ProjectID == "" {
		return "", nil, errors.New("share id and project id are required")
	}
	ttl := params.TTL
	if ttl <= 0 || ttl > i.shareTTL {
		ttl = i.shareTTL
	}
	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = ids.New()
	}
	now := i.now()
	claims := &ShareClaims{
		ShareID:       params.ShareID,
		ProjectID:     params.ProjectID,
		Permissions:   params.Permissions,
		SessionID:     sessionID,
		Guest:         params.Guest,
		RecipientID:   params.RecipientID,
		AuthMode:      params.AuthMode,
		AdminOverride: params.AdminOverride,
		TokenType:     KindShare,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   params.ShareID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	raw, err := i.sign(KindShare, claims)
	if err != nil {
		return "", nil, err
	}
	if err := i.ledger.RegisterShareSession(ctx, params.ProjectID, sessionID, i.shareTTL); err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// RevokeToken writes a ledger entry blocking the token for its remaining
// validity. Tokens already past their expiry are skipped.
func (i *Issuer) RevokeToken(ctx context.Context, raw string, kind Kind) error {
	return i.ledger.Revoke(ctx, raw, i.RemainingTTL(raw, kind))
}

// RevokeAllForUser invalidates every outstanding token for the user. The
// marker lasts the full refresh lifetime, the longest any blocked token
// could otherwise live.
func (i *Issuer) RevokeAllForUser(ctx context.Context, userID string) error {
	return i.ledger.RevokeAllForUser(ctx, userID, i.now(), i.refreshTTL)
}

// RevokeShareSession invalidates every share token carrying the session id.
func (i *Issuer) RevokeShareSession(ctx context.Context, sessionID string) error {
	return i.ledger.RevokeShareSession(ctx, sessionID, i.shareTTL)
}

// RevokeProjectShareSessions invalidates all outstanding share sessions for
// a project, returning how many it found.
func (i *Issuer) RevokeProjectShareSessions(ctx context.Context, projectID string) (int, error) {
	return i.ledger.RevokeProjectShareSessions(ctx, projectID, i.shareTTL)
}

// RemainingTTL computes how long a revocation entry for this token must
// live. The expiry claim is only trusted after the signature verifies
// (expiry itself is ignored during that check, an already-expired token
// still has a valid signature); anything unverifiable gets the kind's
// configured maximum instead, so a forged exp can never size a ledger
// entry.
func (i *Issuer) RemainingTTL(raw string, kind Kind) time.Duration {
	max := i.kindTTL(kind)
	claims := &jwt.RegisteredClaims{}
	if err := i.parse(raw, kind, claims, jwt.WithoutClaimsValidation()); err != nil {
		return max
	}
	if claims.ExpiresAt == nil {
		return max
	}
	ttl := claims.ExpiresAt.Time.Sub(i.now())
	if ttl < 0 {
		return 0
	}
	if ttl > max {
		return max
	}
	return ttl
}

func (i *Issuer) kindTTL(kind Kind) time.Duration {
	switch kind {
	case KindAdminAccess:
		return i.accessTTL
	case KindAdminRefresh:
		return i.refreshTTL
	case KindShare:
		return i.shareTTL
	default:
		return i.accessTTL
	}
}

func (i *Issuer) checkRevocation(ctx context.Context, raw, userID string, issuedAt time.Time) error {
	revoked, err := i.ledger.IsRevoked(ctx, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	userRevoked, err := i.ledger.IsUserRevoked(ctx, userID, issuedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	}
	if userRevoked {
		return ErrTokenRevoked
	}
	return nil
}

func (i *Issuer) sign(kind Kind, claims jwt.Claims) (string, error) {
	key, err := i.signingKey(kind)
	if err != nil {
		return "", err
	}
	defer key.Destroy()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key.Bytes())
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, kind Kind, claims jwt.Claims, opts ...jwt.ParserOption) error {
	if strings.TrimSpace(raw) == "" {
		return ErrInvalidToken
	}
	key, err := i.signingKey(kind)
	if err != nil {
		return err
	}
	defer key.Destroy()

	opts = append(opts, jwt.WithTimeFunc(i.now))
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return key.Bytes(), nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (i *Issuer) signingKey(kind Kind) (*memguard.LockedBuffer, error) {
	var enclave *memguard.Enclave
	switch kind {
	case KindAdminAccess:
		enclave = i.accessKey
	case KindAdminRefresh:
		enclave = i.refreshKey
	case KindShare:
		enclave = i.shareKey
	default:
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s signing key enclave: %w", kind, err)
	}
	return buf, nil
}

func validateAdminClaims(claims *AdminClaims, kind Kind, issuerName string) error {
	if claims.TokenType != kind {
		return fmt.Errorf("unexpected token type %q", claims.TokenType)
	}
	if claims.Issuer != issuerName {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.SessionID == "" {
		return errors.New("session id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if kind == KindAdminRefresh && claims.RotationID == "" {
		return errors.New("rotation id missing")
	}
	return nil
}

func validateShareClaims(claims *ShareClaims, issuerName string) error {
	if claims.TokenType != KindShare {
		return fmt.Errorf("unexpected token type %q", claims.TokenType)
	}
	if claims.Issuer != issuerName {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.ShareID == "" || claims.ProjectID == "" {
		return errors.New("share or project id missing")
	}
	if claims.SessionID == "" {
		return errors.New("session id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	return nil
}
