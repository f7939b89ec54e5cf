package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/ratelimit"
	"github.com/gatehouselabs/gatehouse/token"
)

const (
	// minPasswordLen is the minimum length for a new password. bcrypt
	// caps input at 72 bytes, so that bound is enforced too.
	minPasswordLen = 10
	maxPasswordLen = 72

	// Coarse fixed windows applied before the per-identifier failure
	// limiter. The global window is a circuit breaker against
	// distributed guessing; the per-origin window stops a single origin
	// from spraying identifiers.
	globalLoginWindow = time.Minute
	globalLoginMax    = 1000
	loginIPWindow     = 15 * time.Minute
	loginIPMax        = 30
)

// Login handles POST /auth/login.
//
// Limits are checked broadest first: the global window, then the
// per-origin window, then the identifier's persisted failure history.
// Only after all three pass is the password verified.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	ctx := r.Context()
	identifier := util.NormalizeLogin(req.Identifier)
	idHash := util.HashKey(identifier)

	if d, err := a.limiter.Check(ctx, "global:login", globalLoginWindow, globalLoginMax); err != nil || !d.Allowed {
		a.rejectLoginRateLimited(w, r, "global", idHash, d, err)
		return
	}
	ipKey := ratelimit.IPKey(a.clientIP(r), r.UserAgent())
	if d, err := a.limiter.Check(ctx, ipKey, loginIPWindow, loginIPMax); err != nil || !d.Allowed {
		a.rejectLoginRateLimited(w, r, "ip", idHash, d, err)
		return
	}
	if d, err := a.logins.Reserve(ctx, identifier); err != nil || !d.Allowed {
		a.rejectLoginRateLimited(w, r, "identifier", idHash, d, err)
		return
	}

	p, err := a.verifier.Verify(ctx, req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			if d, recErr := a.logins.RecordFailure(ctx, identifier); recErr == nil && !d.Allowed {
				a.audit.logFailure(AuditLoginRateLimited, r, "failure threshold reached",
					slog.String("identifier_hash", idHash))
			}
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials",
				slog.String("identifier_hash", idHash))
			a.metrics.recordLogin("failure")
			mapError(w, err)
			return
		}
		a.metrics.recordLogin("error")
		mapError(w, err)
		return
	}

	if err := a.logins.Clear(ctx, identifier); err != nil {
		a.logger.Warn("clear login failures", "error", err)
	}

	pair, err := a.issuer.IssueAdminPair(ctx, *p, a.fingerprint(r))
	if err != nil {
		writeInternalError(w, "could not establish session", err)
		return
	}
	csrfToken, err := a.tokens.Issue(ctx, pair.SessionID)
	if err != nil {
		writeInternalError(w, "could not establish session", err)
		return
	}

	writeRefreshCookie(w, r, pair.RefreshToken, pair.RefreshExpiresAt)
	a.audit.logEvent(AuditLoginSuccess, r, p.ID, slog.String("session_id", pair.SessionID))
	a.metrics.recordLogin("success")

	writeJSON(w, http.StatusOK, tokenPairResponse(pair, csrfToken, p))
}

// rejectLoginRateLimited answers a throttled login attempt. A limiter
// store error lands here too: limits fail closed, so an unreachable
// store rejects rather than waves through.
func (a *API) rejectLoginRateLimited(w http.ResponseWriter, r *http.Request, scope, idHash string, d ratelimit.Decision, err error) {
	reason := "rate limited: " + scope
	if err != nil {
		reason = "limiter unavailable"
		a.logger.Error("rate limiter check failed", "scope", scope, "error", err)
	}
	a.audit.logFailure(AuditLoginRateLimited, r, reason, slog.String("identifier_hash", idHash))
	a.metrics.recordRateLimitRejection(scope)
	a.metrics.recordLogin("rate_limited")
	retryAfter := d.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	writeRateLimited(w, retryAfter)
}

// Refresh handles POST /auth/refresh. The refresh token comes from the
// body or the gh_refresh cookie; on success the whole pair rotates and
// the cookie is replaced.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[RefreshRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	raw := refreshTokenFromRequest(r, req.RefreshToken)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	pair, err := a.issuer.Refresh(r.Context(), raw, a.fingerprint(r))
	if err != nil {
		if errors.Is(err, token.ErrTokenTheft) {
			a.audit.logFailure(AuditTokenTheft, r, "refresh token reuse")
			a.metrics.recordRefresh("theft")
		} else {
			a.metrics.recordRefresh("denied")
		}
		clearRefreshCookie(w, r)
		mapError(w, err)
		return
	}

	writeRefreshCookie(w, r, pair.RefreshToken, pair.RefreshExpiresAt)
	a.audit.logEvent(AuditTokenRefreshed, r, pair.SessionID)
	a.metrics.recordRefresh("success")

	writeJSON(w, http.StatusOK, tokenPairResponse(pair, "", nil))
}

// Logout handles POST /auth/logout. Both tokens of the pair are revoked
// and the session's CSRF keys dropped. Logout never fails: a client that
// wants out is let out, and revocation problems surface in the log.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[LogoutRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	ctx := r.Context()
	actorID := ""

	if access := bearerToken(r); access != "" {
		if err := a.issuer.RevokeToken(ctx, access, token.KindAdminAccess); err != nil {
			a.logger.Warn("revoke access token", "error", err)
		}
	}
	if raw := refreshTokenFromRequest(r, req.RefreshToken); raw != "" {
		if claims, err := a.issuer.VerifyAdminRefresh(ctx, raw); err == nil {
			actorID = claims.Subject
			if err := a.tokens.RevokeAll(ctx, claims.SessionID); err != nil {
				a.logger.Warn("revoke csrf keys", "error", err)
			}
		}
		if err := a.issuer.RevokeToken(ctx, raw, token.KindAdminRefresh); err != nil {
			a.logger.Warn("revoke refresh token", "error", err)
		}
	}

	clearRefreshCookie(w, r)
	a.audit.logEvent(AuditLogout, r, actorID)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword handles POST /auth/password. The current password is
// re-verified even though the request already carries a valid access
// token, so a stolen token alone cannot rotate the credential. Success
// revokes every outstanding session for the user and hands back a fresh
// pair so the current client stays signed in.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ChangePasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if len(req.NewPassword) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "new password must be at least 10 characters")
		return
	}
	if len(req.NewPassword) > maxPasswordLen {
		writeError(w, http.StatusBadRequest, "new password is too long")
		return
	}

	ctx := r.Context()
	p := principalFromContext(ctx)
	u := userFromContext(ctx)
	claims := adminClaimsFromContext(ctx)

	if _, err := a.verifier.Verify(ctx, u.Email, req.CurrentPassword); err != nil {
		a.audit.logFailure(AuditLoginFailure, r, "password change: current password rejected",
			slog.String("actor_id", p.ID))
		mapError(w, err)
		return
	}

	hash, err := a.verifier.HashPassword(req.NewPassword)
	if err != nil {
		writeInternalError(w, "could not update password", err)
		return
	}
	if err := a.users.UpdateUserPassword(ctx, u.ID, hash); err != nil {
		writeInternalError(w, "could not update password", err)
		return
	}

	// Invalidate every session minted before this moment. The pair
	// issued below postdates the marker and survives it. The presented
	// tokens are additionally revoked by signature: the marker compares
	// at second granularity and must not leave this session's old pair
	// alive.
	if err := a.issuer.RevokeAllForUser(ctx, u.ID); err != nil {
		writeInternalError(w, "could not revoke sessions", err)
		return
	}
	if access := bearerToken(r); access != "" {
		if err := a.issuer.RevokeToken(ctx, access, token.KindAdminAccess); err != nil {
			a.logger.Warn("revoke access token", "error", err)
		}
	}
	if refresh := refreshTokenFromRequest(r, ""); refresh != "" {
		if err := a.issuer.RevokeToken(ctx, refresh, token.KindAdminRefresh); err != nil {
			a.logger.Warn("revoke refresh token", "error", err)
		}
	}
	if err := a.tokens.RevokeAll(ctx, claims.SessionID); err != nil {
		a.logger.Warn("revoke csrf keys", "error", err)
	}

	pair, err := a.issuer.IssueAdminPair(ctx, *p, a.fingerprint(r))
	if err != nil {
		writeInternalError(w, "could not establish session", err)
		return
	}
	csrfToken, err := a.tokens.Issue(ctx, pair.SessionID)
	if err != nil {
		writeInternalError(w, "could not establish session", err)
		return
	}

	writeRefreshCookie(w, r, pair.RefreshToken, pair.RefreshExpiresAt)
	a.audit.logEvent(AuditPasswordChanged, r, p.ID)
	a.audit.logEvent(AuditGlobalRevocation, r, p.ID, slog.String("cause", "password_change"))

	writeJSON(w, http.StatusOK, tokenPairResponse(pair, csrfToken, p))
}

// Me handles GET /auth/me. The principal was re-loaded from persistence
// by the middleware, so the answer reflects permission edits immediately.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	writeJSON(w, http.StatusOK, principalView(p))
}

// CSRFToken handles GET /auth/csrf, minting a token bound to the calling
// session. Clients that lost their token after a page reload land here.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	claims := adminClaimsFromContext(r.Context())
	tok, err := a.tokens.Issue(r.Context(), claims.SessionID)
	if err != nil {
		writeInternalError(w, "could not issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, CSRFTokenResponse{CSRFToken: tok})
}

func tokenPairResponse(pair *token.AdminPair, csrfToken string, p *auth.Principal) TokenPairResponse {
	resp := TokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		SessionID:        pair.SessionID,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		CSRFToken:        csrfToken,
	}
	if p != nil {
		resp.User = principalView(p)
	}
	return resp
}

func principalView(p *auth.Principal) *PrincipalView {
	return &PrincipalView{
		ID:    p.ID,
		Email: p.Email,
		Name:  p.Name,
		Role:  string(p.Role),
		Permissions: PermissionsView{
			Menus:           p.Permissions.Menus,
			Actions:         p.Permissions.Actions,
			VisibleStatuses: p.Permissions.VisibleStatuses,
		},
	}
}
