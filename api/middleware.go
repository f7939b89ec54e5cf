package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/store"
	"github.com/gatehouselabs/gatehouse/token"
)

type contextKey int

const (
	principalKey contextKey = iota
	userKey
	adminClaimsKey
	shareClaimsKey
	sessionRunnerKey
)

const (
	refreshCookieName = "gh_refresh"

	// adminOverrideHeader carries an admin access token on share-gated
	// requests, letting an admin act on a share without client
	// credentials.
	adminOverrideHeader = "X-Admin-Authorization"
)

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// fingerprint derives the device fingerprint bound to refresh tokens. It
// is a keyed-nothing hash of client IP and user agent: stable for the
// same browser on the same network, useless to an attacker who only has
// the token.
func (a *API) fingerprint(r *http.Request) string {
	return util.HashKey(a.clientIP(r) + "|" + r.UserAgent())
}

// RequireAdmin authenticates an admin-app request. The access token's
// signature, kind, and revocation state are checked by the issuer; the
// principal is then re-loaded from persistence so role or permission
// edits, and account disabling, take effect on the very next request.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		claims, err := a.issuer.VerifyAdminAccess(r.Context(), raw)
		if err != nil {
			mapError(w, err)
			return
		}

		u, err := a.users.FindUserByID(r.Context(), claims.Subject)
		if err != nil {
			// A valid token for a vanished user is treated like any
			// other bad credential.
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if u.Status != store.UserActive {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		p := auth.PrincipalFromUser(u)
		ctx := r.Context()
		ctx = context.WithValue(ctx, principalKey, p)
		ctx = context.WithValue(ctx, userKey, u)
		ctx = context.WithValue(ctx, adminClaimsKey, claims)
		ctx = context.WithValue(ctx, sessionRunnerKey, a.sessionRunner(p))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireShare authenticates a share-gated request: a share token in the
// Authorization header, or an admin access token in X-Admin-Authorization
// for admins working on a client's behalf. The admin path yields share
// claims with AdminOverride set and no session of its own.
func (a *API) RequireShare(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := bearerToken(r); raw != "" {
			claims, err := a.issuer.VerifyShare(r.Context(), raw)
			if err != nil {
				mapError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), shareClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if override := strings.TrimSpace(r.Header.Get(adminOverrideHeader)); override != "" {
			adminClaims, err := a.issuer.VerifyAdminAccess(r.Context(), override)
			if err != nil {
				mapError(w, err)
				return
			}
			claims := &token.ShareClaims{
				RecipientID:   adminClaims.Subject,
				AdminOverride: true,
			}
			ctx := context.WithValue(r.Context(), shareClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

// SessionRunner executes fn with the verified principal stamped into the
// database session, so row-level-security policies apply. Handlers reach
// it through RunWithSession.
type SessionRunner func(ctx context.Context, fn func(ctx context.Context) error) error

func (a *API) sessionRunner(p *auth.Principal) SessionRunner {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return a.users.WithSessionContext(ctx, p.ID, string(p.Role), fn)
	}
}

// RunWithSession returns the request's session-context runner. Outside an
// admin-authenticated request it returns a pass-through runner.
func RunWithSession(ctx context.Context) SessionRunner {
	if runner, ok := ctx.Value(sessionRunnerKey).(SessionRunner); ok {
		return runner
	}
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	}
}

func principalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

func userFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey).(*store.User)
	return u
}

func adminClaimsFromContext(ctx context.Context) *token.AdminClaims {
	c, _ := ctx.Value(adminClaimsKey).(*token.AdminClaims)
	return c
}

func shareClaimsFromContext(ctx context.Context) *token.ShareClaims {
	c, _ := ctx.Value(shareClaimsKey).(*token.ShareClaims)
	return c
}

// refreshTokenFromRequest prefers an explicit body token over the cookie.
func refreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}

// writeRefreshCookie mirrors the refresh token into an HttpOnly cookie
// scoped to the auth endpoints. SPAs that keep tokens out of script reach
// rely on it; API clients may ignore it and use the body token.
func writeRefreshCookie(w http.ResponseWriter, r *http.Request, tok string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    tok,
		Path:     "/api/v1/auth",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  expiresAt,
	})
}

func clearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/api/v1/auth",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
