package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouselabs/gatehouse/event"
	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/kv"
	"github.com/gatehouselabs/gatehouse/store"
	"github.com/gatehouselabs/gatehouse/token"
)

const (
	otpKeyPrefix = "otp:"
	otpLength    = 6
	otpTTL       = 10 * time.Minute

	// OTP issuance gets its own window so a recipient who mistypes their
	// code a few times is not also barred from requesting a fresh one.
	otpRequestWindow = 15 * time.Minute
	otpRequestMax    = 5
)

func otpKey(shareID, email string) string {
	return otpKeyPrefix + util.HashKey(shareID+":"+util.NormalizeLogin(email))
}

// CreateShareSession handles POST /share/{shareID}/session. The proof the
// caller must present depends on the share's auth mode: a password, an
// emailed one-time code, or nothing for guest shares. An admin access
// token in X-Admin-Authorization bypasses the proof entirely and mints an
// override session that is audited as the admin, not the client.
func (a *API) CreateShareSession(w http.ResponseWriter, r *http.Request) {
	shareID := chi.URLParam(r, "shareID")
	req, ok := decodeOptionalJSON[ShareSessionRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	ctx := r.Context()

	if override := bearerOverride(r); override != "" {
		a.createOverrideSession(w, r, shareID, override)
		return
	}

	share, err := a.users.FindShareByID(ctx, shareID)
	if err != nil {
		mapError(w, err)
		return
	}
	if share.Disabled {
		writeError(w, http.StatusForbidden, "share is disabled")
		return
	}

	// Every attempt counts, successful or not. The window and threshold
	// are the operator's password-guess settings; share links guard the
	// same kind of secret.
	settings := a.settings.Get(ctx)
	limitKey := "share:" + shareID + "|" + a.clientIP(r)
	if d, err := a.limiter.Check(ctx, limitKey, settings.AttemptWindow, settings.MaxPasswordAttempts); err != nil || !d.Allowed {
		if err != nil {
			a.logger.Error("share rate limiter check failed", "error", err)
		}
		a.audit.logFailure(AuditShareRateLimited, r, "rate limited", slog.String("share_id", shareID))
		a.metrics.recordRateLimitRejection("share")
		retryAfter := d.RetryAfter
		if retryAfter <= 0 {
			retryAfter = settings.AttemptWindow
		}
		writeRateLimited(w, retryAfter)
		return
	}

	switch share.AuthMode {
	case store.ShareAuthPassword:
		if req.Password == "" {
			writeError(w, http.StatusBadRequest, "password is required")
			return
		}
		if err := a.verifier.VerifySecret(share.PasswordHash, req.Password); err != nil {
			a.denyShareSession(w, r, share, "password", "wrong password")
			return
		}
		a.issueShareSession(w, r, share, sessionGrant{mode: "password"})

	case store.ShareAuthOTP:
		email := util.NormalizeLogin(req.Email)
		if email == "" || req.Code == "" {
			writeError(w, http.StatusBadRequest, "email and code are required")
			return
		}
		if !shareRecipient(share, email) {
			a.denyShareSession(w, r, share, "otp", "unknown recipient")
			return
		}
		stored, err := a.kvStore.GetDel(ctx, otpKey(shareID, email))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				a.denyShareSession(w, r, share, "otp", "no active code")
				return
			}
			writeInternalError(w, "could not verify code", err)
			return
		}
		// The code is already burned at this point; a mismatch costs the
		// recipient a fresh request, never a replay window.
		if !util.ConstantTimeEquals(stored, util.HashKey(req.Code)) {
			a.denyShareSession(w, r, share, "otp", "wrong code")
			return
		}
		a.issueShareSession(w, r, share, sessionGrant{mode: "otp", recipient: email})

	case store.ShareAuthGuest:
		a.issueShareSession(w, r, share, sessionGrant{mode: "guest", guest: true, guestName: req.GuestName})

	default:
		writeInternalError(w, "share is misconfigured", errors.New("unknown auth mode "+share.AuthMode))
	}
}

// bearerOverride extracts the admin access token from the override header.
func bearerOverride(r *http.Request) string {
	return r.Header.Get(adminOverrideHeader)
}

// createOverrideSession mints a share session for an admin acting without
// the client's credentials. The disabled flag still applies; override is
// a credential bypass, not a lifecycle bypass.
func (a *API) createOverrideSession(w http.ResponseWriter, r *http.Request, shareID, override string) {
	ctx := r.Context()
	adminClaims, err := a.issuer.VerifyAdminAccess(ctx, override)
	if err != nil {
		mapError(w, err)
		return
	}
	share, err := a.users.FindShareByID(ctx, shareID)
	if err != nil {
		mapError(w, err)
		return
	}
	if share.Disabled {
		writeError(w, http.StatusForbidden, "share is disabled")
		return
	}
	a.issueShareSession(w, r, share, sessionGrant{
		mode:      "admin_override",
		recipient: adminClaims.Subject,
		override:  true,
	})
}

// sessionGrant captures who passed which proof for a share.
type sessionGrant struct {
	mode      string
	recipient string
	guest     bool
	guestName string
	override  bool
}

func (a *API) issueShareSession(w http.ResponseWriter, r *http.Request, share *store.Share, grant sessionGrant) {
	raw, claims, err := a.issuer.SignShare(r.Context(), token.ShareParams{
		ShareID:       share.ID,
		ProjectID:     share.ProjectID,
		Permissions:   share.Permissions,
		Guest:         grant.guest,
		RecipientID:   grant.recipient,
		AuthMode:      share.AuthMode,
		AdminOverride: grant.override,
	})
	if err != nil {
		writeInternalError(w, "could not open share session", err)
		return
	}

	attrs := []slog.Attr{
		slog.String("share_id", share.ID),
		slog.String("project_id", share.ProjectID),
		slog.String("mode", grant.mode),
		slog.String("session_id", claims.SessionID),
	}
	if grant.guestName != "" {
		attrs = append(attrs, slog.String("guest_name", grant.guestName))
	}
	actor := ""
	if grant.recipient != "" {
		actor = util.HashKey(grant.recipient)
	}
	if grant.override {
		// Override sessions are attributed to the admin directly.
		actor = grant.recipient
	}
	a.audit.logEvent(AuditShareSessionOpened, r, actor, attrs...)
	a.metrics.recordShareSession(grant.mode, "success")

	writeJSON(w, http.StatusCreated, ShareSessionResponse{
		ShareToken:    raw,
		SessionID:     claims.SessionID,
		ShareID:       claims.ShareID,
		ProjectID:     claims.ProjectID,
		Permissions:   claims.Permissions,
		Guest:         claims.Guest,
		AdminOverride: claims.AdminOverride,
		ExpiresAt:     claims.ExpiresAt.Time,
	})
}

func (a *API) denyShareSession(w http.ResponseWriter, r *http.Request, share *store.Share, mode, reason string) {
	a.audit.logFailure(AuditShareSessionDenied, r, reason,
		slog.String("share_id", share.ID),
		slog.String("mode", mode))
	a.metrics.recordShareSession(mode, "denied")
	writeError(w, http.StatusUnauthorized, "invalid share credentials")
}

func shareRecipient(share *store.Share, email string) bool {
	for _, recipient := range share.RecipientEmails {
		if util.NormalizeLogin(recipient) == email {
			return true
		}
	}
	return false
}

// RequestShareOTP handles POST /share/{shareID}/otp. The response is 202
// whether or not the email is a recipient of the share, so the endpoint
// cannot be used to probe recipient lists. The code itself travels on the
// event stream for the mailer to deliver; it never appears in the audit
// log or the response.
func (a *API) RequestShareOTP(w http.ResponseWriter, r *http.Request) {
	shareID := chi.URLParam(r, "shareID")
	req, ok := decodeJSON[ShareOTPRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	email := util.NormalizeLogin(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	ctx := r.Context()

	share, err := a.users.FindShareByID(ctx, shareID)
	if err != nil {
		mapError(w, err)
		return
	}
	if share.Disabled {
		writeError(w, http.StatusForbidden, "share is disabled")
		return
	}
	if share.AuthMode != store.ShareAuthOTP {
		writeError(w, http.StatusBadRequest, "share does not use email codes")
		return
	}

	limitKey := "shareotp:" + shareID + "|" + a.clientIP(r)
	if d, err := a.limiter.Check(ctx, limitKey, otpRequestWindow, otpRequestMax); err != nil || !d.Allowed {
		if err != nil {
			a.logger.Error("otp rate limiter check failed", "error", err)
		}
		a.audit.logFailure(AuditShareRateLimited, r, "otp requests rate limited", slog.String("share_id", shareID))
		a.metrics.recordRateLimitRejection("share_otp")
		retryAfter := d.RetryAfter
		if retryAfter <= 0 {
			retryAfter = otpRequestWindow
		}
		writeRateLimited(w, retryAfter)
		return
	}

	if shareRecipient(share, email) {
		code, err := util.RandomCode(otpLength)
		if err != nil {
			writeInternalError(w, "could not issue code", err)
			return
		}
		if err := a.kvStore.SetEx(ctx, otpKey(shareID, email), util.HashKey(code), otpTTL); err != nil {
			writeInternalError(w, "could not issue code", err)
			return
		}
		a.audit.logEvent(AuditShareOTPRequested, r, util.HashKey(email), slog.String("share_id", shareID))
		if a.events != nil {
			err := a.events.Publish(ctx, event.Event{
				Type:  event.TypeShareOTPIssued,
				Actor: util.HashKey(email),
				At:    time.Now().UTC(),
				Detail: map[string]string{
					"share_id":   shareID,
					"share_name": share.Name,
					"email":      req.Email,
					"code":       code,
					"expires_in": otpTTL.String(),
				},
			})
			if err != nil {
				a.logger.Error("otp event publish failed", "share_id", shareID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusAccepted, MessageResponse{Message: "if the address is a recipient, a code is on its way"})
}

// ShareSession handles GET /share/session, echoing the verified claims so
// the share UI can render its permission set without decoding the token.
func (a *API) ShareSession(w http.ResponseWriter, r *http.Request) {
	claims := shareClaimsFromContext(r.Context())
	resp := ShareSessionResponse{
		SessionID:     claims.SessionID,
		ShareID:       claims.ShareID,
		ProjectID:     claims.ProjectID,
		Permissions:   claims.Permissions,
		Guest:         claims.Guest,
		AdminOverride: claims.AdminOverride,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeProjectSessions handles DELETE /share/projects/{projectID}/sessions.
// Every live share session under the project is revoked at once; clients
// mid-browse lose access on their next request.
func (a *API) RevokeProjectSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if !p.Role.Admin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	projectID := chi.URLParam(r, "projectID")

	n, err := a.issuer.RevokeProjectShareSessions(r.Context(), projectID)
	if err != nil {
		writeInternalError(w, "could not revoke sessions", err)
		return
	}

	a.audit.logEvent(AuditProjectRevocation, r, p.ID,
		slog.String("project_id", projectID),
		slog.Int("revoked", n))
	writeJSON(w, http.StatusOK, RevokedSessionsResponse{Revoked: n})
}
