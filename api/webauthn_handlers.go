package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/event"
	"github.com/gatehouselabs/gatehouse/internal/util"
	"github.com/gatehouselabs/gatehouse/passkey"
	"github.com/gatehouselabs/gatehouse/store"
)

// passkeyLoginBeginResponse wraps the assertion options with the ceremony
// id a discoverable login must echo at finish. Identified logins carry no
// ceremony id; the email identifies the stored challenge.
type passkeyLoginBeginResponse struct {
	CeremonyID string `json:"ceremony_id,omitempty"`
	*protocol.CredentialAssertion
}

// BeginPasskeyRegistration handles POST /webauthn/register/begin.
func (a *API) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	options, err := a.passkeys.BeginRegistration(r.Context(), u)
	if err != nil {
		a.metrics.recordWebAuthn("register", "error")
		mapError(w, err)
		return
	}
	a.metrics.recordWebAuthn("register", "begun")
	writeJSON(w, http.StatusOK, options)
}

// FinishPasskeyRegistration handles POST /webauthn/register/finish. The
// body is the authenticator's attestation response; the display name rides
// the query string because the body shape is fixed by the WebAuthn spec.
func (a *API) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxWebAuthnBodySize)
	parsed, err := protocol.ParseCredentialCreationResponseBody(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webauthn response")
		return
	}

	cred, err := a.passkeys.FinishRegistration(r.Context(), u, r.URL.Query().Get("name"), parsed)
	if err != nil {
		a.audit.logFailure(AuditPasskeyDenied, r, "registration rejected", slog.String("actor_id", u.ID))
		a.metrics.recordWebAuthn("register", "denied")
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditPasskeyRegistered, r, u.ID, slog.String("credential", cred.ID))
	a.metrics.recordWebAuthn("register", "success")
	writeJSON(w, http.StatusCreated, passkeyView(cred))
}

// BeginPasskeyLogin handles POST /webauthn/login/begin. With an email it
// starts an identified ceremony; without one, or when the email matches no
// usable account, it starts a discoverable ceremony instead. The two
// responses are indistinguishable in shape, so the endpoint reveals
// nothing about which addresses have accounts or passkeys.
func (a *API) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[PasskeyLoginBeginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	ctx := r.Context()

	if req.Email != "" {
		u, err := a.users.FindUserByLogin(ctx, util.NormalizeLogin(req.Email))
		if err == nil && u.Status == store.UserActive {
			options, err := a.passkeys.BeginLogin(ctx, u)
			if err == nil {
				a.metrics.recordWebAuthn("login", "begun")
				writeJSON(w, http.StatusOK, passkeyLoginBeginResponse{CredentialAssertion: options})
				return
			}
			if !errors.Is(err, passkey.ErrNoCredentials) {
				a.metrics.recordWebAuthn("login", "error")
				mapError(w, err)
				return
			}
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeInternalError(w, "could not begin ceremony", err)
			return
		}
	}

	options, ceremonyID, err := a.passkeys.BeginDiscoverableLogin(ctx)
	if err != nil {
		a.metrics.recordWebAuthn("discoverable", "error")
		writeInternalError(w, "could not begin ceremony", err)
		return
	}
	a.metrics.recordWebAuthn("discoverable", "begun")
	writeJSON(w, http.StatusOK, passkeyLoginBeginResponse{
		CeremonyID:          ceremonyID,
		CredentialAssertion: options,
	})
}

// FinishPasskeyLogin handles POST /webauthn/login/finish. A ceremony query
// parameter finishes a discoverable login; an email parameter finishes an
// identified one. Success mints the same admin token pair as a password
// login.
func (a *API) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebAuthnBodySize)
	parsed, err := protocol.ParseCredentialRequestResponseBody(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webauthn response")
		return
	}

	var (
		u        *store.User
		cred     *store.PasskeyCredential
		ceremony = "login"
	)
	switch {
	case r.URL.Query().Get("ceremony") != "":
		ceremony = "discoverable"
		u, cred, err = a.passkeys.FinishDiscoverableLogin(ctx, r.URL.Query().Get("ceremony"), parsed)
	case r.URL.Query().Get("email") != "":
		u, err = a.users.FindUserByLogin(ctx, util.NormalizeLogin(r.URL.Query().Get("email")))
		if err != nil {
			// Same answer as a failed assertion; the email parameter
			// must not confirm account existence.
			a.denyPasskeyLogin(w, r, ceremony, passkey.ErrVerificationFailed)
			return
		}
		cred, err = a.passkeys.FinishLogin(ctx, u, parsed)
	default:
		writeError(w, http.StatusBadRequest, "ceremony or email is required")
		return
	}
	if err != nil {
		a.denyPasskeyLogin(w, r, ceremony, err)
		return
	}
	if u.Status != store.UserActive {
		a.denyPasskeyLogin(w, r, ceremony, passkey.ErrVerificationFailed)
		return
	}

	p := auth.PrincipalFromUser(u)
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
	a.audit.logEvent(AuditPasskeyLogin, r, p.ID,
		slog.String("credential", cred.ID),
		slog.String("session_id", pair.SessionID))
	a.metrics.recordWebAuthn(ceremony, "success")
	a.metrics.recordLogin("success")

	writeJSON(w, http.StatusOK, tokenPairResponse(pair, csrfToken, p))
}

// denyPasskeyLogin answers a failed assertion. Counter regression gets an
// extra event on the stream: it is the strongest cloned-authenticator
// signal this subsystem ever sees.
func (a *API) denyPasskeyLogin(w http.ResponseWriter, r *http.Request, ceremony string, err error) {
	reason := "assertion rejected"
	if errors.Is(err, passkey.ErrCounterRegression) {
		reason = "authenticator counter regressed"
		a.publishEvent(r, event.Event{
			Type:   event.TypePasskeyCloned,
			At:     time.Now().UTC(),
			Detail: map[string]string{"ceremony": ceremony},
		})
	}
	a.audit.logFailure(AuditPasskeyDenied, r, reason, slog.String("ceremony", ceremony))
	a.metrics.recordWebAuthn(ceremony, "denied")
	mapError(w, err)
}

// publishEvent sends one event on the stream, logging instead of failing.
func (a *API) publishEvent(r *http.Request, e event.Event) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(r.Context(), e); err != nil {
		a.logger.Warn("event publish failed", "type", string(e.Type), "error", err)
	}
}

// ListPasskeys handles GET /webauthn/credentials.
func (a *API) ListPasskeys(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	creds, err := a.passkeys.Credentials(r.Context(), u.ID)
	if err != nil {
		writeInternalError(w, "could not list credentials", err)
		return
	}
	views := make([]PasskeyView, 0, len(creds))
	for i := range creds {
		views = append(views, *passkeyView(&creds[i]))
	}
	writeJSON(w, http.StatusOK, ListPasskeysResponse{Credentials: views})
}

// RenamePasskey handles PATCH /webauthn/credentials/{credentialID}.
func (a *API) RenamePasskey(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RenamePasskeyRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	u := userFromContext(r.Context())
	credentialID := chi.URLParam(r, "credentialID")

	if err := a.passkeys.RenameCredential(r.Context(), u.ID, credentialID, req.Name); err != nil {
		a.denyPasskeyManage(w, r, u.ID, credentialID, "rename", err)
		return
	}
	a.audit.logEvent(AuditPasskeyRenamed, r, u.ID, slog.String("credential", credentialID))
	w.WriteHeader(http.StatusNoContent)
}

// DeletePasskey handles DELETE /webauthn/credentials/{credentialID}.
func (a *API) DeletePasskey(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	credentialID := chi.URLParam(r, "credentialID")

	if err := a.passkeys.DeleteCredential(r.Context(), u.ID, credentialID); err != nil {
		a.denyPasskeyManage(w, r, u.ID, credentialID, "delete", err)
		return
	}
	a.audit.logEvent(AuditPasskeyDeleted, r, u.ID, slog.String("credential", credentialID))
	w.WriteHeader(http.StatusNoContent)
}

// denyPasskeyManage answers a failed rename or delete. Touching another
// user's credential reads as 404 outside and as an intruder event inside.
func (a *API) denyPasskeyManage(w http.ResponseWriter, r *http.Request, actorID, credentialID, action string, err error) {
	if errors.Is(err, passkey.ErrNotOwner) {
		a.audit.logFailure(AuditPasskeyDenied, r, action+": not owner",
			slog.String("actor_id", actorID),
			slog.String("credential", credentialID))
		a.publishEvent(r, event.Event{
			Type:    event.TypePasskeyIntruder,
			Actor:   actorID,
			Subject: credentialID,
			At:      time.Now().UTC(),
			Detail:  map[string]string{"action": action},
		})
	}
	mapError(w, err)
}

func passkeyView(c *store.PasskeyCredential) *PasskeyView {
	v := &PasskeyView{
		ID:         c.ID,
		Name:       c.Name,
		DeviceType: c.DeviceType,
		BackedUp:   c.BackedUp,
		Transports: c.Transports,
		CreatedAt:  c.CreatedAt,
	}
	if !c.LastUsedAt.IsZero() {
		t := c.LastUsedAt
		v.LastUsedAt = &t
	}
	return v
}
