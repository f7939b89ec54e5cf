package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gatehouselabs/gatehouse/event"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditTokenRefreshed     AuditEvent = "token_refreshed"
	AuditTokenTheft         AuditEvent = "token_theft"
	AuditLogout             AuditEvent = "logout"
	AuditPasswordChanged    AuditEvent = "password_changed"
	AuditGlobalRevocation   AuditEvent = "global_revocation"
	AuditCSRFRejected       AuditEvent = "csrf_rejected"
	AuditShareOTPRequested  AuditEvent = "share_otp_requested"
	AuditShareSessionOpened AuditEvent = "share_session_opened"
	AuditShareSessionDenied AuditEvent = "share_session_denied"
	AuditShareRateLimited   AuditEvent = "share_rate_limited"
	AuditProjectRevocation  AuditEvent = "project_sessions_revoked"
	AuditPasskeyRegistered  AuditEvent = "passkey_registered"
	AuditPasskeyLogin       AuditEvent = "passkey_login"
	AuditPasskeyDenied      AuditEvent = "passkey_denied"
	AuditPasskeyRenamed     AuditEvent = "passkey_renamed"
	AuditPasskeyDeleted     AuditEvent = "passkey_deleted"
)

// forwardedEvents maps audit entries onto the external event stream. An
// audit event absent here stays local to the log.
var forwardedEvents = map[AuditEvent]event.Type{
	AuditLoginSuccess:       event.TypeLoginSuccess,
	AuditLoginFailure:       event.TypeLoginFailure,
	AuditLoginRateLimited:   event.TypeLoginLocked,
	AuditTokenRefreshed:     event.TypeTokenRefreshed,
	AuditTokenTheft:         event.TypeTokenTheft,
	AuditLogout:             event.TypeLogout,
	AuditPasswordChanged:    event.TypePasswordChanged,
	AuditGlobalRevocation:   event.TypeGlobalRevocation,
	AuditShareOTPRequested:  event.TypeShareOTPIssued,
	AuditShareSessionOpened: event.TypeShareSession,
	AuditProjectRevocation:  event.TypeProjectRevoked,
	AuditPasskeyRegistered:  event.TypePasskeyAdded,
	AuditPasskeyLogin:       event.TypePasskeyLogin,
}

// auditLogger writes structured security audit entries and forwards the
// externally interesting ones to the event stream.
type auditLogger struct {
	logger  *slog.Logger
	events  event.Publisher
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger, events event.Publisher, metrics *metricsCollector) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		events:  events,
		metrics: metrics,
	}
}

// log writes one audit entry. Identity attributes passed in must already
// be log-safe: user ids and hashed keys, never raw credentials or tokens.
func (al *auditLogger) log(ev AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(ev)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordAuditEvent(ev)
	}
}

// logEvent records an event attributed to a user, and publishes it when
// the event type is forwarded.
func (al *auditLogger) logEvent(ev AuditEvent, r *http.Request, actorID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("actor_id", actorID)}, extra...)
	al.log(ev, r, attrs...)
	al.forward(r, ev, actorID, "")
}

// logFailure records a denied or failed action with its reason.
func (al *auditLogger) logFailure(ev AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(ev, r, attrs...)
	al.forward(r, ev, "", reason)
}

func (al *auditLogger) forward(r *http.Request, ev AuditEvent, actorID, reason string) {
	if al.events == nil {
		return
	}
	typ, ok := forwardedEvents[ev]
	if !ok {
		return
	}
	e := event.Event{
		Type:  typ,
		Actor: actorID,
		At:    time.Now().UTC(),
	}
	if reason != "" {
		e.Detail = map[string]string{"reason": reason}
	}
	if err := al.events.Publish(r.Context(), e); err != nil {
		al.logger.Warn("event publish failed", "type", string(typ), "error", err)
	}
}
