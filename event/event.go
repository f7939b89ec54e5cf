// Package event publishes security-relevant happenings to whoever is
// listening: sibling services that deliver OTP mail, dashboards, SIEM
// collectors. Publishing is fire-and-forget; authentication decisions
// never wait on or fail because of the stream.
package event

import (
	"context"
	"log/slog"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeLoginSuccess     Type = "login_success"
	TypeLoginFailure     Type = "login_failure"
	TypeLoginLocked      Type = "login_locked"
	TypeTokenRefreshed   Type = "token_refreshed"
	TypeTokenTheft       Type = "token_theft"
	TypeLogout           Type = "logout"
	TypePasswordChanged  Type = "password_changed"
	TypeGlobalRevocation Type = "global_revocation"
	TypeShareOTPIssued   Type = "share_otp_issued"
	TypeShareSession     Type = "share_session_opened"
	TypeShareRevoked     Type = "share_session_revoked"
	TypeProjectRevoked   Type = "project_sessions_revoked"
	TypePasskeyAdded     Type = "passkey_registered"
	TypePasskeyLogin     Type = "passkey_login"
	TypePasskeyCloned    Type = "passkey_clone_suspected"
	TypePasskeyIntruder  Type = "passkey_cross_user_access"
)

// Event is a single security event. Detail carries event-specific fields;
// keep values short and free of secrets, they end up in logs and on the
// wire.
type Event struct {
	Type    Type              `json:"type"`
	Actor   string            `json:"actor,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
	At      time.Time         `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use and should swallow nothing: a failed publish returns the error, the
// caller decides whether it matters (it usually logs and moves on).
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close()
}

// LogPublisher writes events to a structured logger. It is the default
// sink when no broker is configured and a useful tee in front of one.
type LogPublisher struct {
	logger *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher returns a publisher backed by logger, or slog.Default()
// when logger is nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	attrs := make([]any, 0, 8)
	attrs = append(attrs, "type", string(e.Type))
	if e.Actor != "" {
		attrs = append(attrs, "actor", e.Actor)
	}
	if e.Subject != "" {
		attrs = append(attrs, "subject", e.Subject)
	}
	for k, v := range e.Detail {
		attrs = append(attrs, k, v)
	}
	p.logger.InfoContext(ctx, "security event", attrs...)
	return nil
}

func (p *LogPublisher) Close() {}

// Fanout delivers every event to all wrapped publishers. Publish keeps
// going past individual failures and returns the first error, so one slow
// or broken sink never starves the others.
type Fanout []Publisher

var _ Publisher = (Fanout)(nil)

// NewFanout wraps publishers into one. A single publisher is returned
// as-is.
func NewFanout(pubs ...Publisher) Publisher {
	if len(pubs) == 1 {
		return pubs[0]
	}
	return Fanout(pubs)
}

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Close() {
	for _, p := range f {
		p.Close()
	}
}
