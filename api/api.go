// Package api exposes the authentication core over REST: password and
// passkey login, token refresh and revocation, share sessions, and the
// CSRF surface. Handlers stay thin; policy lives in the auth, token,
// ratelimit, csrf, and passkey packages.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/csrf"
	"github.com/gatehouselabs/gatehouse/event"
	"github.com/gatehouselabs/gatehouse/kv"
	"github.com/gatehouselabs/gatehouse/passkey"
	"github.com/gatehouselabs/gatehouse/ratelimit"
	"github.com/gatehouselabs/gatehouse/store"
	"github.com/gatehouselabs/gatehouse/token"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	users    store.Store
	kvStore  kv.Store
	issuer   *token.Issuer
	passkeys *passkey.Manager

	verifier *auth.Verifier
	settings *auth.SettingsCache
	limiter  *ratelimit.Limiter
	logins   *ratelimit.LoginLimiter
	tokens   *csrf.Service

	events  event.Publisher
	audit   *auditLogger
	metrics *metricsCollector

	throttle       *ipThrottle
	trustedProxies []netip.Prefix

	logger *slog.Logger
	now    func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithEvents sets the publisher that receives security events. If not
// set, events are only written to the audit log.
func WithEvents(pub event.Publisher) Option {
	return func(a *API) {
		a.events = pub
	}
}

// WithSettings replaces the default settings cache, wiring the login
// limiter to operator-editable thresholds.
func WithSettings(settings *auth.SettingsCache) Option {
	return func(a *API) {
		a.settings = settings
	}
}

// WithTrustedProxies sets the CIDR ranges whose proxy headers
// (X-Forwarded-For and friends) are honored when resolving client IPs.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAlertFunc sets the callback invoked on security anomalies such as
// login failure spikes and refresh token theft.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.metrics = newMetricsCollector(fn)
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance. The password verifier, rate limiters,
// and CSRF service are constructed here from the two stores; everything
// else arrives prebuilt.
func New(users store.Store, kvStore kv.Store, issuer *token.Issuer, passkeys *passkey.Manager, opts ...Option) (*API, error) {
	a := &API{
		users:    users,
		kvStore:  kvStore,
		issuer:   issuer,
		passkeys: passkeys,
		tokens:   csrf.NewService(kvStore),
		limiter:  ratelimit.NewLimiter(kvStore),
		throttle: newIPThrottle(throttleRate, throttleBurst),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	verifier, err := auth.NewVerifier(users)
	if err != nil {
		return nil, err
	}
	a.verifier = verifier

	if a.settings == nil {
		a.settings = auth.NewSettingsCache(nil, 30*time.Second)
	}
	a.logins = ratelimit.NewLoginLimiter(kvStore, a.settings)

	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.metrics == nil {
		a.metrics = newMetricsCollector(nil)
	}
	a.audit = newAuditLogger(a.logger, a.events, a.metrics)

	return a, nil
}

// MetricsHandler serves this instance's Prometheus registry. Mount it
// outside the versioned API, typically on /metrics.
func (a *API) MetricsHandler() http.Handler {
	return a.metrics.handler()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.metrics.instrument)
	r.Use(a.CheckOrigin)
	r.Use(a.Throttle)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/login", a.Login)
	r.Post("/auth/refresh", a.Refresh)
	r.Post("/auth/logout", a.Logout)
	r.With(a.RequireAdmin, a.VerifyCSRF).Post("/auth/password", a.ChangePassword)
	r.With(a.RequireAdmin).Get("/auth/me", a.Me)
	r.With(a.RequireAdmin).Get("/auth/csrf", a.CSRFToken)

	r.Post("/share/{shareID}/otp", a.RequestShareOTP)
	r.Post("/share/{shareID}/session", a.CreateShareSession)
	r.With(a.RequireShare).Get("/share/session", a.ShareSession)
	r.With(a.RequireAdmin, a.VerifyCSRF).Delete("/share/projects/{projectID}/sessions", a.RevokeProjectSessions)

	r.Route("/webauthn", func(r chi.Router) {
		r.With(a.RequireAdmin, a.VerifyCSRF).Post("/register/begin", a.BeginPasskeyRegistration)
		r.With(a.RequireAdmin, a.VerifyCSRF).Post("/register/finish", a.FinishPasskeyRegistration)
		r.Post("/login/begin", a.BeginPasskeyLogin)
		r.Post("/login/finish", a.FinishPasskeyLogin)
		r.With(a.RequireAdmin).Get("/credentials", a.ListPasskeys)
		r.With(a.RequireAdmin, a.VerifyCSRF).Patch("/credentials/{credentialID}", a.RenamePasskey)
		r.With(a.RequireAdmin, a.VerifyCSRF).Delete("/credentials/{credentialID}", a.DeletePasskey)
	})

	return r
}
