package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertTheftEscalation   AlertType = "theft_escalation"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	loginFailureWindow    = 1 * time.Minute
	loginFailureThreshold = 50
)

// metricsCollector owns the Prometheus registry for one API instance and
// a sliding-window anomaly detector for login failures. A per-instance
// registry keeps tests free of global registration collisions.
type metricsCollector struct {
	registry *prometheus.Registry

	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	shareSessions *prometheus.CounterVec
	webauthn      *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	csrfRejected  *prometheus.CounterVec
	auditEvents   *prometheus.CounterVec
	theft         prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	mu             sync.Mutex
	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int
	alertFn        AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	m := &metricsCollector{
		registry:       prometheus.NewRegistry(),
		alertFn:        alertFn,
		loginWindow:    loginFailureWindow,
		loginThreshold: loginFailureThreshold,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_token_refreshes_total",
			Help: "Refresh rotations by outcome.",
		}, []string{"outcome"}),
		shareSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_share_sessions_total",
			Help: "Share session requests by auth mode and outcome.",
		}, []string{"mode", "outcome"}),
		webauthn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_webauthn_ceremonies_total",
			Help: "WebAuthn ceremonies by kind and outcome.",
		}, []string{"ceremony", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_ratelimit_rejections_total",
			Help: "Requests rejected by rate limiting, by scope.",
		}, []string{"scope"}),
		csrfRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_csrf_rejections_total",
			Help: "Requests rejected by CSRF checks, by reason.",
		}, []string{"reason"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_audit_events_total",
			Help: "Audit log entries by event type.",
		}, []string{"event"}),
		theft: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_token_theft_total",
			Help: "Refresh token theft escalations.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatehouse_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.logins, m.refreshes, m.shareSessions, m.webauthn,
		m.rateLimited, m.csrfRejected, m.auditEvents, m.theft,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// handler serves the registry in Prometheus exposition format.
func (m *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsCollector) recordLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *metricsCollector) recordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *metricsCollector) recordShareSession(mode, outcome string) {
	if m == nil {
		return
	}
	m.shareSessions.WithLabelValues(mode, outcome).Inc()
}

func (m *metricsCollector) recordWebAuthn(ceremony, outcome string) {
	if m == nil {
		return
	}
	m.webauthn.WithLabelValues(ceremony, outcome).Inc()
}

func (m *metricsCollector) recordRateLimitRejection(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *metricsCollector) recordCSRFRejection(reason string) {
	if m == nil {
		return
	}
	m.csrfRejected.WithLabelValues(reason).Inc()
}

// recordAuditEvent counts every audit entry and drives anomaly detection
// off the security-critical ones.
func (m *metricsCollector) recordAuditEvent(ev AuditEvent) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(string(ev)).Inc()
	switch ev {
	case AuditLoginFailure:
		m.recordLoginFailure()
	case AuditTokenTheft:
		m.theft.Inc()
		if m.alertFn != nil {
			m.alertFn(AlertEvent{
				Type:      AlertTheftEscalation,
				Message:   "refresh token theft detected",
				Count:     1,
				Threshold: 1,
				Timestamp: time.Now(),
			})
		}
	}
}

func (m *metricsCollector) recordLoginFailure() {
	if m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.loginFailures = append(m.loginFailures, now)
	m.loginFailures = trimWindow(m.loginFailures, now, m.loginWindow)

	if len(m.loginFailures) >= m.loginThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertLoginFailureSpike,
			Message:   "login failure rate exceeds threshold",
			Count:     len(m.loginFailures),
			Threshold: m.loginThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.loginFailures = m.loginFailures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// instrument records request counts and latency per chi route pattern.
func (m *metricsCollector) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
