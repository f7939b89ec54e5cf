package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Baseline request throttle, applied to every API route before any
// handler work. This is surge protection for a single origin; the
// credential-guessing limits live in the ratelimit package and persist
// across restarts.
const (
	throttleRate  = rate.Limit(25)
	throttleBurst = 50

	// throttleIdle is how long an idle bucket survives before the sweep
	// collects it.
	throttleIdle = 5 * time.Minute
)

// ipThrottle hands out a token bucket per client IP.
type ipThrottle struct {
	mu      sync.Mutex
	buckets map[string]*throttleBucket
	limit   rate.Limit
	burst   int
}

type throttleBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPThrottle(limit rate.Limit, burst int) *ipThrottle {
	return &ipThrottle{
		buckets: make(map[string]*throttleBucket),
		limit:   limit,
		burst:   burst,
	}
}

func (t *ipThrottle) allow(ip string) bool {
	if ip == "" {
		ip = "unknown"
	}
	t.mu.Lock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &throttleBucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	t.mu.Unlock()
	return b.lim.Allow()
}

// sweep drops buckets idle longer than throttleIdle. Call it periodically
// from a background goroutine.
func (t *ipThrottle) sweep() {
	cutoff := time.Now().Add(-throttleIdle)
	t.mu.Lock()
	for ip, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, ip)
		}
	}
	t.mu.Unlock()
}

// SweepThrottle collects idle throttle buckets every interval until ctx
// ends. Start it once alongside the HTTP server.
func (a *API) SweepThrottle(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.throttle.sweep()
		}
	}
}

// Throttle is the router-level middleware over the per-IP buckets.
func (a *API) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.throttle.allow(a.clientIP(r)) {
			a.metrics.recordRateLimitRejection("throttle")
			writeRateLimited(w, time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited sends a 429 with a Retry-After hint.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the client address for rate limiting and fingerprints,
// honoring proxy headers only for configured trusted proxies.
func (a *API) clientIP(r *http.Request) string {
	return clientIPWithProxies(r, a.trustedProxies)
}

// clientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are honored only
// when trustedProxies is non-empty AND the request's RemoteAddr falls
// inside one of the trusted CIDR ranges; otherwise any client could spoof
// its source address, and with it both the rate-limit key and the token
// fingerprint. With no trusted proxies configured, RemoteAddr is always
// the answer.
func clientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop any zone, e.g. fe80::1%eth0.
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
