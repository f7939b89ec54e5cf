package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// ipThrottle tests
// ---------------------------------------------------------------------------

func TestIPThrottleAllowsBurst(t *testing.T) {
	th := newIPThrottle(rate.Limit(1), 3)
	for i := 0; i < 3; i++ {
		assert.True(t, th.allow("203.0.113.5"), "request %d within burst", i+1)
	}
	assert.False(t, th.allow("203.0.113.5"), "burst exhausted")
}

func TestIPThrottleIsolatesIPs(t *testing.T) {
	th := newIPThrottle(rate.Limit(1), 1)
	require.True(t, th.allow("203.0.113.5"))
	assert.False(t, th.allow("203.0.113.5"))
	assert.True(t, th.allow("203.0.113.6"), "a different address has its own bucket")
}

func TestIPThrottleEmptyIPSharesBucket(t *testing.T) {
	th := newIPThrottle(rate.Limit(1), 1)
	require.True(t, th.allow(""))
	assert.False(t, th.allow(""), "unparseable addresses share one bucket")
}

func TestIPThrottleSweep(t *testing.T) {
	th := newIPThrottle(rate.Limit(1), 1)
	th.allow("203.0.113.5")
	th.allow("203.0.113.6")

	th.mu.Lock()
	th.buckets["203.0.113.5"].lastSeen = time.Now().Add(-throttleIdle - time.Minute)
	th.mu.Unlock()

	th.sweep()

	th.mu.Lock()
	defer th.mu.Unlock()
	assert.NotContains(t, th.buckets, "203.0.113.5", "idle bucket collected")
	assert.Contains(t, th.buckets, "203.0.113.6", "active bucket survives")
}

func TestSweepThrottleLoop(t *testing.T) {
	a := &API{throttle: newIPThrottle(rate.Limit(1), 1)}
	a.throttle.allow("203.0.113.5")

	a.throttle.mu.Lock()
	a.throttle.buckets["203.0.113.5"].lastSeen = time.Now().Add(-throttleIdle - time.Minute)
	a.throttle.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.SweepThrottle(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		a.throttle.mu.Lock()
		defer a.throttle.mu.Unlock()
		_, ok := a.throttle.buckets["203.0.113.5"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "sweep loop collects idle bucket")
}

func TestThrottleMiddleware(t *testing.T) {
	a := &API{throttle: newIPThrottle(rate.Limit(1), 1)}
	h := a.Throttle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1000"

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestRetryAfterString(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "1"},
		{500 * time.Millisecond, "1"},
		{time.Second, "1"},
		{90 * time.Second, "90"},
		{2 * time.Minute, "120"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterString(tt.d), "retryAfterString(%v)", tt.d)
	}
}

// ---------------------------------------------------------------------------
// client IP resolution tests
// ---------------------------------------------------------------------------

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "remote ipv6 with zone",
			remoteAddr: "[fe80::1%eth0]:8080",
			want:       "fe80::1",
		},
		{
			name:       "xff is never trusted without an allowlist",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "192.168.1.1",
		},
		{
			name:       "forwarded is never trusted without an allowlist",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"Forwarded": "for=198.51.100.25"},
			want:       "192.168.1.1",
		},
		{
			name:       "x-real-ip is never trusted without an allowlist",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Real-IP": "198.51.100.25"},
			want:       "192.168.1.1",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIPWithProxies(r, nil))
		})
	}
}

func TestClientIPWithTrustedProxies(t *testing.T) {
	trustedCIDR := netip.MustParsePrefix("10.0.0.0/8")

	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustedProxies []netip.Prefix
		want           string
	}{
		{
			name:           "trusted proxy honors xff",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25, 203.0.113.9"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.25",
		},
		{
			name:           "xff skips unparseable entries",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "unknown, not-an-ip, 203.0.113.7"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.7",
		},
		{
			name:           "forwarded fallback",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"Forwarded": "for=198.51.100.1;proto=https;by=203.0.113.43"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "198.51.100.1",
		},
		{
			name:           "forwarded quoted ipv6 with port",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"Forwarded": `For="[2001:db8::1]:8080"`},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "2001:db8::1",
		},
		{
			name:           "forwarded obfuscated token falls through to x-real-ip",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"Forwarded": `for="_gazonk"`, "X-Real-IP": "203.0.113.11"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.11",
		},
		{
			name:           "x-real-ip fallback",
			remoteAddr:     "10.0.0.1:80",
			headers:        map[string]string{"X-Real-IP": "203.0.113.11"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "203.0.113.11",
		},
		{
			name:           "untrusted peer ignores all proxy headers",
			remoteAddr:     "192.168.1.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25", "Forwarded": "for=198.51.100.26", "X-Real-IP": "198.51.100.27"},
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "192.168.1.1",
		},
		{
			name:           "trusted proxy with no headers falls back to remote",
			remoteAddr:     "10.0.0.1:80",
			trustedProxies: []netip.Prefix{trustedCIDR},
			want:           "10.0.0.1",
		},
		{
			name:           "second cidr matches",
			remoteAddr:     "172.16.0.1:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{trustedCIDR, netip.MustParsePrefix("172.16.0.0/12")},
			want:           "198.51.100.25",
		},
		{
			name:           "narrow cidr excludes neighbor",
			remoteAddr:     "10.0.0.2:80",
			headers:        map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")},
			want:           "10.0.0.2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIPWithProxies(r, tt.trustedProxies))
		})
	}
}

func TestAPIClientIPUsesConfiguredProxies(t *testing.T) {
	r := &http.Request{RemoteAddr: "10.0.0.1:80", Header: make(http.Header)}
	r.Header.Set("X-Forwarded-For", "198.51.100.25")

	trusting := &API{trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	assert.Equal(t, "198.51.100.25", trusting.clientIP(r))

	plain := &API{}
	assert.Equal(t, "10.0.0.1", plain.clientIP(r))
}

func TestParseIPCandidate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"203.0.113.5", "203.0.113.5", true},
		{" 203.0.113.5 ", "203.0.113.5", true},
		{"203.0.113.5:443", "203.0.113.5", true},
		{"[::1]:443", "::1", true},
		{"::1", "::1", true},
		{`"[2001:db8::1]:8080"`, "2001:db8::1", true},
		{"fe80::1%eth0", "fe80::1", true},
		{"", "", false},
		{"unknown", "", false},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		got, ok := parseIPCandidate(tt.raw)
		assert.Equal(t, tt.ok, ok, "parseIPCandidate(%q) ok", tt.raw)
		assert.Equal(t, tt.want, got, "parseIPCandidate(%q)", tt.raw)
	}
}
