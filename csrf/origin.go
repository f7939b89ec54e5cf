package csrf

import (
	"net"
	"net/url"
	"strings"
)

// ValidOrigin reports whether a state-changing request came from the host
// it was addressed to. The Origin header is authoritative; Referer is the
// fallback when Origin is absent. A request carrying neither passes: those
// are non-browser clients, which do not attach ambient cookie credentials
// and are covered by bearer-token auth instead. A header that is present
// but unparseable or pointing at another host is rejected regardless of
// CSRF-token validity.
func ValidOrigin(origin, referer, host string) bool {
	header := origin
	if header == "" {
		header = referer
	}
	if header == "" {
		return true
	}
	u, err := url.Parse(header)
	if err != nil || u.Host == "" {
		return false
	}
	return sameHost(u.Host, host)
}

// sameHost compares the hostname parts, ignoring ports: Origin omits
// default ports while the Host header may carry an explicit one.
func sameHost(a, b string) bool {
	return strings.EqualFold(hostname(a), hostname(b)) && hostname(a) != ""
}

func hostname(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
