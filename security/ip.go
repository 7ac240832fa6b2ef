package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyConfig describes which forwarding headers may be believed
type ProxyConfig struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Only enable behind a
	// reverse proxy that overwrites these headers.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// The client is the entry immediately left of them in X-Forwarded-For.
	TrustedProxyCount int
}

// ClientIP extracts the client IP address from the request.
//
// X-Forwarded-For is read from the right: the last TrustedProxyCount entries
// were appended by our own proxies, the one before them is the client. Short
// chains fall back to the leftmost entry.
func (p ProxyConfig) ClientIP(r *http.Request) string {
	if p.TrustProxy {
		if ip := ipFromXFF(r.Header.Get("X-Forwarded-For"), p.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
