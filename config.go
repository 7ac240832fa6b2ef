package issuer

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/oauth-issuer/security"
)

// UserResolver returns the authenticated end user of an authorization
// request. Authenticating users is outside this package; a resolver typically
// reads a session or a header set by a trusted front proxy. An empty ID means
// the user is not authenticated.
type UserResolver func(r *http.Request) (userID string, err error)

// HeaderUserResolver trusts the user ID in the given request header. Only use
// it behind a proxy that authenticates users and strips the header from
// client requests.
func HeaderUserResolver(header string) UserResolver {
	return func(r *http.Request) (string, error) {
		userID := strings.TrimSpace(r.Header.Get(header))
		if userID == "" {
			return "", fmt.Errorf("missing %s header", header)
		}
		return userID, nil
	}
}

// Config holds the HTTP handler configuration
type Config struct {
	// UserResolver identifies the user on /oauth/authorize.
	// Without one every authorization request is rejected.
	UserResolver UserResolver

	// SupportedScopes are advertised in the authorization server metadata
	SupportedScopes []string

	// CORS configuration for browser-based public clients
	CORS CORSConfig

	// RateLimit limits requests per client IP on the /oauth endpoints
	RateLimit RateLimitConfig

	// Proxy controls which forwarding headers are trusted for the client IP
	Proxy security.ProxyConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// CORSConfig holds CORS settings. CORS is disabled when AllowedOrigins is empty.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the token, introspection
	// and revocation endpoints. "*" allows any origin (development only).
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds
	// Default: 3600
	MaxAge int
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs
	// Default: 10000
	MaxEntries int

	// IdleTimeout evicts IPs that have been quiet for this long
	// Default: 30 minutes
	IdleTimeout time.Duration
}

const defaultCORSMaxAge = 3600

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
	for _, origin := range c.CORS.AllowedOrigins {
		if origin == "*" {
			c.Logger.Warn("CORS: Wildcard origin (*) allows ALL origins",
				"risk", "Any website can call the token endpoint from a browser",
				"recommendation", "Use specific origins in production")
		}
	}
	if c.UserResolver == nil {
		c.Logger.Warn("No user resolver configured; every authorization request will be rejected")
	}
}
