package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Default lifetimes
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// NoClockSkewGrace turns off the clock skew grace period: stored records are
// rejected as soon as ExpiresAt has passed.
const NoClockSkewGrace time.Duration = -1

// Config holds authorization service configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid (default: 10 minutes)
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid (default: 1 hour)
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid (default: 30 days)
	RefreshTokenTTL time.Duration

	// ClockSkewGracePeriod is tolerated on stored-record expiry checks.
	// Zero means the default (5 seconds); any negative value, such as
	// NoClockSkewGrace, means strict expiry with no grace at all.
	ClockSkewGracePeriod time.Duration

	// DisableRefreshTokenRotation keeps refresh tokens valid across refreshes.
	// WARNING: a leaked refresh token then stays usable until it expires and
	// reuse can no longer be detected.
	// Default: false (rotation on)
	DisableRefreshTokenRotation bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false (S256 only)
	AllowPKCEPlain bool

	// AllowMissingPKCE lets confidential clients authorize without a
	// code_challenge. Public clients always need PKCE.
	// Default: false
	AllowMissingPKCE bool

	// Clock is the time source for every expiry decision (default: time.Now)
	Clock func() time.Time
}

// applySecureDefaults fills unset values. Every boolean above is an opt-out of
// a protection, so the zero Config is the secure one.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = storage.DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	switch {
	case config.ClockSkewGracePeriod == 0:
		config.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	case config.ClockSkewGracePeriod < 0:
		config.ClockSkewGracePeriod = 0
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.AllowMissingPKCE {
		logger.Warn("SECURITY WARNING: PKCE is OPTIONAL for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set AllowMissingPKCE=false")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay valid and reuse cannot be detected",
			"recommendation", "Set DisableRefreshTokenRotation=false")
	}
	if config.AccessTokenTTL > 24*time.Hour {
		logger.Warn("CONFIGURATION WARNING: Access token lifetime exceeds one day",
			"access_token_ttl", config.AccessTokenTTL)
	}
	if config.AuthorizationCodeTTL > storage.DefaultAuthorizationCodeTTL {
		logger.Warn("CONFIGURATION WARNING: Authorization code lifetime exceeds 10 minutes",
			"authorization_code_ttl", config.AuthorizationCodeTTL)
	}
}
