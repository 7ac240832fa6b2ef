package security

// Event type constants for security audit logging
const (
	// EventAuthorizationCodeIssued is logged when an authorization code is handed out
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventTokenIssued is logged when a code is exchanged for a token pair
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token or a whole grant is revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthFailure is logged when a request is rejected
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a spent refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventRevokedGrantAccess is logged when a token of a revoked grant is presented
	EventRevokedGrantAccess = "revoked_grant_access"
)
