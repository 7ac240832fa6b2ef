// Package security holds the cross-cutting protections of the issuer:
// audit logging with hashed identifiers, per-identifier rate limiting,
// client IP resolution, request IDs, response hardening headers and the
// clock-skew aware expiry check shared by every store.
//
// # Rate Limiting
//
// RateLimiter is a token bucket per identifier (client IP, or a
// user/client pair for security event logging). Idle buckets expire on
// their own. Once MaxEntries identifiers are tracked, further new
// identifiers share a single overflow bucket so memory stays bounded
// while a distributed flood is still throttled.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{Rate: 10, Burst: 20}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// # Audit Logging
//
// Auditor writes one structured "security_audit" record per event. User and
// client identifiers are replaced by a truncated SHA-256 so logs can be
// correlated without storing who did what in clear text.
package security
