package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiration
	// checks on stored records (authorization codes, refresh token records).
	// It absorbs NTP drift between instances sharing a store.
	//
	// The grace period only ever extends validity by this amount. A grace
	// period of zero passed to IsExpiredAt gives strict expiry.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpiredAt checks if a record is expired at the given instant.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	// Only expired once it has been expired for more than the grace period
	return now.After(expiresAt.Add(gracePeriod))
}
