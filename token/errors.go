package token

import "errors"

var (
	// ErrMalformed indicates the token string could not be parsed, or parsed
	// but lacks a required claim.
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature indicates the signature does not verify against
	// the resolved key, the key is unknown, or the algorithm is not the one
	// the key was registered with.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpired indicates the token is outside its validity window.
	ErrExpired = errors.New("token expired")

	// ErrSigning indicates the token could not be produced: bad key
	// material, unsupported claims or a serialization failure.
	ErrSigning = errors.New("token signing failed")
)

// Reason returns a short label for a codec error, for use as a log field or
// metric attribute. It never returns anything derived from the token itself.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrSigning):
		return "signing"
	default:
		return "unknown"
	}
}
