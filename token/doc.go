// Package token encodes and decodes the signed tokens issued by the
// authorization server.
//
// Tokens are compact JWS strings (JWT) signed with either an HS256 shared
// secret or an Ed25519 key. The payload is a tagged variant: every token
// carries a token_use discriminant, and Decode returns *AccessClaims or
// *RefreshClaims accordingly.
//
// # Errors
//
// Decode distinguishes three failure kinds for logging and metrics:
// ErrMalformed, ErrInvalidSignature and ErrExpired. Signature verification
// runs before any time-based check, so a forged token that is also expired
// reports ErrInvalidSignature. Callers facing a client must collapse all
// three into a single "invalid_token" response.
//
// Encode fails only with ErrSigning.
//
// # Concurrency
//
// A Codec is immutable once built and safe for concurrent use. A Keyring
// may be mutated (Add, SetActive) while other goroutines sign and verify.
package token
