package storage

import "errors"

var (
	// ErrClientNotFound is returned when a client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned for an unknown code.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeExpired is returned for a code past its expiry.
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrAuthorizationCodeUsed is returned when a consumed code is presented
	// again. Stores return the consumed record alongside this error.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrAuthorizationCodeInvalid is the single error AuthorizationCodes.Consume
	// reports for unknown, expired and reused codes.
	ErrAuthorizationCodeInvalid = errors.New("authorization code invalid")

	// ErrRefreshTokenNotFound is returned for an unknown or expired refresh token.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenUsed is returned when a rotated refresh token is presented
	// again. Stores return the spent record alongside this error.
	ErrRefreshTokenUsed = errors.New("refresh token already used")
)
