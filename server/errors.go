package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
)

// Error is a protocol error. Two errors match under errors.Is when their
// codes are equal, so callers compare against the sentinels below.
//
// Error() only ever shows the code and the public description. The cause is
// kept for logs and reachable through Unwrap.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel protocol errors
var (
	ErrInvalidRequest       = &Error{Code: ErrorCodeInvalidRequest, Description: "invalid request", Status: http.StatusBadRequest}
	ErrInvalidClient        = &Error{Code: ErrorCodeInvalidClient, Description: "client authentication failed", Status: http.StatusUnauthorized}
	ErrInvalidRedirectURI   = &Error{Code: ErrorCodeInvalidRedirectURI, Description: "redirect_uri is not registered for this client", Status: http.StatusBadRequest}
	ErrInvalidScope         = &Error{Code: ErrorCodeInvalidScope, Description: "requested scope is not allowed", Status: http.StatusBadRequest}
	ErrInvalidGrant         = &Error{Code: ErrorCodeInvalidGrant, Description: "invalid grant", Status: http.StatusBadRequest}
	ErrInvalidToken         = &Error{Code: ErrorCodeInvalidToken, Description: "invalid token", Status: http.StatusUnauthorized}
	ErrInsufficientScope    = &Error{Code: ErrorCodeInsufficientScope, Description: "token lacks the required scope", Status: http.StatusForbidden}
	ErrUnsupportedGrantType = &Error{Code: ErrorCodeUnsupportedGrantType, Description: "grant type is not supported", Status: http.StatusBadRequest}
	ErrServerError          = &Error{Code: ErrorCodeServerError, Description: "internal server error", Status: http.StatusInternalServerError}
)

// newError copies a sentinel, optionally replacing its description, and
// attaches the cause.
func newError(base *Error, description string, cause error) *Error {
	e := *base
	if description != "" {
		e.Description = description
	}
	e.Err = cause
	return &e
}
