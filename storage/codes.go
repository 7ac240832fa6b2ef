package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultAuthorizationCodeTTL is the lifetime of an issued authorization code
const DefaultAuthorizationCodeTTL = 10 * time.Minute

// CodeRequest carries everything bound to a new authorization code.
// Scopes must already be narrowed against the client's allowed set.
type CodeRequest struct {
	Client              *Client
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationCodes issues and consumes single-use authorization codes
// on top of a FlowStore. It is safe for concurrent use; atomicity of
// consumption is provided by the store.
type AuthorizationCodes struct {
	store FlowStore
	ttl   time.Duration
	now   func() time.Time
}

// NewAuthorizationCodes creates a code issuer. A non-positive ttl selects
// DefaultAuthorizationCodeTTL and a nil clock selects time.Now.
func NewAuthorizationCodes(store FlowStore, ttl time.Duration, now func() time.Time) *AuthorizationCodes {
	if ttl <= 0 {
		ttl = DefaultAuthorizationCodeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &AuthorizationCodes{store: store, ttl: ttl, now: now}
}

// TTL returns the lifetime of issued codes.
func (a *AuthorizationCodes) TTL() time.Duration {
	return a.ttl
}

// Create generates a code with 256 bits of entropy, assigns a fresh grant ID
// and stores the pending record. Only the code value is returned.
func (a *AuthorizationCodes) Create(ctx context.Context, req CodeRequest) (string, error) {
	if req.Client == nil || req.Client.ClientID == "" {
		return "", fmt.Errorf("client is required")
	}
	if req.UserID == "" {
		return "", fmt.Errorf("user ID is required")
	}
	if req.RedirectURI == "" {
		return "", fmt.Errorf("redirect URI is required")
	}

	// GenerateVerifier yields 32 random bytes, base64url encoded
	code := oauth2.GenerateVerifier()
	now := a.now()

	record := &AuthorizationCode{
		Code:                code,
		ClientID:            req.Client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              slices.Clone(req.Scopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		GrantID:             uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(a.ttl),
	}

	if err := a.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	return code, nil
}

// Consume atomically transitions a pending code to consumed and returns its
// record. Among concurrent callers presenting the same code exactly one
// succeeds.
//
// Unknown, expired and already consumed codes all fail with an error matching
// ErrAuthorizationCodeInvalid. A reused code additionally matches
// ErrAuthorizationCodeUsed and the consumed record is returned so the caller
// can revoke the grant issued from it. Store failures do not match
// ErrAuthorizationCodeInvalid.
func (a *AuthorizationCodes) Consume(ctx context.Context, code string) (*AuthorizationCode, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationCodeInvalid, ErrAuthorizationCodeNotFound)
	}

	record, err := a.store.AtomicCheckAndMarkAuthCodeUsed(ctx, code)
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, ErrAuthorizationCodeUsed):
		return record, fmt.Errorf("%w: %w", ErrAuthorizationCodeInvalid, err)
	case errors.Is(err, ErrAuthorizationCodeNotFound), errors.Is(err, ErrAuthorizationCodeExpired):
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationCodeInvalid, err)
	default:
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
}
