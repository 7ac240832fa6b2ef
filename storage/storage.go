package storage

import (
	"context"
	"slices"
	"time"
)

// Client types (RFC 6749 Section 2.1).
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// PKCE code challenge methods (RFC 7636 Section 4.2).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ClientStore is the persisted backing of the client registry.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client registration
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound for unknown IDs.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error
}

// FlowStore holds issued authorization codes.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationCode stores a newly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is pending
	// and marks it consumed. Exactly one of any number of concurrent callers
	// for the same code succeeds.
	//
	// Errors:
	//   - ErrAuthorizationCodeNotFound: unknown code, nil record
	//   - ErrAuthorizationCodeExpired: expired code, nil record
	//   - ErrAuthorizationCodeUsed: already consumed, the consumed record is
	//     returned so the caller can revoke what was issued from it
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// RefreshTokenStore tracks issued refresh tokens by token ID (jti).
// All methods accept context.Context for tracing and cancellation.
type RefreshTokenStore interface {
	// SaveRefreshToken records a newly issued refresh token
	SaveRefreshToken(ctx context.Context, record *RefreshTokenRecord) error

	// GetRefreshToken returns a live refresh token record without spending it.
	// Returns ErrRefreshTokenNotFound for unknown or expired tokens and
	// ErrRefreshTokenUsed (with the record) for spent ones.
	GetRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error)

	// AtomicConsumeRefreshToken atomically marks a live refresh token as
	// spent and returns it. Errors as for GetRefreshToken.
	AtomicConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshTokenRecord, error)
}

// GrantRevocationStore records revoked grants. A grant is the set of tokens
// issued from one authorization code, across all refresh rotations.
// All methods accept context.Context for tracing and cancellation.
type GrantRevocationStore interface {
	// RevokeGrant marks a grant revoked. The entry may be forgotten after
	// until, once no token of the grant can still be valid.
	RevokeGrant(ctx context.Context, grantID string, until time.Time) error

	// IsGrantRevoked reports whether a grant has been revoked
	IsGrantRevoked(ctx context.Context, grantID string) (bool, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, confidential clients only
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	Scopes           []string // allowed scopes
	SigningKeyID     string   // empty selects the server's active key
	Disabled         bool
	CreatedAt        time.Time
}

// IsPublic reports whether the client cannot hold a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// Clone returns a deep copy, so stores never hand out their own records.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string // granted (narrowed) scope
	CodeChallenge       string
	CodeChallengeMethod string
	GrantID             string // shared by every token issued from this code
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// RefreshTokenRecord is the server-side state of one issued refresh token
type RefreshTokenRecord struct {
	ID         string // jti of the refresh token
	GrantID    string
	ClientID   string
	UserID     string
	Scopes     []string // scope of the original grant
	Generation int      // 0 for the token issued with the code exchange
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
}

// Clone returns a deep copy.
func (r *RefreshTokenRecord) Clone() *RefreshTokenRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Scopes = slices.Clone(r.Scopes)
	return &out
}
