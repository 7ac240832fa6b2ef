package token

import "time"

// Kind discriminates the token variants.
type Kind string

const (
	// KindAccess marks an access token presented on resource requests.
	KindAccess Kind = "access"

	// KindRefresh marks a refresh token presented at the token endpoint.
	KindRefresh Kind = "refresh"

	// KindAuthorizationCode marks an authorization code. Codes are stored
	// server-side and never encoded; Encode rejects this kind.
	KindAuthorizationCode Kind = "authorization_code"
)

// Claims is the decoded payload of a token. The set of implementations is
// closed: *AccessClaims and *RefreshClaims.
type Claims interface {
	Kind() Kind
	common() *Common
}

// Common holds the claims shared by every token kind.
type Common struct {
	// ID is the unique token identifier (jti). Encode assigns a random one
	// when empty.
	ID string

	ClientID string

	// UserID is empty for tokens issued to a client acting on its own behalf.
	UserID string

	Scopes []string

	// GrantID ties every token issued from one authorization code together,
	// across refresh rotations. Revoking the grant revokes all of them.
	GrantID string

	// Set by Decode.
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Common
}

// Kind implements Claims.
func (*AccessClaims) Kind() Kind { return KindAccess }

func (c *AccessClaims) common() *Common { return &c.Common }

// RefreshClaims is the payload of a refresh token.
type RefreshClaims struct {
	Common

	// Generation counts rotations within the grant, starting at 0.
	Generation int
}

// Kind implements Claims.
func (*RefreshClaims) Kind() Kind { return KindRefresh }

func (c *RefreshClaims) common() *Common { return &c.Common }

// HasScopes reports whether every scope in required was granted.
func (c *Common) HasScopes(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := granted[r]; !ok {
			return false
		}
	}
	return true
}
