package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-issuer/internal/util"
)

// supportedMethods is the algorithm allowlist applied before any key lookup.
var supportedMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodEdDSA.Alg(),
}

// Config configures a Codec.
type Config struct {
	// Issuer is written to the iss claim and required on decode when set.
	Issuer string

	// Leeway tolerates clock skew on exp and nbf checks.
	// Default: 0
	Leeway time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// Codec signs claims into tokens and verifies them back.
type Codec struct {
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// New creates a Codec.
func New(cfg Config) *Codec {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Codec{
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    now,
	}
}

// wireClaims is the JSON payload of a token.
type wireClaims struct {
	jwt.RegisteredClaims
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope,omitempty"`
	Use        Kind   `json:"token_use"`
	GrantID    string `json:"gid,omitempty"`
	Generation *int   `json:"gen,omitempty"`
}

// Encode signs claims with key. The token expires ttl after the codec's
// current time.
func (c *Codec) Encode(claims Claims, key *Key, ttl time.Duration) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("%w: nil claims", ErrSigning)
	}
	if !key.CanSign() {
		return "", fmt.Errorf("%w: key cannot sign", ErrSigning)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrSigning)
	}

	base := claims.common()
	if base.ClientID == "" {
		return "", fmt.Errorf("%w: client id is required", ErrSigning)
	}

	id := base.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := c.now()
	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   base.UserID,
			Audience:  jwt.ClaimStrings{base.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        id,
		},
		ClientID: base.ClientID,
		Scope:    util.JoinScope(base.Scopes),
		Use:      claims.Kind(),
		GrantID:  base.GrantID,
	}

	switch v := claims.(type) {
	case *AccessClaims:
	case *RefreshClaims:
		gen := v.Generation
		wc.Generation = &gen
	default:
		return "", fmt.Errorf("%w: unsupported token kind %q", ErrSigning, claims.Kind())
	}

	tok := jwt.NewWithClaims(key.method, wc)
	tok.Header["kid"] = key.ID

	signed, err := tok.SignedString(key.signer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

// Decode verifies tokenString against keys and returns its claims.
func (c *Codec) Decode(tokenString string, keys KeySource) (Claims, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: no key source", ErrInvalidSignature)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(supportedMethods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	var wc wireClaims
	var kid string
	_, err := jwt.ParseWithClaims(tokenString, &wc, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		key, err := keys.VerificationKey(kid)
		if err != nil {
			return nil, err
		}
		if key.method == nil || t.Method.Alg() != key.method.Alg() {
			return nil, fmt.Errorf("algorithm %s not allowed for key %q", t.Method.Alg(), key.ID)
		}
		return key.verifier, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}

	return fromWire(&wc, kid)
}

// classify maps parser errors onto the three decode failure kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func fromWire(wc *wireClaims, kid string) (Claims, error) {
	clientID := wc.ClientID
	if clientID == "" && len(wc.Audience) > 0 {
		clientID = wc.Audience[0]
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: missing client_id", ErrMalformed)
	}
	if wc.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrMalformed)
	}

	base := Common{
		ID:       wc.ID,
		ClientID: clientID,
		UserID:   wc.Subject,
		Scopes:   util.SplitScope(wc.Scope),
		GrantID:  wc.GrantID,
		KeyID:    kid,
	}
	if wc.IssuedAt != nil {
		base.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		base.ExpiresAt = wc.ExpiresAt.Time
	}

	switch wc.Use {
	case KindAccess:
		return &AccessClaims{Common: base}, nil
	case KindRefresh:
		rc := &RefreshClaims{Common: base}
		if wc.Generation != nil {
			rc.Generation = *wc.Generation
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("%w: unknown token_use %q", ErrMalformed, wc.Use)
	}
}
