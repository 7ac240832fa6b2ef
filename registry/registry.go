package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultCacheTTL is how long a resolved client is served from memory
	DefaultCacheTTL = 5 * time.Minute

	cleanupInterval = time.Minute

	// bcrypt hash of "test"; compared against when the client is unknown so that
	// Authenticate costs the same whether or not the client exists
	dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

var (
	// ErrClientNotFound is returned for unknown and disabled clients
	ErrClientNotFound = storage.ErrClientNotFound

	// ErrInvalidScope is returned when no requested scope is allowed for the client
	ErrInvalidScope = errors.New("no requested scope is allowed for this client")

	// ErrInvalidCredentials is returned when client authentication fails
	ErrInvalidCredentials = errors.New("invalid client credentials")
)

// Config configures a Registry
type Config struct {
	// CacheTTL bounds how stale a cached client may be (default: 5 minutes).
	// A negative value disables caching.
	CacheTTL time.Duration

	// Logger is used for cache and store diagnostics (default: slog.Default())
	Logger *slog.Logger
}

// Registry is the read path for client registrations
type Registry struct {
	store  storage.ClientStore
	cache  *gocache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a Registry backed by the given client store
func New(store storage.ClientStore, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		store:  store,
		logger: cfg.Logger,
	}

	switch {
	case cfg.CacheTTL == 0:
		r.cache = gocache.New(DefaultCacheTTL, cleanupInterval)
	case cfg.CacheTTL > 0:
		r.cache = gocache.New(cfg.CacheTTL, cleanupInterval)
	}

	return r, nil
}

// Resolve returns the client registered under clientID.
// Unknown and disabled clients yield ErrClientNotFound; store failures are
// returned wrapped so callers can tell an outage from a bad identifier.
func (r *Registry) Resolve(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(clientID); ok {
			return v.(*storage.Client).Clone(), nil
		}
	}

	// Shared by every concurrent caller; no single caller can cancel it
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(clientID, func() (any, error) {
		client, err := r.store.GetClient(lookupCtx, clientID)
		if err != nil {
			return nil, err
		}
		if client.Disabled {
			return nil, ErrClientNotFound
		}
		if r.cache != nil {
			r.cache.SetDefault(clientID, client)
		}
		return client, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to resolve client: %w", ctx.Err())
	}

	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrClientNotFound
		}
		r.logger.Warn("Client lookup failed", "client_id", clientID, "error", err)
		return nil, fmt.Errorf("failed to resolve client: %w", err)
	}
	if shared {
		r.logger.Debug("Client lookup shared with concurrent caller", "client_id", clientID)
	}

	return v.(*storage.Client).Clone(), nil
}

// Invalidate drops any cached entry for clientID
func (r *Registry) Invalidate(clientID string) {
	if r.cache != nil {
		r.cache.Delete(clientID)
	}
}

// Authenticate verifies client credentials.
// Confidential clients must present the secret matching their bcrypt hash.
// Public clients authenticate with an empty secret.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := r.Resolve(ctx, clientID)
	if err != nil && !errors.Is(err, ErrClientNotFound) {
		return nil, err
	}

	hashToCompare := dummySecretHash
	if err == nil && !client.IsPublic() && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	// Always run the comparison so unknown clients take as long as known ones
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if client.IsPublic() {
		if secret != "" {
			return nil, ErrInvalidCredentials
		}
		return client, nil
	}
	if client.ClientSecretHash == "" || bcryptErr != nil {
		return nil, ErrInvalidCredentials
	}
	return client, nil
}

// HashSecret returns the bcrypt hash stored for a confidential client's secret
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}
