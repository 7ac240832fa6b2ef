package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging codes and token IDs
	tokenIDLogLength = 8

	// maxRevokedGrantEntries is the threshold for warning about revocation list growth.
	// Sustained growth may indicate repeated reuse attacks.
	maxRevokedGrantEntries = 10000
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authCodes     map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshTokenRecord // token ID (jti) -> record
	revokedGrants map[string]time.Time                   // grant ID -> forget after

	// Expiry
	now         func() time.Time
	gracePeriod time.Duration

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	clientsCountAtomic       atomic.Int64
	revokedGrantsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore          = (*Store)(nil)
	_ storage.FlowStore            = (*Store)(nil)
	_ storage.RefreshTokenStore    = (*Store)(nil)
	_ storage.GrantRevocationStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshTokenRecord),
		revokedGrants:   make(map[string]time.Time),
		now:             time.Now,
		gracePeriod:     security.DefaultClockSkewGracePeriod,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock sets the clock used for expiry decisions
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetClockSkewGracePeriod sets how long past ExpiresAt a record is still accepted
func (s *Store) SetClockSkewGracePeriod(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gracePeriod = grace
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.revokedGrantsCountAtomic.Store(int64(len(s.revokedGrants)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.revokedGrantsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// expired must be called with s.mu held
func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpiredAt(expiresAt, s.now(), s.gracePeriod)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client.Clone()
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client.Clone(), nil
}

// ListClients lists all registered clients ordered by client ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })

	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; ok {
		delete(s.clients, clientID)
		s.clientsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	s.authCodes[code.Code] = code.Clone()

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is pending and marks it as used.
// Only ONE concurrent request can succeed; all others receive ErrAuthorizationCodeUsed.
//
// The record is ONLY returned alongside ErrAuthorizationCodeUsed so the caller can
// revoke the grant. Unknown and expired codes return nil.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_check_and_mark_code_used")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_check_and_mark_code_used", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if s.expired(authCode.ExpiresAt) {
		err = storage.ErrAuthorizationCodeExpired
		return nil, err
	}

	if authCode.Used {
		err = storage.ErrAuthorizationCodeUsed
		return authCode.Clone(), err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return authCode.Clone(), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; ok {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
		s.logger.Debug("Deleted authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	}
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken records an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if record == nil || record.ID == "" {
		err = fmt.Errorf("invalid refresh token record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.refreshTokens[record.ID]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}
	s.refreshTokens[record.ID] = record.Clone()

	s.logger.Debug("Saved refresh token",
		"token_id", util.SafeTruncate(record.ID, tokenIDLogLength),
		"grant_id", util.SafeTruncate(record.GrantID, tokenIDLogLength),
		"generation", record.Generation)
	return nil
}

// GetRefreshToken returns a live refresh token record without spending it
func (s *Store) GetRefreshToken(ctx context.Context, tokenID string) (*storage.RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lookupRefreshToken(tokenID)
}

// AtomicConsumeRefreshToken atomically marks a live refresh token as spent.
// Only ONE concurrent request can succeed; all others receive ErrRefreshTokenUsed.
func (s *Store) AtomicConsumeRefreshToken(ctx context.Context, tokenID string) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_consume_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.lookupRefreshToken(tokenID)
	if err != nil {
		return record, err
	}

	s.refreshTokens[tokenID].Used = true
	record.Used = true

	s.logger.Debug("Spent refresh token",
		"token_id", util.SafeTruncate(tokenID, tokenIDLogLength),
		"generation", record.Generation)

	return record, nil
}

// lookupRefreshToken must be called with s.mu held
func (s *Store) lookupRefreshToken(tokenID string) (*storage.RefreshTokenRecord, error) {
	record, ok := s.refreshTokens[tokenID]
	if !ok || s.expired(record.ExpiresAt) {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if record.Used {
		return record.Clone(), storage.ErrRefreshTokenUsed
	}
	return record.Clone(), nil
}

// ============================================================
// GrantRevocationStore Implementation
// ============================================================

// RevokeGrant marks a grant revoked until the given time
func (s *Store) RevokeGrant(ctx context.Context, grantID string, until time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_grant", err, startTime)
	}()

	if grantID == "" {
		err = fmt.Errorf("grant ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, existed := s.revokedGrants[grantID]
	if !existed {
		s.revokedGrantsCountAtomic.Add(1)
	}
	if until.After(existing) {
		s.revokedGrants[grantID] = until
	}

	// Spend every outstanding refresh token of the grant
	spent := 0
	for _, record := range s.refreshTokens {
		if record.GrantID == grantID && !record.Used {
			record.Used = true
			spent++
		}
	}

	s.logger.Info("Revoked grant",
		"grant_id", util.SafeTruncate(grantID, tokenIDLogLength),
		"refresh_tokens_spent", spent)

	return nil
}

// IsGrantRevoked reports whether a grant has been revoked
func (s *Store) IsGrantRevoked(ctx context.Context, grantID string) (bool, error) {
	if grantID == "" {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, revoked := s.revokedGrants[grantID]
	return revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Expired codes, consumed or not; reuse after expiry is indistinguishable from an unknown code
	for code, authCode := range s.authCodes {
		if s.expired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for tokenID, record := range s.refreshTokens {
		if s.expired(record.ExpiresAt) {
			delete(s.refreshTokens, tokenID)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Revocation entries outlive every token of their grant, then go
	now := s.now()
	for grantID, until := range s.revokedGrants {
		if now.After(until) {
			delete(s.revokedGrants, grantID)
			s.revokedGrantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	revokedCount := len(s.revokedGrants)
	if revokedCount > maxRevokedGrantEntries {
		s.logger.Warn("Revoked grant list approaching limit - possible repeated reuse attacks",
			"current_count", revokedCount,
			"max_threshold", maxRevokedGrantEntries,
			"recommendation", "Review security logs for repeated code or token reuse")
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned, "revoked_grants", revokedCount)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, noop.Span{}
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
