package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-issuer/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken records an issued refresh token and adds it to its grant's set
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if record == nil || record.ID == "" || record.GrantID == "" {
		err = fmt.Errorf("invalid refresh token record")
		return err
	}

	data, err := json.Marshal(toRefreshTokenJSON(record))
	if err != nil {
		err = fmt.Errorf("failed to marshal refresh token: %w", err)
		return err
	}

	ttl := s.keyTTL(record.ExpiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("refresh token already expired")
		return err
	}

	grantKey := s.grantKey(record.GrantID)
	cmds := []valkeygo.Completed{
		s.client.B().Set().Key(s.refreshKey(record.ID)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Sadd().Key(grantKey).Member(record.ID).Build(),
		// Newer generations always expire later, so the set outlives its members
		s.client.B().Expire().Key(grantKey).Seconds(int64(ttl.Seconds()) + 1).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if respErr := resp.Error(); respErr != nil {
			err = fmt.Errorf("failed to save refresh token: %w", respErr)
			return err
		}
	}

	s.logger.Debug("Saved refresh token",
		"token_id", truncate(record.ID),
		"grant_id", truncate(record.GrantID),
		"generation", record.Generation)
	return nil
}

// GetRefreshToken returns a live refresh token record without spending it
func (s *Store) GetRefreshToken(ctx context.Context, tokenID string) (*storage.RefreshTokenRecord, error) {
	return s.evalRefreshToken(ctx, tokenID, false)
}

// AtomicConsumeRefreshToken atomically marks a live refresh token as spent.
// Only ONE concurrent request can succeed, across every instance sharing the store.
func (s *Store) AtomicConsumeRefreshToken(ctx context.Context, tokenID string) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	record, err := s.evalRefreshToken(ctx, tokenID, true)
	s.recordStorageOperation(ctx, span, "atomic_consume_refresh_token", err, startTime)

	if err == nil {
		s.logger.Debug("Spent refresh token",
			"token_id", truncate(tokenID),
			"generation", record.Generation)
	}
	return record, err
}

func (s *Store) evalRefreshToken(ctx context.Context, tokenID string, spend bool) (*storage.RefreshTokenRecord, error) {
	spendArg := "0"
	if spend {
		spendArg = "1"
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeRefreshToken).
			Numkeys(1).
			Key(s.refreshKey(tokenID)).
			Arg(s.expiryCutoff(), spendArg).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j refreshTokenJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse spent refresh token", storage.ErrRefreshTokenUsed)
		}
		return fromRefreshTokenJSON(&j), storage.ErrRefreshTokenUsed
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}

	record := fromRefreshTokenJSON(&j)
	record.Used = spend
	return record, nil
}

// ============================================================
// GrantRevocationStore Implementation
// ============================================================

// RevokeGrant marks a grant revoked until the given time and spends its refresh tokens
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

	now, _ := s.clock()
	ttl := calculateTTL(until, now)
	if ttl <= 0 {
		ttl = minKeyTTL
	}

	spent, evalErr := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeGrant).
			Numkeys(2).
			Key(s.revokedKey(grantID), s.grantKey(grantID)).
			Arg(fmt.Sprintf("%d", int64(ttl.Seconds())+1), s.refreshKeyPrefix()).
			Build(),
	).AsInt64()
	if evalErr != nil {
		err = fmt.Errorf("failed to revoke grant: %w", evalErr)
		return err
	}

	s.logger.Info("Revoked grant",
		"grant_id", truncate(grantID),
		"refresh_tokens_spent", spent)
	return nil
}

// IsGrantRevoked reports whether a grant has been revoked
func (s *Store) IsGrantRevoked(ctx context.Context, grantID string) (bool, error) {
	if grantID == "" {
		return false, nil
	}

	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.revokedKey(grantID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check grant revocation: %w", err)
	}
	return n > 0, nil
}
