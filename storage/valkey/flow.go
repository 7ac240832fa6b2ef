package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
)

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

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		err = fmt.Errorf("failed to marshal authorization code: %w", err)
		return err
	}

	ttl := s.keyTTL(code.ExpiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("authorization code already expired")
		return err
	}

	if err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		err = fmt.Errorf("failed to save authorization code: %w", err)
		return err
	}

	s.logger.Debug("Saved authorization code", "code_prefix", truncate(code.Code))
	return nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is pending and marks it as used.
// Only ONE concurrent request can succeed, across every instance sharing the store.
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

	result, evalErr := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicCheckAndMarkCodeUsed).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(s.expiryCutoff()).
			Build(),
	).ToString()
	if evalErr != nil {
		err = fmt.Errorf("failed to execute atomic code check: %w", evalErr)
		return nil, err
	}

	switch {
	case result == "NOT_FOUND":
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	case result == "EXPIRED":
		err = storage.ErrAuthorizationCodeExpired
		return nil, err
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if jsonErr := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); jsonErr != nil {
			err = fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
			return nil, err
		}
		err = storage.ErrAuthorizationCodeUsed
		return fromAuthorizationCodeJSON(&j), err
	}

	// Success: the data is from before marking as used
	var j authorizationCodeJSON
	if err = json.Unmarshal([]byte(result), &j); err != nil {
		err = fmt.Errorf("failed to parse authorization code: %w", err)
		return nil, err
	}

	authCode := fromAuthorizationCodeJSON(&j)
	authCode.Used = true

	s.logger.Debug("Marked authorization code as used", "code_prefix", truncate(code))

	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code", "code_prefix", truncate(code))
	return nil
}
