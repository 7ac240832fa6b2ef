package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/registry"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/token"
)

// AuthorizeRequest is an authorization request after the user has been
// authenticated. Scope is space-delimited.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	UserID              string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the request and returns a fresh authorization code.
//
// Failures are checked in order: unknown client (ErrInvalidClient),
// unregistered redirect URI (ErrInvalidRedirectURI), malformed user or PKCE
// parameters (ErrInvalidRequest), empty scope intersection (ErrInvalidScope).
// The first two must not be reported by redirecting to the redirect URI.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	client, err := s.resolveClient(ctx, req.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	if !registry.ValidateRedirectURI(client, req.RedirectURI) {
		s.Logger.Debug("Authorization request rejected",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID)
		s.Auditor.LogAuthFailure("", req.ClientID, "", "redirect_uri_mismatch")
		instrumentation.SetSpanError(span, ErrorCodeInvalidRedirectURI)
		return "", ErrInvalidRedirectURI
	}

	if req.UserID == "" {
		instrumentation.SetSpanError(span, ErrorCodeInvalidRequest)
		return "", newError(ErrInvalidRequest, "user is not authenticated", nil)
	}

	method, err := s.normalizePKCE(client, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		instrumentation.SetSpanError(span, ErrorCodeInvalidRequest)
		return "", newError(ErrInvalidRequest, err.Error(), err)
	}

	scopes, err := registry.NarrowScope(client, util.SplitScope(req.Scope))
	if err != nil {
		s.Logger.Debug("Authorization request rejected",
			"reason", "scope_not_allowed",
			"client_id", req.ClientID,
			"requested_scope", util.SafeTruncate(req.Scope, 256))
		s.Auditor.LogAuthFailure(req.UserID, req.ClientID, "", "invalid_scope")
		instrumentation.SetSpanError(span, ErrorCodeInvalidScope)
		return "", newError(ErrInvalidScope, "", err)
	}

	code, err := s.codes.Create(ctx, storage.CodeRequest{
		Client:              client,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
	})
	if err != nil {
		s.Logger.Error("Failed to store authorization code", "client_id", req.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		return "", newError(ErrServerError, "", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, util.JoinScope(scopes))
	instrumentation.AddPKCEAttributes(span, method)
	instrumentation.SetSpanSuccess(span)
	s.metrics().RecordCodeIssued(ctx, req.ClientID, method)
	s.Auditor.LogCodeIssued(req.UserID, req.ClientID, method)

	s.Logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(code, 8))

	return code, nil
}

// ExchangeCode redeems an authorization code for an access and refresh token
// and returns the granted scope.
//
// Every failure after the code lookup is ErrInvalidGrant; callers cannot
// tell an unknown, expired, reused or mismatched code apart. Presenting a
// consumed code again revokes every token issued from it.
func (s *Server) ExchangeCode(ctx context.Context, code, clientID, redirectURI, verifier string) (*oauth2.Token, []string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_code",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, "authorization_code")))
	defer span.End()

	// The code is marked used here, before any other check, so a failed
	// exchange still burns it
	authCode, err := s.codes.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			s.handleCodeReuse(ctx, span, authCode, clientID)
			return nil, nil, ErrInvalidGrant
		}
		if !errors.Is(err, storage.ErrAuthorizationCodeInvalid) {
			s.Logger.Error("Failed to consume authorization code", "error", err)
			instrumentation.RecordError(span, err)
			return nil, nil, newError(ErrServerError, "", err)
		}

		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, newError(ErrInvalidGrant, "", err)
	}

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "client_id_mismatch")
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, ErrInvalidGrant
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "redirect_uri_mismatch")
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, ErrInvalidGrant
	}

	if err := s.verifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, verifier); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   authCode.UserID,
			ClientID: clientID,
			Details:  map[string]any{"reason": err.Error()},
		})
		instrumentation.SetSpanError(span, "pkce_validation_failed")
		return nil, nil, newError(ErrInvalidGrant, "", err)
	}

	// The client may have been disabled while the code was pending
	client, err := s.resolveClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrInvalidClient) {
			return nil, nil, newError(ErrInvalidGrant, "", err)
		}
		return nil, nil, err
	}

	tok, err := s.issueTokenPair(ctx, client, authCode.UserID, authCode.GrantID, authCode.Scopes, authCode.Scopes, 0)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, clientID, authCode.UserID, util.JoinScope(authCode.Scopes))
	instrumentation.AddGrantAttributes(span, authCode.GrantID, 0)
	instrumentation.SetSpanSuccess(span)
	s.metrics().RecordCodeExchange(ctx, clientID, authCode.CodeChallengeMethod)
	s.Auditor.LogTokenIssued(authCode.UserID, clientID, authCode.GrantID, util.JoinScope(authCode.Scopes))

	return tok, authCode.Scopes, nil
}

// handleCodeReuse revokes the grant of a replayed authorization code
func (s *Server) handleCodeReuse(ctx context.Context, span trace.Span, authCode *storage.AuthorizationCode, clientID string) {
	span.SetAttributes(attribute.Bool(instrumentation.AttrCodeReuse, true))
	instrumentation.SetSpanError(span, "authorization_code_reuse")
	s.metrics().RecordCodeReuseDetected(ctx)

	if s.allowSecurityLog(authCode.UserID + ":" + authCode.ClientID) {
		s.Logger.Error("Authorization code reuse detected - revoking grant",
			"user_id", authCode.UserID,
			"client_id", authCode.ClientID,
			"presented_by", clientID,
			"grant_id", authCode.GrantID,
			"oauth_spec", "OAuth 2.1 Section 4.1.2")
	}
	s.Auditor.LogReuseDetected(security.EventAuthorizationCodeReuseDetected, authCode.UserID, authCode.ClientID, authCode.GrantID)

	if err := s.revokeGrant(ctx, authCode.GrantID, authCode.UserID, authCode.ClientID, "authorization_code_reuse"); err != nil {
		s.Logger.Error("Failed to revoke grant after code reuse detection", "grant_id", authCode.GrantID, "error", err)
	}
}

// resolveClient maps registry failures onto protocol errors
func (s *Server) resolveClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.registry.Resolve(ctx, clientID)
	if err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			s.Logger.Debug("Unknown client", "client_id", util.SafeTruncate(clientID, 64))
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
			return nil, newError(ErrInvalidClient, "unknown client", err)
		}
		s.Logger.Error("Client registry lookup failed", "client_id", clientID, "error", err)
		return nil, newError(ErrServerError, "", err)
	}
	return client, nil
}

// issueTokenPair mints an access token for accessScopes and a refresh token of
// the given generation for refreshScopes, and records the refresh token.
func (s *Server) issueTokenPair(ctx context.Context, client *storage.Client, userID, grantID string, accessScopes, refreshScopes []string, generation int) (*oauth2.Token, error) {
	key, access, err := s.signAccessToken(ctx, client, userID, grantID, accessScopes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &storage.RefreshTokenRecord{
		ID:         uuid.NewString(),
		GrantID:    grantID,
		ClientID:   client.ClientID,
		UserID:     userID,
		Scopes:     refreshScopes,
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.Config.RefreshTokenTTL),
	}

	refresh, err := s.codec.Encode(&token.RefreshClaims{
		Common: token.Common{
			ID:       record.ID,
			ClientID: client.ClientID,
			UserID:   userID,
			Scopes:   refreshScopes,
			GrantID:  grantID,
		},
		Generation: generation,
	}, key, s.Config.RefreshTokenTTL)
	if err != nil {
		s.Logger.Error("Failed to sign refresh token", "client_id", client.ClientID, "error", err)
		return nil, newError(ErrServerError, "", err)
	}

	if err := s.refreshStore.SaveRefreshToken(ctx, record); err != nil {
		s.Logger.Error("Failed to save refresh token", "client_id", client.ClientID, "error", err)
		return nil, newError(ErrServerError, "", err)
	}

	s.metrics().RecordTokenIssued(ctx, client.ClientID, string(token.KindRefresh))

	return s.tokenResponse(access, refresh, accessScopes), nil
}

// signAccessToken mints an access token with the client's signing key and
// returns the key for any companion refresh token
func (s *Server) signAccessToken(ctx context.Context, client *storage.Client, userID, grantID string, scopes []string) (*token.Key, string, error) {
	key, err := s.keys.SigningKey(client.SigningKeyID)
	if err != nil {
		s.Logger.Error("Client references an unknown signing key",
			"client_id", client.ClientID,
			"key_id", client.SigningKeyID)
		return nil, "", newError(ErrServerError, "", err)
	}

	access, err := s.codec.Encode(&token.AccessClaims{Common: token.Common{
		ClientID: client.ClientID,
		UserID:   userID,
		Scopes:   scopes,
		GrantID:  grantID,
	}}, key, s.Config.AccessTokenTTL)
	if err != nil {
		s.Logger.Error("Failed to sign access token", "client_id", client.ClientID, "error", err)
		return nil, "", newError(ErrServerError, "", err)
	}

	s.metrics().RecordTokenIssued(ctx, client.ClientID, string(token.KindAccess))
	return key, access, nil
}

func (s *Server) tokenResponse(access, refresh string, scopes []string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: refresh,
		Expiry:       s.now().Add(s.Config.AccessTokenTTL),
		ExpiresIn:    int64(s.Config.AccessTokenTTL / time.Second),
	}
	return tok.WithExtra(map[string]any{"scope": util.JoinScope(scopes)})
}

// revokeGrant adds the grant to the revocation list for as long as any of its
// tokens can still be valid
func (s *Server) revokeGrant(ctx context.Context, grantID, userID, clientID, reason string) error {
	if grantID == "" {
		return nil
	}
	until := s.now().Add(s.Config.RefreshTokenTTL + s.Config.ClockSkewGracePeriod)
	if err := s.grants.RevokeGrant(ctx, grantID, until); err != nil {
		return err
	}

	s.metrics().RecordTokenRevocation(ctx, clientID)
	s.Auditor.LogTokenRevoked(userID, clientID, grantID, reason)
	s.Logger.Info("Revoked grant",
		"grant_id", grantID,
		"client_id", clientID,
		"reason", reason)
	return nil
}
