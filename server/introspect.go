package server

import (
	"context"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/token"
)

// Introspect validates an access token presented on a resource request and
// checks that it carries every required scope. It never mutates state.
func (s *Server) Introspect(ctx context.Context, accessToken string, requiredScopes ...string) (*token.AccessClaims, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.introspect")
	defer span.End()

	claims, err := s.codec.Decode(accessToken, s.keys)
	if err != nil {
		reason := token.Reason(err)
		s.metrics().RecordTokenDecodeFailed(ctx, reason)
		s.Logger.Debug("Access token rejected", "reason", reason)
		instrumentation.SetSpanError(span, ErrorCodeInvalidToken)
		return nil, newError(ErrInvalidToken, "", err)
	}

	ac, ok := claims.(*token.AccessClaims)
	if !ok {
		s.Logger.Debug("Access token rejected", "reason", "wrong_token_kind", "kind", claims.Kind())
		instrumentation.SetSpanError(span, ErrorCodeInvalidToken)
		return nil, ErrInvalidToken
	}

	revoked, err := s.grants.IsGrantRevoked(ctx, ac.GrantID)
	if err != nil {
		s.Logger.Error("Failed to check grant revocation", "grant_id", ac.GrantID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, newError(ErrServerError, "", err)
	}
	if revoked {
		if s.allowSecurityLog("revoked:" + ac.GrantID) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventRevokedGrantAccess,
				UserID:   ac.UserID,
				ClientID: ac.ClientID,
				Details:  map[string]any{"grant_id": ac.GrantID, "token_use": string(token.KindAccess)},
			})
		}
		instrumentation.SetSpanError(span, ErrorCodeInvalidToken)
		return nil, ErrInvalidToken
	}

	if !ac.HasScopes(requiredScopes...) {
		instrumentation.SetSpanError(span, ErrorCodeInsufficientScope)
		return nil, ErrInsufficientScope
	}

	instrumentation.AddOAuthFlowAttributes(span, ac.ClientID, ac.UserID, "")
	instrumentation.SetSpanSuccess(span)
	return ac, nil
}

// Revoke revokes the grant behind an access or refresh token (RFC 7009).
// Unknown, malformed and expired tokens succeed silently, as do tokens that
// belong to a different client than clientID, so the endpoint cannot be used
// to test whether a token is valid.
func (s *Server) Revoke(ctx context.Context, tokenString, clientID string) error {
	ctx, span := s.tracer.Start(ctx, "oauth.revoke")
	defer span.End()

	claims, err := s.codec.Decode(tokenString, s.keys)
	if err != nil {
		s.Logger.Debug("Ignoring revocation of undecodable token",
			"reason", token.Reason(err),
			"client_id", clientID)
		return nil
	}

	var grantID, ownerClientID, userID string
	switch c := claims.(type) {
	case *token.AccessClaims:
		grantID, ownerClientID, userID = c.GrantID, c.ClientID, c.UserID
	case *token.RefreshClaims:
		grantID, ownerClientID, userID = c.GrantID, c.ClientID, c.UserID
	default:
		return nil
	}

	if clientID != "" && clientID != ownerClientID {
		if s.allowSecurityLog("revoke:" + clientID) {
			s.Logger.Warn("Client tried to revoke a token issued to another client",
				"client_id", clientID,
				"owner_client_id", ownerClientID)
		}
		s.Auditor.LogAuthFailure(userID, clientID, "", "revoke_foreign_token")
		return nil
	}

	instrumentation.AddGrantAttributes(span, grantID, 0)
	if err := s.revokeGrant(ctx, grantID, userID, ownerClientID, "client_request"); err != nil {
		s.Logger.Error("Failed to revoke grant", "grant_id", grantID, "error", err)
		instrumentation.RecordError(span, err)
		return newError(ErrServerError, "", err)
	}

	instrumentation.SetSpanSuccess(span)
	return nil
}

// RevokeGrant revokes every token issued from one authorization code. It is
// idempotent.
func (s *Server) RevokeGrant(ctx context.Context, grantID string) error {
	if grantID == "" {
		return newError(ErrInvalidRequest, "grant id is required", nil)
	}
	if err := s.revokeGrant(ctx, grantID, "", "", "administrative"); err != nil {
		return newError(ErrServerError, "", err)
	}
	return nil
}
