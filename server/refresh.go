package server

import (
	"context"
	"errors"

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

// Refresh redeems a refresh token for a new access token and returns the
// scope of that access token.
//
// scope, when non-empty, must be a subset of the original grant; the new
// access token carries exactly that subset while a rotated refresh token
// keeps the full grant. clientID is optional and must match when given.
//
// With rotation on (the default) the presented token is spent atomically and
// a new generation is returned. Presenting a spent token revokes the whole
// grant.
func (s *Server) Refresh(ctx context.Context, refreshToken, clientID, scope string) (*oauth2.Token, []string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.refresh",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, "refresh_token")))
	defer span.End()

	claims, err := s.codec.Decode(refreshToken, s.keys)
	if err != nil {
		reason := token.Reason(err)
		s.metrics().RecordTokenDecodeFailed(ctx, reason)
		s.Logger.Debug("Refresh token rejected", "reason", reason, "client_id", clientID)
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, newError(ErrInvalidGrant, "", err)
	}

	rc, ok := claims.(*token.RefreshClaims)
	if !ok {
		s.Logger.Debug("Refresh token rejected", "reason", "wrong_token_kind", "kind", claims.Kind())
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, ErrInvalidGrant
	}

	if clientID != "" && clientID != rc.ClientID {
		s.Logger.Debug("Refresh token rejected",
			"reason", "client_id_mismatch",
			"expected_client_id", rc.ClientID,
			"provided_client_id", clientID)
		s.Auditor.LogAuthFailure(rc.UserID, clientID, "", "client_id_mismatch")
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, ErrInvalidGrant
	}

	instrumentation.AddGrantAttributes(span, rc.GrantID, rc.Generation)

	revoked, err := s.grants.IsGrantRevoked(ctx, rc.GrantID)
	if err != nil {
		s.Logger.Error("Failed to check grant revocation", "grant_id", rc.GrantID, "error", err)
		instrumentation.RecordError(span, err)
		return nil, nil, newError(ErrServerError, "", err)
	}
	if revoked {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventRevokedGrantAccess,
			UserID:   rc.UserID,
			ClientID: rc.ClientID,
			Details:  map[string]any{"grant_id": rc.GrantID, "token_use": string(token.KindRefresh)},
		})
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return nil, nil, ErrInvalidGrant
	}

	// Scope checks happen before the token is spent so a bad request does
	// not cost the client its refresh token
	accessScopes := rc.Scopes
	if requested := util.SplitScope(scope); len(requested) > 0 {
		if !util.ContainsAll(rc.Scopes, requested) {
			s.Auditor.LogAuthFailure(rc.UserID, rc.ClientID, "", "scope_escalation_attempt")
			instrumentation.SetSpanError(span, ErrorCodeInvalidScope)
			return nil, nil, newError(ErrInvalidScope, "requested scope exceeds the original grant", nil)
		}
		accessScopes = requested
	}

	client, err := s.resolveClient(ctx, rc.ClientID)
	if err != nil {
		if errors.Is(err, ErrInvalidClient) {
			return nil, nil, newError(ErrInvalidGrant, "", err)
		}
		return nil, nil, err
	}

	// The client's allowed set may have shrunk since the grant was issued
	accessScopes, err = registry.NarrowScope(client, accessScopes)
	if err != nil {
		instrumentation.SetSpanError(span, ErrorCodeInvalidScope)
		return nil, nil, newError(ErrInvalidScope, "", err)
	}

	var tok *oauth2.Token
	rotated := !s.Config.DisableRefreshTokenRotation
	generation := rc.Generation

	if rotated {
		record, err := s.refreshStore.AtomicConsumeRefreshToken(ctx, rc.ID)
		if err != nil {
			return nil, nil, s.refreshLookupFailed(ctx, span, rc, record, err)
		}
		if record.GrantID != rc.GrantID || record.ClientID != rc.ClientID {
			s.Logger.Warn("Refresh token record does not match its claims", "grant_id", rc.GrantID)
			return nil, nil, ErrInvalidGrant
		}

		refreshScopes, err := registry.NarrowScope(client, record.Scopes)
		if err != nil {
			return nil, nil, newError(ErrInvalidScope, "", err)
		}

		generation = record.Generation + 1
		tok, err = s.issueTokenPair(ctx, client, record.UserID, record.GrantID, accessScopes, refreshScopes, generation)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, nil, err
		}
	} else {
		record, err := s.refreshStore.GetRefreshToken(ctx, rc.ID)
		if err != nil {
			if errors.Is(err, storage.ErrRefreshTokenUsed) {
				// Spent by a revocation, not a replay
				err = storage.ErrRefreshTokenNotFound
			}
			return nil, nil, s.refreshLookupFailed(ctx, span, rc, nil, err)
		}

		_, access, err := s.signAccessToken(ctx, client, record.UserID, record.GrantID, accessScopes)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, nil, err
		}
		tok = s.tokenResponse(access, refreshToken, accessScopes)
	}

	span.SetAttributes(attribute.Bool(instrumentation.AttrTokenRotated, rotated))
	instrumentation.AddOAuthFlowAttributes(span, rc.ClientID, rc.UserID, util.JoinScope(accessScopes))
	instrumentation.SetSpanSuccess(span)
	s.metrics().RecordTokenRefresh(ctx, rc.ClientID, rotated)
	s.Auditor.LogTokenRefreshed(rc.UserID, rc.ClientID, rc.GrantID, generation, rotated)

	return tok, accessScopes, nil
}

// refreshLookupFailed maps a refresh store failure to a protocol error and
// handles replays of spent tokens
func (s *Server) refreshLookupFailed(ctx context.Context, span trace.Span, rc *token.RefreshClaims, record *storage.RefreshTokenRecord, err error) error {
	switch {
	case errors.Is(err, storage.ErrRefreshTokenUsed):
		span.SetAttributes(attribute.Bool(instrumentation.AttrTokenReuse, true))
		instrumentation.SetSpanError(span, "refresh_token_reuse")
		s.metrics().RecordTokenReuseDetected(ctx)

		userID := rc.UserID
		if record != nil {
			userID = record.UserID
		}
		if s.allowSecurityLog(userID + ":" + rc.ClientID) {
			s.Logger.Error("Refresh token reuse detected - revoking grant",
				"user_id", userID,
				"client_id", rc.ClientID,
				"grant_id", rc.GrantID,
				"generation", rc.Generation)
		}
		s.Auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected, userID, rc.ClientID, rc.GrantID)

		if rerr := s.revokeGrant(ctx, rc.GrantID, userID, rc.ClientID, "refresh_token_reuse"); rerr != nil {
			s.Logger.Error("Failed to revoke grant after refresh token reuse", "grant_id", rc.GrantID, "error", rerr)
		}
		return ErrInvalidGrant

	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		s.Logger.Debug("Refresh token rejected", "reason", "unknown_or_expired", "grant_id", rc.GrantID)
		instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
		return newError(ErrInvalidGrant, "", err)

	default:
		s.Logger.Error("Failed to look up refresh token", "grant_id", rc.GrantID, "error", err)
		instrumentation.RecordError(span, err)
		return newError(ErrServerError, "", err)
	}
}
