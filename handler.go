// Package issuer exposes the authorization service over HTTP.
//
// The Handler is a thin adapter: it parses requests, authenticates clients
// and maps *server.Error values onto OAuth error responses. All protocol
// decisions are made by server.Server.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/registry"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/token"
)

const tokenTypeBearer = "Bearer"

// Endpoint paths relative to the issuer
const (
	AuthorizationPath = "/oauth/authorize"
	TokenPath         = "/oauth/token"
	IntrospectionPath = "/oauth/introspect"
	RevocationPath    = "/oauth/revoke"
	MetadataPath      = "/.well-known/oauth-authorization-server"
	JWKSPath          = "/.well-known/jwks.json"
	HealthPath        = "/healthz"
	MetricsPath       = "/metrics"
)

// Handler is a thin HTTP adapter for the authorization service.
type Handler struct {
	server  *server.Server
	config  Config
	issuer  string
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter
	router  chi.Router

	stopOnce sync.Once
}

// NewHandler creates the HTTP handler and its routes
func NewHandler(srv *server.Server, config Config) *Handler {
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		issuer: strings.TrimSuffix(srv.Config.Issuer, "/"),
		logger: config.Logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(security.RateLimitConfig{
			Rate:        config.RateLimit.Rate,
			Burst:       config.RateLimit.Burst,
			MaxEntries:  config.RateLimit.MaxEntries,
			IdleTimeout: config.RateLimit.IdleTimeout,
		}, config.Logger)
	}

	h.router = h.routes()
	return h
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.logRequest)
	r.Use(h.recordHTTPMetrics)
	r.Use(security.SecureHeaders(h.issuer))
	if len(h.config.CORS.AllowedOrigins) > 0 {
		// Echoes the matching origin rather than "*"
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.CORS.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: h.config.CORS.AllowCredentials,
			MaxAge:           h.config.CORS.MaxAge,
		}))
	}

	r.Get(HealthPath, h.ServeHealth)
	r.Get(MetricsPath, h.ServeMetrics)
	r.Get(MetadataPath, h.ServeAuthorizationServerMetadata)
	r.Get(JWKSPath, h.ServeJWKS)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.Get(AuthorizationPath, h.ServeAuthorization)
		r.Post(TokenPath, h.ServeToken)
		r.Post(IntrospectionPath, h.ServeTokenIntrospection)
		r.Post(RevocationPath, h.ServeTokenRevocation)
	})

	return r
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// LogRoutes logs every registered route
func (h *Handler) LogRoutes() error {
	return chi.Walk(h.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		h.logger.Info("Registered route", "method", method, "route", route)
		return nil
	})
}

// Close stops background work of the handler
func (h *Handler) Close() {
	h.stopOnce.Do(func() {
		if h.limiter != nil {
			stats := h.limiter.GetStats()
			h.logger.Debug("Stopping request rate limiter",
				"tracked_ips", stats.CurrentEntries,
				"overflowed_requests", stats.OverflowedRequests)
			h.limiter.Stop()
		}
	})
}

// logRequest logs one line per request: "remote > METHOD path"
func (h *Handler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Info(fmt.Sprintf("%s > %s %s", h.config.Proxy.ClientIP(r), r.Method, r.URL.Path),
			"request_id", security.GetRequestID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

// recordHTTPMetrics wraps each request in a span and records request count
// and duration
func (h *Handler) recordHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "oauth.http.request")
		defer span.End()

		startTime := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.server.Instrumentation.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, h.config.Proxy.ClientIP(r))
		}

		if metrics := h.server.Instrumentation.Metrics(); metrics != nil {
			duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
			metrics.RecordHTTPRequest(ctx, r.Method, endpoint, status, duration)
		}
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := h.config.Proxy.ClientIP(r)
		if !h.limiter.Allow(clientIP) {
			h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
			h.server.Auditor.LogRateLimitExceeded(clientIP, "")
			w.Header().Set("Retry-After", "1")
			h.writeErrorResponse(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHealth reports liveness
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ServeMetrics serves Prometheus metrics, or 404 when they are disabled
func (h *Handler) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	h.server.Instrumentation.MetricsHandler().ServeHTTP(w, r)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	methods := []string{storage.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		methods = append(methods, storage.PKCEMethodPlain)
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + AuthorizationPath,
		TokenEndpoint:                     h.issuer + TokenPath,
		JWKSURI:                           h.issuer + JWKSPath,
		ScopesSupported:                   h.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     methods,
		RevocationEndpoint:                h.issuer + RevocationPath,
		IntrospectionEndpoint:             h.issuer + IntrospectionPath,
	})
}

// ServeJWKS serves the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.server.Keys().PublicJWKS())
}

// ServeAuthorization handles the authorization endpoint. Unknown clients and
// unregistered redirect URIs are reported to the user agent directly; every
// other failure is sent back to the client's redirect URI.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if clientID == "" {
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}
	if redirectURI == "" {
		instrumentation.SetSpanError(span, "redirect_uri missing")
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, q.Get("code_challenge_method")),
	)

	if responseType := q.Get("response_type"); responseType != "code" {
		instrumentation.SetSpanError(span, "unsupported response_type")
		if h.isRegisteredRedirect(ctx, clientID, redirectURI) {
			h.redirectWithError(w, r, redirectURI, state, ErrorCodeUnsupportedResponseType, "response_type must be code")
			return
		}
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "response_type must be code", http.StatusBadRequest)
		return
	}

	var userID string
	if h.config.UserResolver != nil {
		id, err := h.config.UserResolver(r)
		if err != nil {
			h.logger.Debug("User is not authenticated", "client_id", clientID, "error", err)
		} else {
			userID = id
		}
	}

	code, err := h.server.Authorize(ctx, server.AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		UserID:              userID,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		instrumentation.RecordError(span, err)

		var oauthErr *server.Error
		if !errors.As(err, &oauthErr) {
			oauthErr = server.ErrServerError
		}

		switch {
		case errors.Is(err, server.ErrInvalidClient), errors.Is(err, server.ErrInvalidRedirectURI):
			// Never redirect to an unverified URI
			h.writeErrorResponse(w, oauthErr.Code, oauthErr.Description, http.StatusBadRequest)
		case errors.Is(err, server.ErrServerError):
			h.writeError(w, oauthErr)
		default:
			h.redirectWithError(w, r, redirectURI, state, oauthErr.Code, oauthErr.Description)
		}
		return
	}

	instrumentation.SetSpanSuccess(span)

	params := url.Values{"code": {code}}
	if state != "" {
		params.Set("state", state)
	}
	h.redirect(w, r, redirectURI, params)
}

func (h *Handler) isRegisteredRedirect(ctx context.Context, clientID, redirectURI string) bool {
	client, err := h.server.Registry().Resolve(ctx, clientID)
	return err == nil && registry.ValidateRedirectURI(client, redirectURI)
}

func (h *Handler) redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	h.redirect(w, r, redirectURI, params)
}

// redirect merges params into the redirect URI's existing query
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, redirectURI string, params url.Values) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "redirect_uri is malformed", http.StatusBadRequest)
		return
	}

	query := u.Query()
	for k, v := range params {
		query[k] = v
	}
	u.RawQuery = query.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	case "":
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest)
	default:
		h.writeErrorResponse(w, server.ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %s not supported", util.SafeTruncate(grantType, 64)), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_exchange")
	defer span.End()

	code := r.PostFormValue("code")
	if code == "" {
		instrumentation.SetSpanError(span, "code missing")
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	tok, scopes, err := h.server.ExchangeCode(ctx, code, client.ClientID, r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	if err != nil {
		h.logger.Debug("Failed to exchange authorization code", "client_id", client.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, scopes)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_refresh")
	defer span.End()

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	tok, scopes, err := h.server.Refresh(ctx, refreshToken, client.ClientID, r.PostFormValue("scope"))
	if err != nil {
		h.logger.Debug("Failed to refresh token", "client_id", client.ClientID, "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn, scopes)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, accessToken, refreshToken string, expiresIn int64, scopes []string) {
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: refreshToken,
		Scope:        util.JoinScope(scopes),
	})
}

// authenticateClient validates client credentials from either Basic Auth or
// form parameters (RFC 6749 section 2.3.1). Public clients identify
// themselves with client_id alone.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID, secret, ok := parseBasicAuth(r)
	if !ok {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}

	if clientID == "" {
		return nil, &server.Error{
			Code:        server.ErrorCodeInvalidRequest,
			Description: "client_id is required",
			Status:      http.StatusBadRequest,
		}
	}

	client, err := h.server.Registry().Authenticate(ctx, clientID, secret)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidCredentials) {
			clientIP := h.config.Proxy.ClientIP(r)
			h.logger.Warn("Client authentication failed", "client_id", util.SafeTruncate(clientID, 64), "ip", clientIP)
			h.server.Auditor.LogAuthFailure("", clientID, clientIP, "client_authentication_failed")
			return nil, server.ErrInvalidClient
		}
		h.logger.Error("Client lookup failed", "client_id", clientID, "error", err)
		return nil, server.ErrServerError
	}
	return client, nil
}

// parseBasicAuth reads client credentials from the Authorization header.
// Both parts are form-urlencoded before being base64 encoded.
func parseBasicAuth(r *http.Request) (clientID, secret string, ok bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if decoded, err := url.QueryUnescape(user); err == nil {
		user = decoded
	}
	if decoded, err := url.QueryUnescape(pass); err == nil {
		pass = decoded
	}
	return user, pass, true
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Callers must authenticate as a registered client.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.introspection")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if _, err := h.authenticateClient(ctx, r); err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	raw := r.PostFormValue("token")
	if raw == "" {
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	claims, err := h.server.Introspect(ctx, raw)
	if err != nil {
		h.logger.Debug("Token introspection failed", "error", err)
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	instrumentation.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active:    true,
		Scope:     util.JoinScope(claims.Scopes),
		ClientID:  claims.ClientID,
		Subject:   claims.UserID,
		TokenType: tokenTypeBearer,
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
		Issuer:    h.issuer,
		JTI:       claims.ID,
	})
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_revocation")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	raw := r.PostFormValue("token")
	if raw == "" {
		h.writeErrorResponse(w, server.ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.server.Revoke(ctx, raw, client.ClientID); err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

type contextKey string

const claimsKey contextKey = "access_claims"

// ClaimsFromContext returns the access token claims stored by RequireToken
func ClaimsFromContext(ctx context.Context) (*token.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.AccessClaims)
	return claims, ok
}

// ContextWithClaims returns a context carrying access token claims
func ContextWithClaims(ctx context.Context, claims *token.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// RequireToken returns middleware for resource endpoints. It validates the
// bearer token, checks the required scopes and stores the claims in the
// request context.
func (h *Handler) RequireToken(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				h.writeErrorResponse(w, server.ErrorCodeInvalidToken, "Missing bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := h.server.Introspect(r.Context(), raw, requiredScopes...)
			if err != nil {
				h.writeError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	scheme, value, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, tokenTypeBearer) {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
