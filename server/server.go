package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/registry"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/token"
)

// Server implements the authorization-code, refresh and introspection flows.
// It holds no per-request state; all methods are safe for concurrent use.
type Server struct {
	codec        *token.Codec
	keys         *token.Keyring
	registry     *registry.Registry
	codes        *storage.AuthorizationCodes
	flowStore    storage.FlowStore
	refreshStore storage.RefreshTokenStore
	grants       storage.GrantRevocationStore

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Instrumentation          *instrumentation.Instrumentation
	tracer                   trace.Tracer
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates the authorization service
func New(
	codec *token.Codec,
	keys *token.Keyring,
	reg *registry.Registry,
	flowStore storage.FlowStore,
	refreshStore storage.RefreshTokenStore,
	grants storage.GrantRevocationStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("keyring is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if refreshStore == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if grants == nil {
		return nil, fmt.Errorf("grant revocation store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		codec:        codec,
		keys:         keys,
		registry:     reg,
		codes:        storage.NewAuthorizationCodes(flowStore, config.AuthorizationCodeTTL, config.Clock),
		flowStore:    flowStore,
		refreshStore: refreshStore,
		grants:       grants,
		tracer:       noop.NewTracerProvider().Tracer(""),
		Logger:       logger,
		Config:       config,
	}

	// Stores decide expiry themselves, so they must share our clock
	type clockSetter interface {
		SetClock(now func() time.Time)
	}
	type graceSetter interface {
		SetClockSkewGracePeriod(grace time.Duration)
	}
	for _, store := range srv.stores() {
		if setter, ok := store.(clockSetter); ok {
			setter.SetClock(config.Clock)
		}
		if setter, ok := store.(graceSetter); ok {
			setter.SetClockSkewGracePeriod(config.ClockSkewGracePeriod)
		}
	}

	return srv, nil
}

// stores returns each distinct backing store once
func (s *Server) stores() []any {
	var out []any
	seen := make(map[any]bool, 3)
	for _, store := range []any{s.flowStore, s.refreshStore, s.grants} {
		if seen[store] {
			continue
		}
		seen[store] = true
		out = append(out, store)
	}
	return out
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	if aud != nil {
		aud.SetClock(s.Config.Clock)
		if s.Instrumentation != nil {
			aud.SetInstrumentation(s.Instrumentation)
		}
	}
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables metrics and tracing for the server and its stores
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
		return
	}
	s.tracer = inst.Tracer("server")

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	for _, store := range s.stores() {
		if setter, ok := store.(instrumentationSetter); ok {
			setter.SetInstrumentation(inst)
		}
	}
	if s.Auditor != nil {
		s.Auditor.SetInstrumentation(inst)
	}
}

// Keys returns the keyring used to sign and verify tokens
func (s *Server) Keys() *token.Keyring {
	return s.keys
}

// Registry returns the client registry
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) now() time.Time {
	return s.Config.Clock()
}

// metrics is nil-safe; every Record method tolerates a nil receiver
func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

// allowSecurityLog rate-limits noisy security logs per key
func (s *Server) allowSecurityLog(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}
