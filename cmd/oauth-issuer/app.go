package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	issuer "github.com/giantswarm/oauth-issuer"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/registry"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/storage/postgres"
	"github.com/giantswarm/oauth-issuer/storage/valkey"
	"github.com/giantswarm/oauth-issuer/token"
)

// app owns every long-lived component of a running issuer
type app struct {
	logger  *slog.Logger
	config  *fileConfig
	inst    *instrumentation.Instrumentation
	server  *server.Server
	handler *issuer.Handler

	// closers run in reverse order on shutdown
	closers []func()
}

// flowStores is what the server needs from its shared store
type flowStores interface {
	storage.FlowStore
	storage.RefreshTokenStore
	storage.GrantRevocationStore
}

func newApp(ctx context.Context, cfg *fileConfig, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger, config: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	now := time.Now

	keys, err := buildKeyring(cfg.Keys)
	if err != nil {
		return nil, err
	}
	codec := token.New(token.Config{
		Issuer: cfg.Server.Issuer,
		Leeway: max(cfg.Tokens.ClockSkew, 0),
		Now:    now,
	})

	var valkeyStore *valkey.Store
	if cfg.Storage.Backend == backendValkey || cfg.Clients.Backend == backendValkey {
		valkeyStore, err = valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Addr,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.Prefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		a.closers = append(a.closers, valkeyStore.Close)
	}

	var memoryStore *memory.Store
	if cfg.Storage.Backend == backendMemory || cfg.Clients.Backend == backendMemory {
		memoryStore = memory.New()
		memoryStore.SetLogger(logger)
		a.closers = append(a.closers, memoryStore.Stop)
	}

	var flows flowStores
	switch cfg.Storage.Backend {
	case backendValkey:
		flows = valkeyStore
	default:
		flows = memoryStore
	}

	var clients storage.ClientStore
	switch cfg.Clients.Backend {
	case backendPostgres:
		pg, err := postgres.New(ctx, cfg.Clients.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		clients = pg
	case backendValkey:
		clients = valkeyStore
	default:
		clients = memoryStore
	}

	reg, err := registry.New(clients, registry.Config{
		CacheTTL: cfg.Clients.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Clients.File != "" {
		static, err := registry.LoadClientsFile(cfg.Clients.File)
		if err != nil {
			return nil, err
		}
		if err := reg.Seed(ctx, static); err != nil {
			return nil, err
		}
	}

	srv, err := server.New(codec, keys, reg, flows, flows, flows, &server.Config{
		Issuer:                      cfg.Server.Issuer,
		AuthorizationCodeTTL:        cfg.Tokens.CodeTTL,
		AccessTokenTTL:              cfg.Tokens.AccessTTL,
		RefreshTokenTTL:             cfg.Tokens.RefreshTTL,
		ClockSkewGracePeriod:        cfg.Tokens.ClockSkew,
		DisableRefreshTokenRotation: cfg.Tokens.DisableRefreshRotation,
		AllowPKCEPlain:              cfg.Tokens.AllowPKCEPlain,
		AllowMissingPKCE:            cfg.Tokens.AllowMissingPKCE,
		Clock:                       now,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.server = srv

	srv.SetAuditor(security.NewAuditor(logger, cfg.Audit.Enabled))

	// Repeated security warnings are logged at most a few times per key
	securityLogLimiter := security.NewRateLimiter(security.RateLimitConfig{Rate: 1, Burst: 5}, logger)
	a.closers = append(a.closers, securityLogLimiter.Stop)
	srv.SetSecurityEventRateLimiter(securityLogLimiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "oauth-issuer",
		ServiceVersion:  Version,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
		TracesExporter:  cfg.Instrumentation.TracesExporter,
		LogClientIPs:    cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.inst = inst
	srv.SetInstrumentation(inst)
	otel.SetTracerProvider(inst.TracerProvider())
	otel.SetMeterProvider(inst.MeterProvider())

	a.handler = issuer.NewHandler(srv, issuer.Config{
		UserResolver:    issuer.HeaderUserResolver(cfg.Server.UserHeader),
		SupportedScopes: cfg.Server.SupportedScopes,
		CORS: issuer.CORSConfig{
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		},
		RateLimit: issuer.RateLimitConfig{
			Rate:  cfg.RateLimit.Rate,
			Burst: cfg.RateLimit.Burst,
		},
		Proxy: security.ProxyConfig{
			TrustProxy:        cfg.Server.TrustProxy,
			TrustedProxyCount: cfg.Server.TrustedProxyCount,
		},
		Logger: logger,
	})
	a.closers = append(a.closers, a.handler.Close)

	return a, nil
}

// buildKeyring decodes the configured keys. The first key marked active signs.
func buildKeyring(configs []keyConfig) (*token.Keyring, error) {
	var (
		active *token.Key
		others []*token.Key
	)
	for _, kc := range configs {
		secret, err := base64.StdEncoding.DecodeString(kc.Secret)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: secret is not valid base64: %w", kc.ID, err)
		}

		var key *token.Key
		switch kc.Type {
		case keyTypeHMAC:
			key, err = token.NewHMACKey(kc.ID, secret)
		case keyTypeEd25519:
			key, err = token.NewEd25519KeyFromSeed(kc.ID, secret)
		default:
			err = fmt.Errorf("unsupported type %q", kc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", kc.ID, err)
		}

		if kc.Active && active == nil {
			active = key
		} else {
			others = append(others, key)
		}
	}
	if active == nil {
		if len(others) == 0 {
			return nil, fmt.Errorf("no signing keys configured")
		}
		active, others = others[0], others[1:]
	}
	return token.NewKeyring(active, others...)
}

// run serves until ctx is cancelled or SIGINT/SIGTERM arrives
func (a *app) run(ctx context.Context) error {
	if err := a.handler.LogRoutes(); err != nil {
		a.logger.Warn("Failed to list routes", "error", err)
	}

	httpServer := &http.Server{
		Addr:              a.config.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Authorization server listening",
			"addr", a.config.Server.Addr,
			"issuer", a.config.Server.Issuer)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if a.inst != nil {
		if err := a.inst.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Failed to flush instrumentation", "error", err)
		}
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
