package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/registry"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/token"
)

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	reg, err := registry.New(store, registry.Config{})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	key, err := token.GenerateEd25519Key("k1")
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}
	keys, err := token.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	codec := token.New(token.Config{Issuer: testIssuer})

	srv, err := New(codec, keys, reg, store, store, store, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if srv.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
	if srv.Config.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %v, want %v", srv.Config.AccessTokenTTL, DefaultAccessTokenTTL)
	}
	if srv.Keys() != keys {
		t.Error("Keys() should return the configured keyring")
	}
	if srv.Registry() != reg {
		t.Error("Registry() should return the configured registry")
	}
	if len(srv.stores()) != 1 {
		t.Errorf("stores() = %d entries, want 1 for a shared backend", len(srv.stores()))
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	reg, _ := registry.New(store, registry.Config{})
	key, _ := token.GenerateEd25519Key("k1")
	keys, _ := token.NewKeyring(key)
	codec := token.New(token.Config{})

	tests := []struct {
		name string
		new  func() (*Server, error)
	}{
		{"codec", func() (*Server, error) { return New(nil, keys, reg, store, store, store, nil, nil) }},
		{"keyring", func() (*Server, error) { return New(codec, nil, reg, store, store, store, nil, nil) }},
		{"registry", func() (*Server, error) { return New(codec, keys, nil, store, store, store, nil, nil) }},
		{"flow store", func() (*Server, error) { return New(codec, keys, reg, nil, store, store, nil, nil) }},
		{"refresh store", func() (*Server, error) { return New(codec, keys, reg, store, nil, store, nil, nil) }},
		{"grant store", func() (*Server, error) { return New(codec, keys, reg, store, store, nil, nil, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := tt.new()
			if err == nil {
				t.Fatal("expected error for missing dependency")
			}
			if srv != nil {
				t.Error("no server may be returned on error")
			}
			if !strings.Contains(err.Error(), "required") {
				t.Errorf("error = %q, want it to name the missing dependency", err)
			}
		})
	}
}

func TestNew_StoresFollowServerClock(t *testing.T) {
	env := newTestEnv(t)

	// The store decides code expiry; it must use the mock clock, not wall time
	code, verifier := env.authorize(t, "read")
	env.clock.Advance(time.Hour)

	_, _, err := env.srv.ExchangeCode(context.Background(), code, testutil.TestClientID, testutil.TestRedirectURI, verifier)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("ExchangeCode() after an hour error = %v, want ErrInvalidGrant", err)
	}
}

func TestSetInstrumentation(t *testing.T) {
	env := newTestEnv(t)

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         true,
		MetricsExporter: instrumentation.ExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var logBuf bytes.Buffer
	env.srv.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&logBuf, nil)), true))
	env.srv.SetInstrumentation(inst)

	code, verifier := env.authorize(t, "read")
	ctx := context.Background()
	if _, _, err := env.srv.ExchangeCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI, verifier); err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if _, _, err := env.srv.ExchangeCode(ctx, code, testutil.TestClientID, testutil.TestRedirectURI, verifier); err == nil {
		t.Fatal("replayed code must fail")
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, name := range []string{"oauth_code_issued", "oauth_code_exchanged", "oauth_code_reuse_detected", "oauth_audit_events"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output does not contain %s", name)
		}
	}

	logs := logBuf.String()
	for _, event := range []string{security.EventAuthorizationCodeIssued, security.EventTokenIssued, security.EventAuthorizationCodeReuseDetected, security.EventTokenRevoked} {
		if !strings.Contains(logs, event) {
			t.Errorf("audit log does not contain %s", event)
		}
	}
	if strings.Contains(logs, testutil.TestUserID) {
		t.Error("audit log must not contain the raw user ID")
	}
}

func TestSetInstrumentation_Nil(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetInstrumentation(nil)

	// Flows must keep working with the noop tracer
	env.issue(t, "read")
}

func TestAllowSecurityLog(t *testing.T) {
	env := newTestEnv(t)

	if !env.srv.allowSecurityLog("key") {
		t.Error("without a rate limiter every log must be allowed")
	}

	rl := security.NewRateLimiter(security.RateLimitConfig{Rate: 1, Burst: 1}, nil)
	defer rl.Stop()
	env.srv.SetSecurityEventRateLimiter(rl)

	if !env.srv.allowSecurityLog("key") {
		t.Error("first log must be allowed")
	}
	if env.srv.allowSecurityLog("key") {
		t.Error("second log within the burst window must be suppressed")
	}
	if !env.srv.allowSecurityLog("other") {
		t.Error("a different key has its own budget")
	}
}
