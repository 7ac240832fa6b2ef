package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names
const (
	backendMemory   = "memory"
	backendValkey   = "valkey"
	backendPostgres = "postgres"
)

// Key types
const (
	keyTypeEd25519 = "ed25519"
	keyTypeHMAC    = "hmac"
)

// fileConfig is the on-disk configuration of the binary
type fileConfig struct {
	Server struct {
		Addr               string        `yaml:"addr"`
		Issuer             string        `yaml:"issuer"`
		UserHeader         string        `yaml:"user_header"`
		SupportedScopes    []string      `yaml:"supported_scopes"`
		CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
		TrustProxy         bool          `yaml:"trust_proxy"`
		TrustedProxyCount  int           `yaml:"trusted_proxy_count"`
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Tokens struct {
		CodeTTL                time.Duration `yaml:"code_ttl"`
		AccessTTL              time.Duration `yaml:"access_ttl"`
		RefreshTTL             time.Duration `yaml:"refresh_ttl"`
		ClockSkew              time.Duration `yaml:"clock_skew"`
		DisableRefreshRotation bool          `yaml:"disable_refresh_rotation"`
		AllowPKCEPlain         bool          `yaml:"allow_pkce_plain"`
		AllowMissingPKCE       bool          `yaml:"allow_missing_pkce"`
	} `yaml:"tokens"`

	// Keys are the signing keys. The first active key (or the first key)
	// signs new tokens; the rest only verify.
	Keys []keyConfig `yaml:"keys"`

	Storage struct {
		Backend string       `yaml:"backend"`
		Valkey  valkeyConfig `yaml:"valkey"`
	} `yaml:"storage"`

	Clients struct {
		Backend  string        `yaml:"backend"`
		DSN      string        `yaml:"dsn"`
		File     string        `yaml:"file"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"clients"`

	Instrumentation struct {
		Enabled         bool   `yaml:"enabled"`
		MetricsExporter string `yaml:"metrics_exporter"`
		TracesExporter  string `yaml:"traces_exporter"`
		LogClientIPs    bool   `yaml:"log_client_ips"`
	} `yaml:"instrumentation"`

	RateLimit struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Audit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"audit"`
}

type keyConfig struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Secret string `yaml:"secret"` // base64 HMAC secret or Ed25519 seed
	Active bool   `yaml:"active"`
}

type valkeyConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// loadConfig reads the YAML file at path (optional), overlays the
// environment and fills defaults.
func loadConfig(path string) (*fileConfig, error) {
	var c fileConfig
	// Audit logging is on unless the file turns it off
	c.Audit.Enabled = true

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *fileConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Issuer == "" {
		c.Server.Issuer = "http://localhost:8080"
	}
	if c.Server.UserHeader == "" {
		c.Server.UserHeader = "X-Authenticated-User"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = backendMemory
	}
	if c.Clients.Backend == "" {
		c.Clients.Backend = c.Storage.Backend
	}
	if c.Instrumentation.MetricsExporter == "" {
		c.Instrumentation.MetricsExporter = "prometheus"
	}
	if c.Instrumentation.TracesExporter == "" {
		c.Instrumentation.TracesExporter = "none"
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.Rate) * 2
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
}

func (c *fileConfig) validate() error {
	switch c.Storage.Backend {
	case backendMemory, backendValkey:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	switch c.Clients.Backend {
	case backendMemory, backendValkey, backendPostgres:
	default:
		return fmt.Errorf("unsupported clients backend %q", c.Clients.Backend)
	}
	if c.Clients.Backend == backendPostgres && c.Clients.DSN == "" {
		return fmt.Errorf("clients.dsn is required for the postgres backend")
	}
	if (c.Storage.Backend == backendValkey || c.Clients.Backend == backendValkey) && c.Storage.Valkey.Addr == "" {
		return fmt.Errorf("storage.valkey.addr is required for the valkey backend")
	}
	if len(c.Keys) == 0 {
		return fmt.Errorf("at least one signing key is required (see the keygen command)")
	}
	for _, k := range c.Keys {
		if k.ID == "" {
			return fmt.Errorf("signing key without id")
		}
		if k.Type != keyTypeEd25519 && k.Type != keyTypeHMAC {
			return fmt.Errorf("signing key %q: unsupported type %q", k.ID, k.Type)
		}
		if k.Secret == "" {
			return fmt.Errorf("signing key %q: secret is required", k.ID)
		}
	}
	return nil
}

// applyEnvOverrides lets OAUTH_* variables override file values
func (c *fileConfig) applyEnvOverrides() {
	if v, ok := getEnvStr("OAUTH_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("OAUTH_ISSUER"); ok {
		c.Server.Issuer = v
	}
	if v, ok := getEnvStr("OAUTH_USER_HEADER"); ok {
		c.Server.UserHeader = v
	}
	if v, ok := getEnvCSV("OAUTH_SUPPORTED_SCOPES"); ok {
		c.Server.SupportedScopes = v
	}
	if v, ok := getEnvCSV("OAUTH_CORS_ALLOWED_ORIGINS"); ok {
		c.Server.CORSAllowedOrigins = v
	}
	if v, ok := getEnvBool("OAUTH_TRUST_PROXY"); ok {
		c.Server.TrustProxy = v
	}
	if v, ok := getEnvInt("OAUTH_TRUSTED_PROXY_COUNT"); ok {
		c.Server.TrustedProxyCount = v
	}
	if v, ok := getEnvDur("OAUTH_SHUTDOWN_TIMEOUT"); ok {
		c.Server.ShutdownTimeout = v
	}

	if v, ok := getEnvDur("OAUTH_CODE_TTL"); ok {
		c.Tokens.CodeTTL = v
	}
	if v, ok := getEnvDur("OAUTH_ACCESS_TTL"); ok {
		c.Tokens.AccessTTL = v
	}
	if v, ok := getEnvDur("OAUTH_REFRESH_TTL"); ok {
		c.Tokens.RefreshTTL = v
	}
	if v, ok := getEnvDur("OAUTH_CLOCK_SKEW"); ok {
		c.Tokens.ClockSkew = v
	}
	if v, ok := getEnvBool("OAUTH_DISABLE_REFRESH_ROTATION"); ok {
		c.Tokens.DisableRefreshRotation = v
	}
	if v, ok := getEnvBool("OAUTH_ALLOW_PKCE_PLAIN"); ok {
		c.Tokens.AllowPKCEPlain = v
	}
	if v, ok := getEnvBool("OAUTH_ALLOW_MISSING_PKCE"); ok {
		c.Tokens.AllowMissingPKCE = v
	}

	// A single key from the environment replaces the configured set
	if secret, ok := getEnvStr("OAUTH_SIGNING_KEY"); ok {
		k := keyConfig{ID: "default", Type: keyTypeEd25519, Secret: secret, Active: true}
		if v, ok := getEnvStr("OAUTH_SIGNING_KEY_ID"); ok {
			k.ID = v
		}
		if v, ok := getEnvStr("OAUTH_SIGNING_KEY_TYPE"); ok {
			k.Type = strings.ToLower(v)
		}
		c.Keys = []keyConfig{k}
	}

	if v, ok := getEnvStr("OAUTH_STORAGE_BACKEND"); ok {
		c.Storage.Backend = v
	}
	if v, ok := getEnvStr("OAUTH_VALKEY_ADDR"); ok {
		c.Storage.Valkey.Addr = v
	}
	if v, ok := getEnvStr("OAUTH_VALKEY_PASSWORD"); ok {
		c.Storage.Valkey.Password = v
	}
	if v, ok := getEnvInt("OAUTH_VALKEY_DB"); ok {
		c.Storage.Valkey.DB = v
	}
	if v, ok := getEnvStr("OAUTH_VALKEY_PREFIX"); ok {
		c.Storage.Valkey.Prefix = v
	}

	if v, ok := getEnvStr("OAUTH_CLIENTS_BACKEND"); ok {
		c.Clients.Backend = v
	}
	if v, ok := getEnvStr("OAUTH_CLIENTS_DSN"); ok {
		c.Clients.DSN = v
	}
	if v, ok := getEnvStr("OAUTH_CLIENTS_FILE"); ok {
		c.Clients.File = v
	}
	if v, ok := getEnvDur("OAUTH_CLIENTS_CACHE_TTL"); ok {
		c.Clients.CacheTTL = v
	}

	if v, ok := getEnvBool("OAUTH_INSTRUMENTATION_ENABLED"); ok {
		c.Instrumentation.Enabled = v
	}
	if v, ok := getEnvStr("OAUTH_METRICS_EXPORTER"); ok {
		c.Instrumentation.MetricsExporter = v
	}
	if v, ok := getEnvStr("OAUTH_TRACES_EXPORTER"); ok {
		c.Instrumentation.TracesExporter = v
	}

	if v, ok := getEnvFloat("OAUTH_RATE_LIMIT"); ok {
		c.RateLimit.Rate = v
	}
	if v, ok := getEnvInt("OAUTH_RATE_LIMIT_BURST"); ok {
		c.RateLimit.Burst = v
	}
	if v, ok := getEnvBool("OAUTH_AUDIT_ENABLED"); ok {
		c.Audit.Enabled = v
	}
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}
