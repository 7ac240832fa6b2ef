package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

func TestApplySecureDefaults(t *testing.T) {
	tests := []struct {
		name           string
		input          *Config
		wantCodeTTL    time.Duration
		wantAccessTTL  time.Duration
		wantRefreshTTL time.Duration
		wantClockGrace time.Duration
	}{
		{
			name:           "all zeros should get defaults",
			input:          &Config{},
			wantCodeTTL:    storage.DefaultAuthorizationCodeTTL,
			wantAccessTTL:  DefaultAccessTokenTTL,
			wantRefreshTTL: DefaultRefreshTokenTTL,
			wantClockGrace: security.DefaultClockSkewGracePeriod,
		},
		{
			name: "custom values are preserved",
			input: &Config{
				AuthorizationCodeTTL: 5 * time.Minute,
				AccessTokenTTL:       15 * time.Minute,
				RefreshTokenTTL:      24 * time.Hour,
				ClockSkewGracePeriod: time.Second,
			},
			wantCodeTTL:    5 * time.Minute,
			wantAccessTTL:  15 * time.Minute,
			wantRefreshTTL: 24 * time.Hour,
			wantClockGrace: time.Second,
		},
		{
			name: "negative TTLs fall back to defaults",
			input: &Config{
				AuthorizationCodeTTL: -1,
				AccessTokenTTL:       -1,
				RefreshTokenTTL:      -1,
			},
			wantCodeTTL:    storage.DefaultAuthorizationCodeTTL,
			wantAccessTTL:  DefaultAccessTokenTTL,
			wantRefreshTTL: DefaultRefreshTokenTTL,
			wantClockGrace: security.DefaultClockSkewGracePeriod,
		},
		{
			name:           "negative grace period means strict expiry",
			input:          &Config{ClockSkewGracePeriod: NoClockSkewGrace},
			wantCodeTTL:    storage.DefaultAuthorizationCodeTTL,
			wantAccessTTL:  DefaultAccessTokenTTL,
			wantRefreshTTL: DefaultRefreshTokenTTL,
			wantClockGrace: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applySecureDefaults(tt.input, slog.Default())

			if got.AuthorizationCodeTTL != tt.wantCodeTTL {
				t.Errorf("AuthorizationCodeTTL = %v, want %v", got.AuthorizationCodeTTL, tt.wantCodeTTL)
			}
			if got.AccessTokenTTL != tt.wantAccessTTL {
				t.Errorf("AccessTokenTTL = %v, want %v", got.AccessTokenTTL, tt.wantAccessTTL)
			}
			if got.RefreshTokenTTL != tt.wantRefreshTTL {
				t.Errorf("RefreshTokenTTL = %v, want %v", got.RefreshTokenTTL, tt.wantRefreshTTL)
			}
			if got.ClockSkewGracePeriod != tt.wantClockGrace {
				t.Errorf("ClockSkewGracePeriod = %v, want %v", got.ClockSkewGracePeriod, tt.wantClockGrace)
			}
			if got.Clock == nil {
				t.Error("Clock should default to time.Now")
			}
		})
	}
}

func TestApplySecureDefaults_SecureByDefault(t *testing.T) {
	config := applySecureDefaults(&Config{}, slog.Default())

	if config.DisableRefreshTokenRotation {
		t.Error("refresh token rotation should be on by default")
	}
	if config.AllowPKCEPlain {
		t.Error("plain PKCE should be rejected by default")
	}
	if config.AllowMissingPKCE {
		t.Error("PKCE should be required by default")
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name         string
		config       *Config
		wantWarnings []string
	}{
		{
			name:   "secure config logs nothing",
			config: &Config{},
		},
		{
			name:         "plain PKCE",
			config:       &Config{AllowPKCEPlain: true},
			wantWarnings: []string{"Plain PKCE method is ALLOWED"},
		},
		{
			name:         "optional PKCE",
			config:       &Config{AllowMissingPKCE: true},
			wantWarnings: []string{"PKCE is OPTIONAL"},
		},
		{
			name:         "rotation disabled",
			config:       &Config{DisableRefreshTokenRotation: true},
			wantWarnings: []string{"rotation is DISABLED"},
		},
		{
			name:         "long lifetimes",
			config:       &Config{AccessTokenTTL: 48 * time.Hour, AuthorizationCodeTTL: time.Hour},
			wantWarnings: []string{"Access token lifetime", "Authorization code lifetime"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			applySecureDefaults(tt.config, logger)
			output := buf.String()

			if len(tt.wantWarnings) == 0 && output != "" {
				t.Errorf("expected no warnings, got:\n%s", output)
			}
			for _, want := range tt.wantWarnings {
				if !strings.Contains(output, want) {
					t.Errorf("expected warning %q, got:\n%s", want, output)
				}
			}
		})
	}
}
