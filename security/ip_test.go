package security

import (
	"net/http/httptest"
	"testing"
)

func TestProxyConfig_ClientIP(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		cfg           ProxyConfig
		want          string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:          "X-Forwarded-For with trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			cfg:           ProxyConfig{TrustProxy: true},
			want:          "203.0.113.1",
		},
		{
			name:          "X-Forwarded-For without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			want:          "10.0.0.1",
		},
		{
			name:       "X-Real-IP with trust",
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.1",
			cfg:        ProxyConfig{TrustProxy: true},
			want:       "203.0.113.1",
		},
		{
			name:          "spoofed leftmost entry is skipped",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "6.6.6.6, 203.0.113.1, 10.0.0.2, 10.0.0.3",
			cfg:           ProxyConfig{TrustProxy: true, TrustedProxyCount: 2},
			want:          "203.0.113.1",
		},
		{
			name:          "short chain falls back to leftmost",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			cfg:           ProxyConfig{TrustProxy: true, TrustedProxyCount: 3},
			want:          "203.0.113.1",
		},
		{
			name:          "garbage header falls back to remote address",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip, 10.0.0.2",
			cfg:           ProxyConfig{TrustProxy: true},
			want:          "10.0.0.1",
		},
		{
			name:       "remote address without port",
			remoteAddr: "10.0.0.9",
			want:       "10.0.0.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := tt.cfg.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
