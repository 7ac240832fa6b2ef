package security

import (
	"net/http"
	"strings"
)

// SecureHeaders returns middleware that hardens every response.
// HSTS is only sent when issuer is an https URL.
func SecureHeaders(issuer string) func(http.Handler) http.Handler {
	hsts := strings.HasPrefix(strings.ToLower(issuer), "https://")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// Token responses must never be cached
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")

			next.ServeHTTP(w, r)
		})
	}
}
