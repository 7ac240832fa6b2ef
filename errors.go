package issuer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-issuer/server"
)

// Error codes used only by the HTTP layer
const (
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// writeError writes err as an OAuth error response. Errors that are not a
// *server.Error become server_error without exposing their text.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *server.Error
	if !errors.As(err, &oauthErr) {
		oauthErr = server.ErrServerError
	}
	h.writeErrorResponse(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeErrorResponse(w http.ResponseWriter, code, description string, status int) {
	// RFC 6749 section 5.2 and RFC 6750 section 3
	switch {
	case status == http.StatusUnauthorized && code == server.ErrorCodeInvalidClient:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, quoteHeaderValue(h.issuer)))
	case status == http.StatusUnauthorized, code == server.ErrorCodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", formatBearerChallenge(h.issuer, code, description))
	}

	writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatBearerChallenge formats a WWW-Authenticate value per RFC 6750
func formatBearerChallenge(realm, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteHeaderValue(realm))}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteHeaderValue(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteHeaderValue escapes a quoted-string; backslashes first, then quotes
func quoteHeaderValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
