package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/giantswarm/oauth-issuer/storage"
)

// RFC 7636 length bounds. A code_challenge has the same shape as a
// code_verifier (plain) or is exactly 43 characters (S256).
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	s256ChallengeLength   = 43
)

// isPKCEChar reports whether ch is in [A-Za-z0-9-._~]
func isPKCEChar(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}

func validPKCEString(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	for _, ch := range s {
		if !isPKCEChar(ch) {
			return false
		}
	}
	return true
}

// normalizePKCE validates the PKCE parameters of an authorization request and
// returns the method to store. An empty challenge is only accepted when the
// configuration and client type permit it.
//
// An S256 challenge is the unpadded base64url encoding of a SHA-256 digest
// (RFC 7636 section 4.2), so it is always exactly 43 characters. A shorter
// value such as "abc" can never match any verifier, so it is refused here
// with invalid_request instead of producing a code nobody can redeem.
func (s *Server) normalizePKCE(client *storage.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("code_challenge_method without code_challenge")
		}
		if client.IsPublic() || !s.Config.AllowMissingPKCE {
			return "", fmt.Errorf("code_challenge is required")
		}
		return "", nil
	}

	// RFC 7636 section 4.3: the default method is plain
	if method == "" {
		method = storage.PKCEMethodPlain
	}

	switch method {
	case storage.PKCEMethodS256:
		if !validPKCEString(challenge, s256ChallengeLength, s256ChallengeLength) {
			return "", fmt.Errorf("code_challenge must be a base64url SHA-256 digest")
		}
	case storage.PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return "", fmt.Errorf("code_challenge_method plain is not allowed")
		}
		if !validPKCEString(challenge, MinCodeVerifierLength, MaxCodeVerifierLength) {
			return "", fmt.Errorf("code_challenge must be 43-128 characters of [A-Za-z0-9-._~]")
		}
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	return method, nil
}

// verifyPKCE validates the code verifier against the stored challenge per RFC 7636
func (s *Server) verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier sent but no code_challenge was bound to the code")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if !validPKCEString(verifier, MinCodeVerifierLength, MaxCodeVerifierLength) {
		return fmt.Errorf("code_verifier must be 43-128 characters of [A-Za-z0-9-._~]")
	}

	var computed string
	switch method {
	case storage.PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case storage.PKCEMethodPlain:
		// Checked again in case the setting changed while the code was pending
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("code_challenge_method plain is not allowed")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
