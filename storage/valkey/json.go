package valkey

import (
	"time"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

// ============================================================
// JSON Serialization Helpers
// ============================================================

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	GrantID             string `json:"grant_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		RedirectURI:         code.RedirectURI,
		Scope:               util.JoinScope(code.Scopes),
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		GrantID:             code.GrantID,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scopes:              util.SplitScope(j.Scope),
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		GrantID:             j.GrantID,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// refreshTokenJSON is the JSON representation of a refresh token record
type refreshTokenJSON struct {
	ID         string `json:"id"`
	GrantID    string `json:"grant_id"`
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Used       bool   `json:"used"`
}

func toRefreshTokenJSON(r *storage.RefreshTokenRecord) *refreshTokenJSON {
	return &refreshTokenJSON{
		ID:         r.ID,
		GrantID:    r.GrantID,
		ClientID:   r.ClientID,
		UserID:     r.UserID,
		Scope:      util.JoinScope(r.Scopes),
		Generation: r.Generation,
		IssuedAt:   r.IssuedAt.Unix(),
		ExpiresAt:  r.ExpiresAt.Unix(),
		Used:       r.Used,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.RefreshTokenRecord{
		ID:         j.ID,
		GrantID:    j.GrantID,
		ClientID:   j.ClientID,
		UserID:     j.UserID,
		Scopes:     util.SplitScope(j.Scope),
		Generation: j.Generation,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
		Used:       j.Used,
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	Scopes           []string `json:"scopes,omitempty"`
	SigningKeyID     string   `json:"signing_key_id,omitempty"`
	Disabled         bool     `json:"disabled,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		Scopes:           client.Scopes,
		SigningKeyID:     client.SigningKeyID,
		Disabled:         client.Disabled,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		SigningKeyID:     j.SigningKeyID,
		Disabled:         j.Disabled,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}
