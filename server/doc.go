// Package server implements the authorization service: issuing
// authorization codes bound to a PKCE challenge, exchanging them for signed
// access and refresh tokens, refreshing with rotation and reuse detection,
// and validating access tokens on resource requests.
//
// The Server coordinates a token.Codec and token.Keyring for signing, a
// registry.Registry for client lookups and storage backends for codes,
// refresh tokens and revoked grants. It does not speak HTTP; the root
// package maps its errors onto responses.
//
// Every failure is a *Error that matches one of the sentinels (ErrInvalidGrant,
// ErrInvalidToken, ...) under errors.Is. Code and refresh-token failures are
// deliberately undifferentiated towards the caller.
//
// Example usage:
//
//	store := memory.New()
//	reg, _ := registry.New(store, registry.Config{})
//	key, _ := token.GenerateEd25519Key("k1")
//	keys, _ := token.NewKeyring(key)
//	codec := token.New(token.Config{Issuer: "https://auth.example.com"})
//
//	srv, err := server.New(codec, keys, reg, store, store, store, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
