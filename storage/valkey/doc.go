// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Several server instances can share one Valkey deployment: authorization code
// consumption and refresh token spending stay single-use across all of them.
//
// # Implemented Interfaces
//
//   - [storage.ClientStore]: client registrations
//   - [storage.FlowStore]: authorization codes
//   - [storage.RefreshTokenStore]: refresh token rotation and reuse detection
//   - [storage.GrantRevocationStore]: revoked grants
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}     -> JSON(Client)
//	{prefix}code:{code}           -> JSON(AuthorizationCode), TTL until expiry
//	{prefix}refresh:{tokenID}     -> JSON(RefreshTokenRecord), TTL until expiry
//	{prefix}grant:{grantID}       -> SET of refresh token IDs issued for the grant
//	{prefix}revoked:{grantID}     -> "1", TTL until every token of the grant has expired
//
// # Atomic Operations
//
//   - AtomicCheckAndMarkAuthCodeUsed: check-and-mark of a code in one Lua script
//   - AtomicConsumeRefreshToken: check-and-spend of a refresh token in one Lua script
//   - RevokeGrant: marks the grant revoked and spends its refresh tokens in one Lua script
//
// Consumed codes and spent refresh tokens keep their TTL so a second
// presentation is reported as reuse rather than as an unknown value.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
