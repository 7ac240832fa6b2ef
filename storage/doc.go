// Package storage defines the persistence contracts of the authorization
// server and the authorization code lifecycle built on top of them.
//
// The interfaces are:
//   - ClientStore: registered clients, read by the registry
//   - FlowStore: pending and consumed authorization codes
//   - RefreshTokenStore: issued refresh tokens, for rotation and reuse detection
//   - GrantRevocationStore: revoked grants, consulted when validating tokens
//
// AuthorizationCodes wraps a FlowStore with code generation and the
// pending -> consumed | expired state machine.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible storage shared by several instances
//   - storage/postgres: PostgreSQL client registry
package storage
