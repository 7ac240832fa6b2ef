// Package memory provides an in-memory implementation of the storage interfaces.
//
// Store implements ClientStore, FlowStore, RefreshTokenStore and
// GrantRevocationStore using maps guarded by a single sync.RWMutex. It is
// suitable for development, testing and single-instance deployments where
// persistence is not required.
//
// Features:
//   - Atomic check-and-mark of authorization codes and refresh tokens
//   - Consumed codes and spent refresh tokens are kept until expiry so reuse can be detected
//   - Background cleanup of expired records and stale revocation entries
//   - Injectable clock and clock skew grace period
//
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
