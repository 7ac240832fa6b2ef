// Package registry resolves client identifiers to registered clients and
// decides which redirect URIs and scopes a client may use.
//
// Lookups go through a short-lived in-process cache in front of a
// storage.ClientStore. Concurrent misses for the same client are collapsed
// into a single store read. Unknown and disabled clients are never cached.
//
// Redirect URIs are matched exactly. There is no prefix, wildcard or
// loopback port relaxation.
package registry
