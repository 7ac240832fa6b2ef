// Package postgres provides a PostgreSQL-backed storage.ClientStore.
//
// Client registrations are read-mostly and long-lived, which makes a
// relational table a natural home for them. Authorization codes and refresh
// tokens stay in the memory or valkey backends where key expiry is native.
//
// Call Migrate once at startup to create the clients table.
package postgres
