// Package storage defines the persistence contracts of the authorization server.
//
// The interfaces split persistence along ownership lines:
//   - AccountStore: resource-owner accounts
//   - ClientStore: registered OAuth clients
//   - TokenStore: issued access and refresh tokens, the authoritative record for revocation
//   - FlowStore: short-lived authorization codes
//
// The package also holds the shared domain types and the sentinel errors every
// backend returns, so callers can branch with errors.Is regardless of backend.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for all four interfaces
//   - storage/valkey: Valkey/Redis-compatible TokenStore and FlowStore
//   - storage/postgres: PostgreSQL AccountStore and ClientStore
package storage
