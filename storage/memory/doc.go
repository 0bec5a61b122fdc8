// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements AccountStore, ClientStore, TokenStore and FlowStore
// using Go maps guarded by a single sync.RWMutex. It is suitable for
// development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Thread-safe operations; every write is an atomic replace (last writer wins)
//   - Subject index so RevokeAllForSubject does not scan every token
//   - Refresh token revocation cascades to the paired access token
//   - Automatic cleanup of expired tokens and authorization codes
//   - Storage size gauges and per-operation spans when instrumentation is set
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, store, store, codec, config, logger)
package memory
