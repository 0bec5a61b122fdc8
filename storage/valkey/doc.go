// Package valkey provides a Valkey storage backend for tokens, authorization
// codes and clients.
//
// Valkey is wire-compatible with Redis. Use this backend when several server
// replicas must share issued tokens and revocations. Accounts stay in the
// account store (memory or Postgres).
//
// # Implemented Interfaces
//
//   - [storage.TokenStore]: issued tokens keyed by their signed value
//   - [storage.FlowStore]: single-use authorization codes
//   - [storage.ClientStore]: registered clients
//
// # Key Schema
//
// All keys use a configurable prefix (default "nuguri:"):
//
//	{prefix}token:{value}        -> JSON(Token), TTL = token expiry
//	{prefix}subject:{accountID}  -> SET of token values issued to the account
//	{prefix}code:{code}          -> JSON(AuthorizationCode), TTL = code expiry
//	{prefix}client:{clientID}    -> JSON(Client)
//
// # Atomic Operations
//
//   - SaveToken and RevokeToken run as Lua scripts so the token key and the
//     subject index change together; concurrent calls on one value serialize
//     and the last writer wins.
//   - RevokeToken on a refresh token deletes the paired access token in the
//     same script.
//   - TakeToken and ConsumeAuthorizationCode use GETDEL: exactly one
//     concurrent caller gets the value.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "nuguri:",
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
