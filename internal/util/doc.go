// Package util provides small helpers shared by the server, handler and
// storage packages.
//
// Key utilities:
//   - ParseScope, FormatScope, ScopeSubset: space separated scope handling
//   - ValidateRedirectURI: shape checks for registered redirect URIs
//   - IsLoopbackHost: lets plain http redirect URIs through for local clients
//   - SafeTruncate: truncates tokens before they reach a log line
package util
