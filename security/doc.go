// Package security provides the security plumbing shared by the HTTP layer
// and the grant processor: audit logging with hashed identifiers, response
// security headers, client IP resolution behind proxies, request IDs, and
// expiry checks with a clock-skew grace period.
//
// # Audit Logging
//
// The Auditor writes one structured "security_audit" record per event.
// Account identifiers and e-mail addresses are hashed before they reach the
// log; client IDs are logged as-is since they are not personal data.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogTokenIssued(accountID, clientID, ip, "password", "read write")
//
// # Request IDs
//
// RequestIDMiddleware keeps a valid upstream X-Request-ID and otherwise
// generates a ULID, so IDs sort by arrival time in the logs.
package security
