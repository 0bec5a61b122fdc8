package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant issues an access token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token mints a new access token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revoke endpoint
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every token of an account is revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when the authorize endpoint mints a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReplay is logged when an unknown or consumed code is presented
	EventAuthorizationCodeReplay = "authorization_code_replay"

	// Registration events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientDeleted is logged when a client is removed
	EventClientDeleted = "client_deleted"

	// EventAccountRegistered is logged when an account is created
	EventAccountRegistered = "account_registered"

	// EventAccountDeleted is logged when an account is removed
	EventAccountDeleted = "account_deleted"

	// Security violation events

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventOwnershipDenied is logged when a principal touches a resource it does not own
	EventOwnershipDenied = "ownership_denied"

	// EventInvalidRedirect is logged when a redirect URI does not match the registration
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a request asks for scopes beyond the client's set
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
