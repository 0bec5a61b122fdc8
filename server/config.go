package server

import (
	"log/slog"
	"time"

	"github.com/nuguri/nuguri-auth/storage"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is written to the iss claim by the token codec owner (cmd).
	// The server only reports it in logs.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL applies to clients that do not set their own validity
	AccessTokenTTL int64 // seconds, default: 43200 (12 hours)

	// RefreshTokenTTL applies to clients that do not set their own validity
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RefreshTokenRotation issues a new refresh token value on every refresh
	// and invalidates the presented one. When false the refresh token keeps
	// its value and is relinked to the newly minted access token.
	// Default: true
	RefreshTokenRotation *bool

	// CollaboratorTimeout bounds account and client lookups made while
	// processing a grant. A lookup that exceeds it fails the grant with
	// KindServiceUnavailable.
	CollaboratorTimeout time.Duration // default: 5s

	// ClockSkewGracePeriod is the grace period for stored expiry checks
	ClockSkewGracePeriod int64 // seconds, default: 5

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	TrustedProxyCount int // default: 1

	// ClientAccessTokenTTL and ClientRefreshTokenTTL are the validities
	// assigned to clients registered through the client API.
	ClientAccessTokenTTL  int64 // seconds, default: 600
	ClientRefreshTokenTTL int64 // seconds, default: 3600
}

// BoolPtr is a small helper for optional boolean settings.
func BoolPtr(b bool) *bool {
	return &b
}

// RotateRefreshTokens reports whether refresh tokens are rotated on use.
func (c *Config) RotateRefreshTokens() bool {
	return c.RefreshTokenRotation == nil || *c.RefreshTokenRotation
}

// accessTTL returns the access token validity for client.
func (c *Config) accessTTL(client *storage.Client) time.Duration {
	if client != nil && client.AccessTokenTTL > 0 {
		return time.Duration(client.AccessTokenTTL) * time.Second
	}
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// refreshTTL returns the refresh token validity for client.
func (c *Config) refreshTTL(client *storage.Client) time.Duration {
	if client != nil && client.RefreshTokenTTL > 0 {
		return time.Duration(client.RefreshTokenTTL) * time.Second
	}
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 43200 // 12 hours
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.CollaboratorTimeout == 0 {
		config.CollaboratorTimeout = 5 * time.Second
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClientAccessTokenTTL == 0 {
		config.ClientAccessTokenTTL = 600
	}
	if config.ClientRefreshTokenTTL == 0 {
		config.ClientRefreshTokenTTL = 3600
	}
}

// applySecurityDefaults sets secure defaults and warns about weakened settings
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	if config.RefreshTokenRotation == nil {
		config.RefreshTokenRotation = BoolPtr(true)
	}
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RotateRefreshTokens() {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Enable RefreshTokenRotation")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"trusted_proxy_count", config.TrustedProxyCount,
			"risk", "Client IPs can be spoofed if the server is reachable without the proxy")
	}
	if config.AuthorizationCodeTTL > 600 {
		logger.Warn("SECURITY WARNING: Authorization code TTL is longer than 10 minutes",
			"authorization_code_ttl", config.AuthorizationCodeTTL)
	}
}
