package oauth

import (
	"log/slog"
)

// Config holds the HTTP handler configuration. Grant and token policy lives
// in server.Config; this only covers the HTTP surface.
type Config struct {
	// Logger for structured logging (optional, uses the server's logger if not provided)
	Logger *slog.Logger

	// CORS settings for browser-based clients
	CORS CORSConfig

	// DisableRegistration turns off anonymous POST /api/v1/user. An ADMIN
	// bearer token can still create accounts.
	DisableRegistration bool

	// LoginTitle is shown on the authorization page.
	// Default: "Sign in"
	LoginTitle string
}

// CORSConfig holds CORS settings for browser-based clients
type CORSConfig struct {
	// AllowedOrigins lists origins that may call the API from a browser.
	// Empty disables CORS. "*" allows any origin and is for development only.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials, needed when
	// the browser sends the Authorization header.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds.
	// Default: 3600
	MaxAge int
}

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
	defaultLoginTitle = "Sign in"
)

func (c *Config) applyDefaults(fallback *slog.Logger) {
	if c.Logger == nil {
		c.Logger = fallback
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CORS.MaxAge == 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
	if c.LoginTitle == "" {
		c.LoginTitle = defaultLoginTitle
	}
}
