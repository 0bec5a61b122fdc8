package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "NUGURI_AUTH"

// config is the resolved binary configuration. Every field has a flag, an
// environment variable (NUGURI_AUTH_<FLAG>, dashes as underscores) and a
// config file key of the same name.
type config struct {
	Listen          string
	Issuer          string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DatabaseURL string
	Migrate     bool

	ValkeyAddr     string
	ValkeyPassword string
	ValkeyDB       int
	ValkeyPrefix   string

	SigningKey string
	KeyID      string

	AuthorizationCodeTTL int64
	AccessTokenTTL       int64
	RefreshTokenTTL      int64
	RefreshRotation      bool

	TrustProxy        bool
	TrustedProxyCount int

	CORSOrigins         []string
	CORSCredentials     bool
	DisableRegistration bool

	Metrics bool
	Audit   bool

	AdminEmail        string
	AdminPassword     string
	ClientID          string
	ClientSecret      string
	ClientRedirectURI string
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("issuer", "", "public base URL of the server, written to the iss claim")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.Duration("shutdown-timeout", 15*time.Second, "graceful shutdown timeout")

	flags.String("database-url", "", "Postgres DSN for accounts and clients; empty keeps them in memory")
	flags.Bool("migrate", true, "apply schema migrations on start")

	flags.String("valkey-addr", "", "Valkey address for tokens and authorization codes; empty keeps them in memory")
	flags.String("valkey-password", "", "Valkey password")
	flags.Int("valkey-db", 0, "Valkey database number")
	flags.String("valkey-prefix", "", "Valkey key prefix")

	flags.String("signing-key", "", "PEM RSA private key file; empty generates an ephemeral key")
	flags.String("key-id", "", "kid header written to issued tokens")

	flags.Int64("code-ttl", 600, "authorization code validity in seconds")
	flags.Int64("access-token-ttl", 43200, "default access token validity in seconds")
	flags.Int64("refresh-token-ttl", 2592000, "default refresh token validity in seconds")
	flags.Bool("refresh-rotation", true, "issue a new refresh token on every refresh")

	flags.Bool("trust-proxy", false, "trust X-Forwarded-For from reverse proxies")
	flags.Int("trusted-proxy-count", 1, "number of trusted reverse proxies")

	flags.StringSlice("cors-origins", nil, "origins allowed to call the API from a browser")
	flags.Bool("cors-credentials", false, "allow credentialed CORS requests")
	flags.Bool("disable-registration", false, "require an administrator token to create accounts")

	flags.Bool("metrics", true, "serve Prometheus metrics on /metrics")
	flags.Bool("audit", true, "write security audit events to the log")

	flags.String("admin-email", "", "email of the administrator created on start")
	flags.String("admin-password", "", "password of the administrator created on start")
	flags.String("client-id", "", "id of the first-party client created on start")
	flags.String("client-secret", "", "secret of the first-party client created on start")
	flags.String("client-redirect-uri", "", "redirect URI of the first-party client")
}

// bindConfig binds every flag to v and enables NUGURI_AUTH_* environment
// variables.
func bindConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

func loadConfig(v *viper.Viper) (config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := config{
		Listen:          v.GetString("listen"),
		Issuer:          strings.TrimSuffix(v.GetString("issuer"), "/"),
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),

		DatabaseURL: v.GetString("database-url"),
		Migrate:     v.GetBool("migrate"),

		ValkeyAddr:     v.GetString("valkey-addr"),
		ValkeyPassword: v.GetString("valkey-password"),
		ValkeyDB:       v.GetInt("valkey-db"),
		ValkeyPrefix:   v.GetString("valkey-prefix"),

		SigningKey: v.GetString("signing-key"),
		KeyID:      v.GetString("key-id"),

		AuthorizationCodeTTL: v.GetInt64("code-ttl"),
		AccessTokenTTL:       v.GetInt64("access-token-ttl"),
		RefreshTokenTTL:      v.GetInt64("refresh-token-ttl"),
		RefreshRotation:      v.GetBool("refresh-rotation"),

		TrustProxy:        v.GetBool("trust-proxy"),
		TrustedProxyCount: v.GetInt("trusted-proxy-count"),

		CORSOrigins:         v.GetStringSlice("cors-origins"),
		CORSCredentials:     v.GetBool("cors-credentials"),
		DisableRegistration: v.GetBool("disable-registration"),

		Metrics: v.GetBool("metrics"),
		Audit:   v.GetBool("audit"),

		AdminEmail:        v.GetString("admin-email"),
		AdminPassword:     v.GetString("admin-password"),
		ClientID:          v.GetString("client-id"),
		ClientSecret:      v.GetString("client-secret"),
		ClientRedirectURI: v.GetString("client-redirect-uri"),
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return fmt.Errorf("admin-email and admin-password must be set together")
	}
	if (c.ClientID == "") != (c.ClientSecret == "") {
		return fmt.Errorf("client-id and client-secret must be set together")
	}
	if c.ClientRedirectURI != "" && c.ClientID == "" {
		return fmt.Errorf("client-redirect-uri requires client-id")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "authserver",
		Short:         "OAuth2 authorization and resource server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	registerFlags(cmd.Flags())
	cobra.CheckErr(bindConfig(v, cmd.Flags()))
	return cmd
}
