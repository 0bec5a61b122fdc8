package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oauth "github.com/nuguri/nuguri-auth"
	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
	"github.com/nuguri/nuguri-auth/storage/memory"
	"github.com/nuguri/nuguri-auth/storage/postgres"
	"github.com/nuguri/nuguri-auth/storage/valkey"
	"github.com/nuguri/nuguri-auth/token"
)

const readHeaderTimeout = 10 * time.Second

// stores holds the backends selected by configuration and the functions
// that release them.
type stores struct {
	accounts storage.AccountStore
	clients  storage.ClientStore
	tokens   storage.TokenStore
	flows    storage.FlowStore
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores keeps accounts and clients in Postgres when a DSN is set and
// tokens and codes in Valkey when an address is set. Anything else lives in
// process memory.
func openStores(ctx context.Context, cfg config, inst *instrumentation.Instrumentation, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	mem := memory.New()
	mem.SetLogger(logger)
	s.closers = append(s.closers, mem.Stop)
	s.accounts, s.clients, s.tokens, s.flows = mem, mem, mem, mem

	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				s.close()
				return nil, err
			}
		}
		pg := postgres.New(db, logger)
		s.accounts, s.clients = pg, pg
		logger.Info("Using Postgres for accounts and clients")
	}

	if cfg.ValkeyAddr != "" {
		vk, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddr,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			s.close()
			return nil, err
		}
		vk.SetInstrumentation(inst)
		s.closers = append(s.closers, vk.Close)
		s.tokens, s.flows = vk, vk
	}

	if cfg.DatabaseURL == "" || cfg.ValkeyAddr == "" {
		mem.SetInstrumentation(inst)
	}
	if cfg.DatabaseURL == "" && cfg.ValkeyAddr == "" {
		logger.Warn("All state is kept in memory and lost on restart")
	}
	return s, nil
}

func signingKey(cfg config, logger *slog.Logger) (*rsa.PrivateKey, error) {
	if cfg.SigningKey != "" {
		return token.ReadPrivateKeyFile(cfg.SigningKey)
	}
	logger.Warn("No signing key configured, generating an ephemeral key",
		"bits", token.DevelopmentKeyBits,
		"effect", "issued tokens become invalid on restart")
	return token.GenerateKey()
}

// bootstrap creates the configured administrator and first-party client
// unless they already exist.
func bootstrap(ctx context.Context, srv *server.Server, cfg config, logger *slog.Logger) error {
	if cfg.AdminEmail != "" {
		account, created, err := srv.EnsureAccount(ctx, server.RegisterAccountRequest{
			Email:    cfg.AdminEmail,
			Password: cfg.AdminPassword,
			Name:     "Administrator",
			Roles:    []storage.Role{storage.RoleUser, storage.RoleAdmin},
		})
		if err != nil {
			return fmt.Errorf("bootstrap admin account: %w", err)
		}
		logger.Info("Bootstrap admin account", "account_id", account.ID, "created", created)
	}

	if cfg.ClientID != "" {
		grantTypes := []string{
			storage.GrantTypePassword,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeClientCredentials,
		}
		if cfg.ClientRedirectURI != "" {
			grantTypes = append(grantTypes, storage.GrantTypeAuthorizationCode, storage.GrantTypeImplicit)
		}
		created, err := srv.EnsureClient(ctx, &storage.Client{
			ClientID:    cfg.ClientID,
			ClientName:  cfg.ClientID,
			GrantTypes:  grantTypes,
			Scopes:      []string{storage.ScopeRead, storage.ScopeWrite},
			RedirectURI: cfg.ClientRedirectURI,
			Authorities: []storage.Role{storage.RoleUser},
		}, cfg.ClientSecret)
		if err != nil {
			return fmt.Errorf("bootstrap client: %w", err)
		}
		logger.Info("Bootstrap client", "client_id", cfg.ClientID, "created", created)
	}
	return nil
}

// buildHandler assembles the server and its HTTP surface. The returned
// instrumentation and stores must be shut down by the caller.
func buildHandler(ctx context.Context, cfg config, logger *slog.Logger) (http.Handler, func(), error) {
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         cfg.Metrics,
		MetricsExporter: metricsExporter(cfg.Metrics),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init instrumentation: %w", err)
	}
	shutdownInst := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(sctx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}

	st, err := openStores(ctx, cfg, inst, logger)
	if err != nil {
		shutdownInst()
		return nil, nil, err
	}
	cleanup := func() {
		st.close()
		shutdownInst()
	}

	key, err := signingKey(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	codec, err := token.New(key, token.WithIssuer(cfg.Issuer), token.WithKeyID(cfg.KeyID))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	srv, err := server.New(st.accounts, st.clients, st.tokens, st.flows, codec, &server.Config{
		Issuer:               cfg.Issuer,
		AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		RefreshTokenTTL:      cfg.RefreshTokenTTL,
		RefreshTokenRotation: server.BoolPtr(cfg.RefreshRotation),
		TrustProxy:           cfg.TrustProxy,
		TrustedProxyCount:    cfg.TrustedProxyCount,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, cfg.Audit))

	if err := bootstrap(ctx, srv, cfg, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	handler := oauth.NewHandler(srv, &oauth.Config{
		Logger: logger,
		CORS: oauth.CORSConfig{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowCredentials: cfg.CORSCredentials,
		},
		DisableRegistration: cfg.DisableRegistration,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics {
		mux.Handle("GET /metrics", inst.MetricsHandler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	return handler.Middleware(mux), cleanup, nil
}

func metricsExporter(enabled bool) string {
	if enabled {
		return instrumentation.MetricsExporterPrometheus
	}
	return instrumentation.MetricsExporterNone
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	handler, cleanup, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting authorization server", "listen", cfg.Listen, "issuer", cfg.Issuer)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
