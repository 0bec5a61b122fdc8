package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// maxBodyBytes bounds JSON and form request bodies
	maxBodyBytes = 1 << 20
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
// Typed server errors are mapped to HTTP statuses here and nowhere else.
type Handler struct {
	server     *server.Server
	config     *Config
	logger     *slog.Logger
	tracer     trace.Tracer // OpenTelemetry tracer for HTTP layer
	ipResolver security.ClientIPResolver
}

// NewHandler creates a new HTTP handler. Call server.SetInstrumentation
// before NewHandler for HTTP spans to be recorded.
func NewHandler(srv *server.Server, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults(srv.Logger)

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// Routes returns the complete HTTP surface: OAuth endpoints, the account
// and client APIs, and discovery metadata.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h.Middleware(mux)
}

// RegisterRoutes registers every endpoint on mux. Wrap the mux with
// Middleware so that request ids and client addresses are attached.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// OAuth endpoints
	mux.Handle("POST /oauth/token", h.instrument("token", h.ServeToken))
	mux.Handle("GET /oauth/authorize", h.instrument("authorize", h.ServeAuthorizationPage))
	mux.Handle("POST /oauth/authorize", h.instrument("authorize", h.ServeAuthorizationDecision))
	mux.Handle("POST /oauth/check_token", h.instrument("check_token", h.ServeCheckToken))
	mux.Handle("POST /oauth/revoke_token", h.instrument("revoke_token", h.ServeRevokeToken))
	mux.Handle("GET /oauth/me", h.instrument("me", h.ValidateToken(http.HandlerFunc(h.ServeMe)).ServeHTTP))
	mux.Handle("GET /oauth/token_key", h.instrument("token_key", h.ServeTokenKey))
	mux.Handle("GET /.well-known/oauth-authorization-server", h.instrument("metadata", h.ServeAuthorizationServerMetadata))

	// Account API
	mux.Handle("GET /api/v1/users", h.instrument("users", h.protect(storage.ScopeRead, h.ServeListAccounts)))
	mux.Handle("GET /api/v1/user/me", h.instrument("user", h.protect(storage.ScopeRead, h.ServeMe)))
	mux.Handle("GET /api/v1/user/{id}", h.instrument("user", h.protect(storage.ScopeRead, h.ServeGetAccount)))
	mux.Handle("POST /api/v1/user", h.instrument("user", h.ServeCreateAccount))
	mux.Handle("PATCH /api/v1/user/{id}", h.instrument("user", h.protect(storage.ScopeWrite, h.ServeUpdateAccount)))
	mux.Handle("PUT /api/v1/user/{id}", h.instrument("user", h.protect(storage.ScopeWrite, h.ServeReplaceAccount)))
	mux.Handle("DELETE /api/v1/user/{id}", h.instrument("user", h.protect(storage.ScopeWrite, h.ServeDeleteAccount)))

	// Client API
	mux.Handle("POST /api/v1/client", h.instrument("client", h.protect(storage.ScopeWrite, h.ServeRegisterClient)))
	mux.Handle("GET /api/v1/clients", h.instrument("clients", h.protect(storage.ScopeRead, h.ServeListClients)))
	mux.Handle("GET /api/v1/client/{id}", h.instrument("client", h.protect(storage.ScopeRead, h.ServeGetClient)))
	mux.Handle("DELETE /api/v1/client/{id}", h.instrument("client", h.protect(storage.ScopeWrite, h.ServeDeleteClient)))

	if len(h.config.CORS.AllowedOrigins) > 0 {
		mux.HandleFunc("OPTIONS /", h.ServePreflightRequest)
	}
}

// Middleware attaches a request id and the resolved client address to
// every request and sets CORS headers for allowed origins.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	withIP := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.setCORSHeaders(w, r)
		ctx := security.WithClientIP(r.Context(), h.ipResolver.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
	return security.RequestIDMiddleware(withIP)
}

// ============================================================================
// Bearer token validation
// ============================================================================

// ValidateToken is middleware that validates the bearer access token and
// stores the resolved principal in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		principal, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.logger.Warn("Token validation failed",
				"ip", security.ClientIPFromContext(r.Context()),
				"error", err)
			if server.IsTokenError(err) {
				h.writeUnauthorizedError(w, toOAuthError(err).Description)
				return
			}
			h.writeOAuthError(w, toOAuthError(err))
			return
		}

		ctx := authz.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// protect validates the bearer token and then requires scope. Ownership
// is checked by the resource operation itself.
func (h *Handler) protect(scope string, next http.HandlerFunc) http.HandlerFunc {
	return h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := authz.PrincipalFromContext(r.Context())
		if err := authz.RequireScope(p, scope); err != nil {
			if m := h.metrics(); m != nil {
				m.RecordOwnershipDenied(r.Context(), "scope")
			}
			h.writeInsufficientScopeError(w, []string{scope}, fmt.Sprintf("scope %q is required", scope))
			return
		}
		next(w, r)
	})).ServeHTTP
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	value, ok := bearerToken(r)
	if !ok {
		h.writeUnauthorizedError(w, "no bearer token in authorization header")
		return "", false
	}
	return value, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// ============================================================================
// Response writers
// ============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err through toOAuthError and writes it.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := toOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	h.writeOAuthError(w, oauthErr)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, e *OAuthError) {
	if e.Status == http.StatusUnauthorized {
		if e.Code == ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		} else {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", e.Code, e.Description))
		}
	}
	h.writeJSON(w, e.Status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
		Errors:           e.Fields,
	})
}

// writeUnauthorizedError writes a 401 invalid_token response with a Bearer challenge.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, description string) {
	h.writeOAuthError(w, ErrInvalidToken(description))
}

// writeInsufficientScopeError writes a 403 Forbidden response with insufficient_scope error.
// Per RFC 6750 Section 3.1, the challenge names the required scopes.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(strings.Join(requiredScopes, " "), ErrorCodeInsufficientScope, description))
	h.writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:            ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
//
//	Bearer realm="https://auth.example.com", scope="read",
//	       error="invalid_token", error_description="access token expired"
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string

	if realm := h.server.Config.Issuer; realm != "" {
		params = append(params, fmt.Sprintf(`realm="%s"`, quoteEscape(realm)))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}

	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape applies quoted-string escaping: backslashes first, then quotes.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidRequest("request body is not valid JSON")
	}
	return nil
}

// parseForm parses a bounded form body.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return ErrInvalidRequest("failed to parse request")
	}
	return nil
}

// ============================================================================
// CORS
// ============================================================================

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isAllowedOrigin(origin) {
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", h.config.CORS.MaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Instrumentation
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument wraps an endpoint with a span and the HTTP request metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		var span trace.Span
		if h.tracer != nil {
			var ctx context.Context
			ctx, span = h.tracer.Start(r.Context(), "oauth.http."+endpoint)
			defer span.End()
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRequestID, security.GetRequestID(r.Context())))
		if inst := h.server.Instrumentation; inst != nil && inst.ShouldLogClientIPs() {
			instrumentation.AddClientIPAttribute(span, clientIP(r))
		}
		if rec.status >= http.StatusBadRequest {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.recordHTTPMetrics(endpoint, r.Method, rec.status, startTime)
	})
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	m := h.metrics()
	if m == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	m.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// principal returns the principal stored by ValidateToken.
func principal(r *http.Request) authz.Principal {
	p, _ := authz.PrincipalFromContext(r.Context())
	return p
}

func clientIP(r *http.Request) string {
	return security.ClientIPFromContext(r.Context())
}
