package oauth

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
)

// ServeToken handles the OAuth token endpoint. The client authenticates
// with HTTP Basic; grant_type selects the grant.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	if err := parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok || clientID == "" {
		h.logger.Warn("Token request without client credentials", "ip", clientIP(r))
		h.writeOAuthError(w, ErrInvalidClient("client authentication is required"))
		return
	}

	client, err := h.server.VerifyClient(ctx, clientID, clientSecret)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.AddGrantAttributes(span, grantType, client.ClientID)
	scope := util.ParseScope(r.PostFormValue("scope"))

	var issued *server.IssuedToken
	switch grantType {
	case storage.GrantTypePassword:
		issued, err = h.server.PasswordGrant(ctx, client, r.PostFormValue("username"), r.PostFormValue("password"), scope)
	case storage.GrantTypeAuthorizationCode:
		issued, err = h.server.ExchangeAuthorizationCode(ctx, client, r.PostFormValue("code"), r.PostFormValue("redirect_uri"))
	case storage.GrantTypeRefreshToken:
		issued, err = h.server.RefreshAccessToken(ctx, client, r.PostFormValue("refresh_token"), scope)
	case storage.GrantTypeClientCredentials:
		issued, err = h.server.ClientCredentialsGrant(ctx, client, scope)
	case "":
		err = ErrInvalidRequest("grant_type is required")
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("grant type %s not supported", grantType))
	}
	if err != nil {
		h.logger.Info("Token request rejected",
			"grant_type", grantType,
			"client_id", client.ClientID,
			"ip", clientIP(r),
			"error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, r, err)
		return
	}

	h.writeTokenResponse(w, issued)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, issued *server.IssuedToken) {
	tokenType := issued.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    tokenType,
		RefreshToken: issued.RefreshToken,
		ExpiresIn:    issued.ExpiresIn,
		Scope:        util.FormatScope(issued.Scopes),
		ID:           issued.AccountID,
		JTI:          issued.TokenID,
	})
}
