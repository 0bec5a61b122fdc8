package oauth

import (
	"net/http"
	"strings"

	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
	"github.com/nuguri/nuguri-auth/token"
)

// ServeCheckToken handles POST /oauth/check_token. The calling client
// authenticates with HTTP Basic; the token parameter is introspected.
// Unusable tokens are reported as inactive, never as an error.
func (h *Handler) ServeCheckToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok || clientID == "" {
		h.writeOAuthError(w, ErrInvalidClient("client authentication is required"))
		return
	}
	if _, err := h.server.VerifyClient(ctx, clientID, clientSecret); err != nil {
		h.writeError(w, r, err)
		return
	}

	value := r.PostFormValue("token")
	if value == "" {
		h.writeOAuthError(w, ErrInvalidRequest("token is required"))
		return
	}

	info := h.server.Introspect(ctx, value)
	if !info.Active {
		h.writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	h.writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active:      true,
		Exp:         info.ExpiresAt.Unix(),
		UserName:    info.UserName,
		Authorities: info.Authorities,
		ClientID:    info.ClientID,
		Scope:       util.FormatScope(info.Scopes),
		ID:          info.AccountID,
		JTI:         info.TokenID,
	})
}

// ServeRevokeToken handles POST /oauth/revoke_token. The bearer token of
// the request is the token revoked; revoking a refresh token also revokes
// its access token.
func (h *Handler) ServeRevokeToken(w http.ResponseWriter, r *http.Request) {
	value, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}

	revoked, err := h.server.RevokeToken(r.Context(), value)
	if err != nil {
		if server.IsTokenError(err) {
			h.logger.Info("Revocation of unknown token", "ip", clientIP(r))
			h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidToken, "invalid token", http.StatusBadRequest))
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RevokedTokenResponse{
		Value:     revoked.Value,
		TokenType: tokenTypeBearer,
		Kind:      string(revoked.Kind),
		JTI:       revoked.ID,
		ClientID:  revoked.ClientID,
		Scope:     util.FormatScope(revoked.Scopes),
		ID:        revoked.SubjectID,
		ExpiresAt: revoked.ExpiresAt,
	})
}

// ServeMe returns the account of the token's resource owner.
func (h *Handler) ServeMe(w http.ResponseWriter, r *http.Request) {
	account, err := h.server.Me(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newAccountResponse(account))
}

// ServeTokenKey publishes the PEM encoded key that verifies issued tokens.
func (h *Handler) ServeTokenKey(w http.ResponseWriter, r *http.Request) {
	pemKey, err := token.EncodePublicKeyPEM(h.server.Codec().PublicKey())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TokenKeyResponse{
		Alg:   token.Algorithm,
		Value: pemKey,
	})
}

// ServeAuthorizationServerMetadata serves OAuth 2.0 Authorization Server
// Metadata (RFC 8414).
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	if issuer == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		issuer = scheme + "://" + r.Host
	}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		IntrospectionEndpoint:             issuer + "/oauth/check_token",
		RevocationEndpoint:                issuer + "/oauth/revoke_token",
		ScopesSupported:                   storage.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode, server.ResponseTypeToken},
		GrantTypesSupported:               storage.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic"},
	})
}
