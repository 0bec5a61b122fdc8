package oauth

import (
	"time"

	"github.com/nuguri/nuguri-auth/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// Errors lists rejected request parameters
	Errors []storage.FieldError `json:"errors,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`

	// ID is the resource owner's account id, absent for client_credentials
	ID int64 `json:"id,omitempty"`

	// JTI is the access token's unique id
	JTI string `json:"jti"`
}

// IntrospectionResponse is the body of /oauth/check_token.
// Inactive tokens carry only Active=false.
type IntrospectionResponse struct {
	Active      bool     `json:"active"`
	Exp         int64    `json:"exp,omitempty"`
	UserName    string   `json:"user_name,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	ID          int64    `json:"id,omitempty"`
	JTI         string   `json:"jti,omitempty"`
}

// RevokedTokenResponse describes the token removed by /oauth/revoke_token.
type RevokedTokenResponse struct {
	Value     string    `json:"value"`
	TokenType string    `json:"token_type"`
	Kind      string    `json:"kind"`
	JTI       string    `json:"jti"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope,omitempty"`
	ID        int64     `json:"id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenKeyResponse publishes the verification key, as /oauth/token_key.
type TokenKeyResponse struct {
	Alg   string `json:"alg"`
	Value string `json:"value"`
}

// AccountResponse is the public view of an account.
type AccountResponse struct {
	ID        int64          `json:"id"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	Roles     []storage.Role `json:"roles"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func newAccountResponse(a *storage.Account) AccountResponse {
	return AccountResponse{
		ID:        a.ID,
		Email:     a.Email,
		Name:      a.Name,
		Roles:     a.Roles,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// CreateAccountRequest is the body of POST /api/v1/user.
type CreateAccountRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// UpdateAccountRequest is the body of PATCH and PUT /api/v1/user/{id}.
// PATCH leaves absent fields unchanged; PUT requires password and roles.
type UpdateAccountRequest struct {
	Name     *string  `json:"name,omitempty"`
	Password *string  `json:"password,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// DeleteResponse reports a removed resource.
type DeleteResponse struct {
	Deleted int    `json:"deleted"`
	ID      string `json:"id"`
}

// ClientRegistrationRequest is the body of POST /api/v1/client
type ClientRegistrationRequest struct {
	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// RedirectURI is the single redirect URI of the client
	RedirectURI string `json:"redirect_uri"`

	// ResourceIDs names the resource servers the client targets
	ResourceIDs []string `json:"resource_ids,omitempty"`
}

// ClientResponse is the public view of a client. ClientSecret is only set
// in the registration response.
type ClientResponse struct {
	ClientID             string         `json:"client_id"`
	ClientSecret         string         `json:"client_secret,omitempty"`
	ClientName           string         `json:"client_name,omitempty"`
	RedirectURI          string         `json:"redirect_uri,omitempty"`
	ResourceIDs          []string       `json:"resource_ids,omitempty"`
	Scopes               []string       `json:"scopes"`
	GrantTypes           []string       `json:"grant_types"`
	Authorities          []storage.Role `json:"authorities,omitempty"`
	AccessTokenValidity  int64          `json:"access_token_validity"`
	RefreshTokenValidity int64          `json:"refresh_token_validity"`
	OwnerID              int64          `json:"owner_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

func newClientResponse(c *storage.Client, secret string) ClientResponse {
	return ClientResponse{
		ClientID:             c.ClientID,
		ClientSecret:         secret,
		ClientName:           c.ClientName,
		RedirectURI:          c.RedirectURI,
		ResourceIDs:          c.ResourceIDs,
		Scopes:               c.Scopes,
		GrantTypes:           c.GrantTypes,
		Authorities:          c.Authorities,
		AccessTokenValidity:  c.AccessTokenTTL,
		RefreshTokenValidity: c.RefreshTokenTTL,
		OwnerID:              c.OwnerID,
		CreatedAt:            c.CreatedAt,
	}
}

// PageInfo describes the returned page of a listing.
type PageInfo struct {
	Number        int `json:"number"`
	Size          int `json:"size"`
	TotalElements int `json:"total_elements"`
	TotalPages    int `json:"total_pages"`
}

// PageResponse wraps one page of a listing.
type PageResponse[T any] struct {
	Content []T      `json:"content"`
	Page    PageInfo `json:"page"`
}

func newPageResponse[T any](content []T, page storage.Page, total int) PageResponse[T] {
	pages := 0
	if page.Size > 0 {
		pages = (total + page.Size - 1) / page.Size
	}
	if content == nil {
		content = []T{}
	}
	return PageResponse[T]{
		Content: content,
		Page: PageInfo{
			Number:        page.Number,
			Size:          page.Size,
			TotalElements: total,
			TotalPages:    pages,
		},
	}
}
