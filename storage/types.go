package storage

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is an account or client authority.
type Role string

// Known roles. Authorities are exposed on the wire with the ROLE_ prefix.
const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Authority returns the wire form of the role, e.g. "ROLE_ADMIN".
func (r Role) Authority() string {
	return "ROLE_" + string(r)
}

// ParseRole parses "admin", "ADMIN" or "ROLE_ADMIN".
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "ROLE_")); r {
	case RoleUser, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Grant types accepted by the token and authorize endpoints.
const (
	GrantTypePassword          = "password"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// Scopes understood by the resource endpoints.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// SupportedGrantTypes is the global set every client's grant types must be drawn from.
var SupportedGrantTypes = []string{
	GrantTypePassword,
	GrantTypeAuthorizationCode,
	GrantTypeImplicit,
	GrantTypeClientCredentials,
	GrantTypeRefreshToken,
}

// SupportedScopes is the global set every client's scopes must be drawn from.
var SupportedScopes = []string{ScopeRead, ScopeWrite}

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Account is a resource-owner identity record.
type Account struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Roles        []Role    `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasRole reports whether the account holds the role.
func (a *Account) HasRole(role Role) bool {
	return slices.Contains(a.Roles, role)
}

// Validate checks the account invariants.
func (a *Account) Validate() error {
	if a.Email == "" {
		return errors.New("email is required")
	}
	if len(a.Roles) == 0 {
		return errors.New("at least one role is required")
	}
	return nil
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"-"`
	ClientName       string    `json:"client_name,omitempty"`
	GrantTypes       []string  `json:"grant_types"`
	Scopes           []string  `json:"scopes"`
	RedirectURI      string    `json:"redirect_uri,omitempty"`
	AccessTokenTTL   int64     `json:"access_token_validity"`  // seconds
	RefreshTokenTTL  int64     `json:"refresh_token_validity"` // seconds
	OwnerID          int64     `json:"owner_id,omitempty"`
	ResourceIDs      []string  `json:"resource_ids,omitempty"`
	Authorities      []Role    `json:"authorities,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AllowsGrantType reports whether the client may use the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Validate checks the client invariants: grant types and scopes come from the
// global sets, and a redirect URI is present iff a redirect-based grant is allowed.
func (c *Client) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(c.GrantTypes) == 0 {
		return errors.New("at least one grant type is required")
	}
	for _, gt := range c.GrantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return fmt.Errorf("unsupported grant type %q", gt)
		}
	}
	for _, s := range c.Scopes {
		if !slices.Contains(SupportedScopes, s) {
			return fmt.Errorf("unsupported scope %q", s)
		}
	}
	redirectBased := c.AllowsGrantType(GrantTypeAuthorizationCode) || c.AllowsGrantType(GrantTypeImplicit)
	if redirectBased && c.RedirectURI == "" {
		return errors.New("redirect_uri is required for authorization_code and implicit grants")
	}
	if !redirectBased && c.RedirectURI != "" {
		return errors.New("redirect_uri is only allowed for authorization_code and implicit grants")
	}
	return nil
}

// Token is an issued credential as recorded by the TokenStore.
type Token struct {
	Value     string         `json:"value"`
	Kind      TokenKind      `json:"kind"`
	ID        string         `json:"jti"`
	SubjectID int64          `json:"subject_id,omitempty"` // 0 for client_credentials tokens
	ClientID  string         `json:"client_id"`
	Scopes    []string       `json:"scopes"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Claims    map[string]any `json:"claims,omitempty"`

	// RefreshToken links an access token to the refresh token issued with it.
	RefreshToken string `json:"refresh_token,omitempty"`

	// AccessToken links a refresh token to the access token it last minted.
	AccessToken string `json:"access_token,omitempty"`
}

// HasSubject reports whether the token was issued on behalf of an account.
func (t *Token) HasSubject() bool {
	return t.SubjectID != 0
}

// AuthorizationCode is a single-use code minted by the authorize endpoint.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	AccountID   int64     `json:"account_id"`
	RedirectURI string    `json:"redirect_uri"` // resolved at authorization
	Scopes      []string  `json:"scopes"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// RedirectURIGiven records whether the authorization request carried
	// redirect_uri. When it did, the exchange must present the same value.
	RedirectURIGiven bool `json:"redirect_uri_given"`
}
