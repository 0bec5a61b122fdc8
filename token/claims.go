package token

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by every access and refresh token.
//
// Subject holds the account id in decimal form and is empty for tokens issued
// through client_credentials. AccountID mirrors it as the "id" claim and is
// omitted for client tokens.
type Claims struct {
	AccountID   int64    `json:"id,omitempty"`
	UserName    string   `json:"user_name,omitempty"`
	ClientID    string   `json:"client_id"`
	Scope       string   `json:"scope,omitempty"`
	Authorities []string `json:"authorities,omitempty"`

	// AccessTokenID is set on refresh tokens only and names the jti of the
	// access token issued alongside it.
	AccessTokenID string `json:"ati,omitempty"`

	jwt.RegisteredClaims
}

// NewClaims builds claims for a subject (accountID > 0) or a client (accountID == 0).
// IssuedAt is truncated to whole seconds, the precision of the encoded form.
func NewClaims(accountID int64, userName, clientID string, scopes, authorities []string, issuedAt time.Time, ttl time.Duration) Claims {
	iat := issuedAt.UTC().Truncate(time.Second)
	c := Claims{
		ClientID:    clientID,
		Scope:       strings.Join(scopes, " "),
		Authorities: authorities,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
	}
	if accountID > 0 {
		c.AccountID = accountID
		c.UserName = userName
		c.Subject = strconv.FormatInt(accountID, 10)
	}
	return c
}

// Scopes returns the scope claim split on spaces.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// IsRefresh reports whether the claims belong to a refresh token.
func (c *Claims) IsRefresh() bool {
	return c.AccessTokenID != ""
}

// HasSubject reports whether the token was issued on behalf of an account.
func (c *Claims) HasSubject() bool {
	return c.AccountID > 0
}

// ExpiresAtTime returns the expiry, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// IssuedAtTime returns the issue time, or the zero time when absent.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}
