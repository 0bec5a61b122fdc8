// Package authz carries the authenticated principal through a request and
// decides whether it may act on a resource.
//
// Resource handlers call RequireScope to gate the operation category and then
// Authorize with the owner of the resource they are about to touch. Nothing is
// implicit: a handler that forgets the call is not protected.
package authz

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nuguri/nuguri-auth/storage"
)

var (
	// ErrForbidden is returned when the principal is neither an administrator
	// nor the owner of the resource.
	ErrForbidden = errors.New("authz: forbidden")

	// ErrInsufficientScope is returned when the token lacks the scope an
	// operation requires.
	ErrInsufficientScope = errors.New("authz: insufficient scope")
)

// Principal is the authenticated party behind a validated access token.
// AccountID is zero for tokens issued through client_credentials.
type Principal struct {
	AccountID   int64
	Email       string
	Roles       []storage.Role
	ClientID    string
	Authorities []string
	Scopes      []string
	TokenID     string
	ExpiresAt   time.Time
}

// IsClient reports whether the principal is a client acting on its own behalf.
func (p Principal) IsClient() bool {
	return p.AccountID == 0
}

// IsAdmin reports whether the principal holds the ADMIN role.
func (p Principal) IsAdmin() bool {
	return slices.Contains(p.Roles, storage.RoleAdmin)
}

// HasScope reports whether scope was granted to the token.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// ForAccount builds the principal of a resource owner who authenticated
// directly, without a token. Scopes are left empty.
func ForAccount(a *storage.Account) Principal {
	return Principal{
		AccountID: a.ID,
		Email:     a.Email,
		Roles:     slices.Clone(a.Roles),
	}
}

// Authorize succeeds when p is an administrator or owns the resource.
// Client principals own nothing.
func Authorize(p Principal, ownerID int64) error {
	if p.IsAdmin() {
		return nil
	}
	if !p.IsClient() && p.AccountID == ownerID {
		return nil
	}
	return ErrForbidden
}

// RequireScope fails with ErrInsufficientScope unless scope was granted.
func RequireScope(p Principal, scope string) error {
	if !p.HasScope(scope) {
		return ErrInsufficientScope
	}
	return nil
}

// RequireAdmin fails with ErrForbidden unless p holds the ADMIN role.
func RequireAdmin(p Principal) error {
	if !p.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &p)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
