package server

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
)

// MinPasswordLength is the shortest password accepted for new or changed accounts
const MinPasswordLength = 8

// RegisterAccountRequest carries the fields of a new account.
type RegisterAccountRequest struct {
	Email    string
	Password string
	Name     string
	Roles    []storage.Role
}

// UpdateAccountRequest carries a partial account update. Nil or empty fields
// keep their current value.
type UpdateAccountRequest struct {
	Name     *string
	Password *string
	Roles    []storage.Role
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return errorf(KindInvalidRequest, "password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errorf(KindInvalidRequest, "email is not a valid address")
	}
	return strings.ToLower(email), nil
}

// RegisterAccount creates an account. Anyone may register a USER account;
// requesting any other role requires an ADMIN caller. caller is the zero
// Principal for anonymous registration.
func (s *Server) RegisterAccount(ctx context.Context, caller authz.Principal, req RegisterAccountRequest) (*storage.Account, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	roles := slices.Clone(req.Roles)
	if len(roles) == 0 {
		roles = []storage.Role{storage.RoleUser}
	}
	if slices.ContainsFunc(roles, func(r storage.Role) bool { return r != storage.RoleUser }) {
		if err := authz.RequireAdmin(caller); err != nil {
			return nil, newError(KindForbidden, "only administrators can assign roles", err)
		}
	}

	hash, err := HashSecret(req.Password)
	if err != nil {
		return nil, err
	}

	account := &storage.Account{
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(req.Name),
		Roles:        roles,
	}
	if err := s.accountStore.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			return nil, errorf(KindConflict, "email is already registered")
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.Logger.Info("Registered new account", "account_id", account.ID)
	if m := s.metrics(); m != nil {
		m.RecordAccountRegistration(ctx)
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAccountRegistered,
		AccountID: account.ID,
		Email:     account.Email,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	return account, nil
}

// EnsureAccount creates the account unless the email is already registered.
// Used to bootstrap the administrator on startup.
func (s *Server) EnsureAccount(ctx context.Context, req RegisterAccountRequest) (*storage.Account, bool, error) {
	if existing, err := s.accountStore.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email))); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrAccountNotFound) {
		return nil, false, fmt.Errorf("failed to look up account: %w", err)
	}

	// Bootstrap runs without a caller, so it acts as administrator.
	system := authz.Principal{Roles: []storage.Role{storage.RoleAdmin}}
	account, err := s.RegisterAccount(ctx, system, req)
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

// loadAccount fetches an account for a per-account operation and runs the
// ownership guard on it.
func (s *Server) loadAccount(ctx context.Context, p authz.Principal, id int64) (*storage.Account, error) {
	account, err := s.accountStore.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, errorf(KindNotFound, "account not found")
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if err := s.guard(ctx, p, account.ID, "account"); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns an account the principal owns (or any account for ADMIN).
func (s *Server) GetAccount(ctx context.Context, p authz.Principal, id int64) (*storage.Account, error) {
	return s.loadAccount(ctx, p, id)
}

// Me returns the account behind an account principal.
func (s *Server) Me(ctx context.Context, p authz.Principal) (*storage.Account, error) {
	if p.IsClient() {
		return nil, errorf(KindNotFound, "token has no resource owner")
	}
	return s.loadAccount(ctx, p, p.AccountID)
}

// UpdateAccount applies a partial update. Changing roles requires ADMIN.
func (s *Server) UpdateAccount(ctx context.Context, p authz.Principal, id int64, req UpdateAccountRequest) (*storage.Account, error) {
	account, err := s.loadAccount(ctx, p, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		account.Name = strings.TrimSpace(*req.Name)
	}
	if req.Password != nil && *req.Password != "" {
		if err := validatePassword(*req.Password); err != nil {
			return nil, err
		}
		hash, err := HashSecret(*req.Password)
		if err != nil {
			return nil, err
		}
		account.PasswordHash = hash
	}
	if len(req.Roles) > 0 && !sameRoles(req.Roles, account.Roles) {
		if err := authz.RequireAdmin(p); err != nil {
			return nil, newError(KindForbidden, "only administrators can change roles", err)
		}
		account.Roles = slices.Clone(req.Roles)
	}

	if err := s.accountStore.UpdateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, errorf(KindNotFound, "account not found")
		}
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	return account, nil
}

// ReplaceAccount replaces name, password and roles. Every field is required.
func (s *Server) ReplaceAccount(ctx context.Context, p authz.Principal, id int64, name, password string, roles []storage.Role) (*storage.Account, error) {
	if password == "" {
		return nil, errorf(KindInvalidRequest, "password is required")
	}
	if len(roles) == 0 {
		return nil, errorf(KindInvalidRequest, "roles are required")
	}
	return s.UpdateAccount(ctx, p, id, UpdateAccountRequest{
		Name:     &name,
		Password: &password,
		Roles:    roles,
	})
}

// DeleteAccount removes an account and revokes every token issued to it.
func (s *Server) DeleteAccount(ctx context.Context, p authz.Principal, id int64) (*storage.Account, error) {
	account, err := s.loadAccount(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.accountStore.DeleteAccount(ctx, id); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, errorf(KindNotFound, "account not found")
		}
		return nil, fmt.Errorf("failed to delete account: %w", err)
	}

	if _, err := s.RevokeAllForSubject(ctx, id, "account_deleted"); err != nil {
		// The account is gone; its tokens fail validation once they are
		// reaped or expire, and refresh fails on the missing owner.
		s.Logger.Error("Failed to revoke tokens of deleted account", "account_id", id, "error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAccountDeleted,
		AccountID: id,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"by_account_id": p.AccountID},
	})
	return account, nil
}

// ListAccounts returns one page of accounts. Only administrators may list.
func (s *Server) ListAccounts(ctx context.Context, p authz.Principal, page storage.Page) ([]*storage.Account, int, error) {
	if err := authz.RequireAdmin(p); err != nil {
		if m := s.metrics(); m != nil {
			m.RecordOwnershipDenied(ctx, "accounts")
		}
		return nil, 0, newError(KindForbidden, "access is denied", err)
	}
	accounts, total, err := s.accountStore.ListAccounts(ctx, page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, total, nil
}

func sameRoles(a, b []storage.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for _, r := range a {
		if !slices.Contains(b, r) {
			return false
		}
	}
	return true
}
