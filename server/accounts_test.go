package server

import (
	"context"
	"slices"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/internal/testutil"
	"github.com/nuguri/nuguri-auth/storage"
)

func TestRegisterAccount(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	account, err := env.srv.RegisterAccount(ctx, authz.Principal{}, RegisterAccountRequest{
		Email:    "  New.User@Example.com ",
		Password: "long-enough",
		Name:     "New User",
	})
	testutil.AssertNoError(t, err)

	if account.ID == 0 {
		t.Error("expected an assigned id")
	}
	testutil.AssertEqual(t, account.Email, "new.user@example.com")
	if !slices.Equal(account.Roles, []storage.Role{storage.RoleUser}) {
		t.Errorf("Roles = %v, want [USER]", account.Roles)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte("long-enough")); err != nil {
		t.Error("password hash does not verify")
	}

	// The new account can sign in through the password grant.
	_, err = env.srv.PasswordGrant(ctx, env.client, "new.user@example.com", "long-enough", nil)
	testutil.AssertNoError(t, err)
}

func TestRegisterAccount_Failures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller authz.Principal
		req    RegisterAccountRequest
		want   ErrorKind
	}{
		{"duplicate email", authz.Principal{}, RegisterAccountRequest{Email: testutil.TestEmail, Password: "long-enough"}, KindConflict},
		{"duplicate email differing in case", authz.Principal{}, RegisterAccountRequest{Email: "USER@EXAMPLE.COM", Password: "long-enough"}, KindConflict},
		{"invalid email", authz.Principal{}, RegisterAccountRequest{Email: "not-an-email", Password: "long-enough"}, KindInvalidRequest},
		{"short password", authz.Principal{}, RegisterAccountRequest{Email: "short@example.com", Password: "short"}, KindInvalidRequest},
		{"anonymous admin", authz.Principal{}, RegisterAccountRequest{Email: "a@example.com", Password: "long-enough", Roles: []storage.Role{storage.RoleAdmin}}, KindForbidden},
		{"user grants admin", principalFor(env.user), RegisterAccountRequest{Email: "b@example.com", Password: "long-enough", Roles: []storage.Role{storage.RoleAdmin}}, KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.RegisterAccount(ctx, tt.caller, tt.req)
			assertKind(t, err, tt.want)
		})
	}
}

func TestRegisterAccount_AdminAssignsRoles(t *testing.T) {
	env := setupTestServer(t, nil)

	account, err := env.srv.RegisterAccount(context.Background(), principalFor(env.admin), RegisterAccountRequest{
		Email:    "ops@example.com",
		Password: "long-enough",
		Roles:    []storage.Role{storage.RoleUser, storage.RoleAdmin},
	})
	testutil.AssertNoError(t, err)
	if !slices.Contains(account.Roles, storage.RoleAdmin) {
		t.Errorf("Roles = %v, want ADMIN included", account.Roles)
	}
}

func TestEnsureAccount(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	req := RegisterAccountRequest{
		Email:    "root@example.com",
		Password: "bootstrap-password",
		Roles:    []storage.Role{storage.RoleUser, storage.RoleAdmin},
	}
	account, created, err := env.srv.EnsureAccount(ctx, req)
	testutil.AssertNoError(t, err)
	if !created || !slices.Contains(account.Roles, storage.RoleAdmin) {
		t.Fatalf("EnsureAccount() = %+v, created=%v", account, created)
	}

	again, created, err := env.srv.EnsureAccount(ctx, req)
	testutil.AssertNoError(t, err)
	if created || again.ID != account.ID {
		t.Errorf("second EnsureAccount() created=%v id=%d, want existing %d", created, again.ID, account.ID)
	}
}

func TestAccountOwnership(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	other, err := env.srv.RegisterAccount(ctx, authz.Principal{}, RegisterAccountRequest{Email: "other@example.com", Password: "long-enough"})
	testutil.AssertNoError(t, err)

	t.Run("owner reads own account", func(t *testing.T) {
		a, err := env.srv.GetAccount(ctx, principalFor(env.user), env.user.ID)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, a.Email, testutil.TestEmail)
	})
	t.Run("admin reads any account", func(t *testing.T) {
		_, err := env.srv.GetAccount(ctx, principalFor(env.admin), other.ID)
		testutil.AssertNoError(t, err)
	})
	t.Run("other user is forbidden", func(t *testing.T) {
		_, err := env.srv.GetAccount(ctx, principalFor(other), env.user.ID)
		assertKind(t, err, KindForbidden)
	})
	t.Run("client principal is forbidden", func(t *testing.T) {
		_, err := env.srv.GetAccount(ctx, authz.Principal{ClientID: "svc"}, env.user.ID)
		assertKind(t, err, KindForbidden)
	})
	t.Run("missing account is not found before the guard", func(t *testing.T) {
		_, err := env.srv.GetAccount(ctx, principalFor(other), 9999)
		assertKind(t, err, KindNotFound)
	})
}

func TestMe(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)
	p, err := env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)

	me, err := env.srv.Me(ctx, p)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, me.ID, env.user.ID)

	_, err = env.srv.Me(ctx, authz.Principal{ClientID: testutil.TestClientID})
	assertKind(t, err, KindNotFound)
}

func TestUpdateAccount(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	name := "Renamed"
	password := "a-new-password"
	updated, err := env.srv.UpdateAccount(ctx, principalFor(env.user), env.user.ID, UpdateAccountRequest{
		Name:     &name,
		Password: &password,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, updated.Name, "Renamed")

	_, err = env.srv.VerifyAccount(ctx, testutil.TestEmail, password)
	testutil.AssertNoError(t, err)
	_, err = env.srv.VerifyAccount(ctx, testutil.TestEmail, testutil.TestPassword)
	assertKind(t, err, KindInvalidGrant)

	t.Run("user cannot promote themselves", func(t *testing.T) {
		_, err := env.srv.UpdateAccount(ctx, principalFor(env.user), env.user.ID, UpdateAccountRequest{
			Roles: []storage.Role{storage.RoleUser, storage.RoleAdmin},
		})
		assertKind(t, err, KindForbidden)
	})
	t.Run("unchanged roles need no admin", func(t *testing.T) {
		_, err := env.srv.UpdateAccount(ctx, principalFor(env.user), env.user.ID, UpdateAccountRequest{
			Roles: []storage.Role{storage.RoleUser},
		})
		testutil.AssertNoError(t, err)
	})
	t.Run("admin changes roles", func(t *testing.T) {
		a, err := env.srv.UpdateAccount(ctx, principalFor(env.admin), env.user.ID, UpdateAccountRequest{
			Roles: []storage.Role{storage.RoleUser, storage.RoleAdmin},
		})
		testutil.AssertNoError(t, err)
		if !slices.Contains(a.Roles, storage.RoleAdmin) {
			t.Errorf("Roles = %v", a.Roles)
		}
	})
	t.Run("short password", func(t *testing.T) {
		short := "short"
		_, err := env.srv.UpdateAccount(ctx, principalFor(env.user), env.user.ID, UpdateAccountRequest{Password: &short})
		assertKind(t, err, KindInvalidRequest)
	})
}

func TestReplaceAccount(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	_, err := env.srv.ReplaceAccount(ctx, principalFor(env.user), env.user.ID, "Name", "", []storage.Role{storage.RoleUser})
	assertKind(t, err, KindInvalidRequest)
	_, err = env.srv.ReplaceAccount(ctx, principalFor(env.user), env.user.ID, "Name", "long-enough", nil)
	assertKind(t, err, KindInvalidRequest)

	a, err := env.srv.ReplaceAccount(ctx, principalFor(env.user), env.user.ID, "Name", "long-enough", []storage.Role{storage.RoleUser})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, a.Name, "Name")
}

func TestDeleteAccount_RevokesTokens(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	_, err = env.srv.DeleteAccount(ctx, principalFor(env.admin), env.user.ID)
	testutil.AssertNoError(t, err)

	_, err = env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	assertKind(t, err, KindTokenNotFound)
	_, err = env.srv.RefreshAccessToken(ctx, env.client, tok.RefreshToken, nil)
	assertKind(t, err, KindInvalidGrant)

	_, err = env.srv.GetAccount(ctx, principalFor(env.admin), env.user.ID)
	assertKind(t, err, KindNotFound)
}

func TestDeleteAccount_Forbidden(t *testing.T) {
	env := setupTestServer(t, nil)

	_, err := env.srv.DeleteAccount(context.Background(), principalFor(env.user), env.admin.ID)
	assertKind(t, err, KindForbidden)
}

func TestListAccounts(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	page, err := storage.ParsePage("", "", "", storage.AccountSortFields)
	testutil.AssertNoError(t, err)

	accounts, total, err := env.srv.ListAccounts(ctx, principalFor(env.admin), page)
	testutil.AssertNoError(t, err)
	if total != 2 || len(accounts) != 2 {
		t.Errorf("ListAccounts() = %d of %d, want 2", len(accounts), total)
	}

	_, _, err = env.srv.ListAccounts(ctx, principalFor(env.user), page)
	assertKind(t, err, KindForbidden)
}
