package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/nuguri/nuguri-auth/internal/testutil"
	"github.com/nuguri/nuguri-auth/storage"
)

func TestServeCheckToken(t *testing.T) {
	env := setupTestHandler(t, nil)
	issued := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "")

	check := func(value string) *IntrospectionResponse {
		t.Helper()
		w := testutil.NewHTTPRequest(http.MethodPost, "/oauth/check_token").
			WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
			WithForm(url.Values{"token": {value}}.Encode()).
			Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp IntrospectionResponse
		decodeBody(t, w, &resp)
		return &resp
	}

	info := check(issued.AccessToken)
	if !info.Active {
		t.Fatal("expected active token")
	}
	if info.UserName != testutil.TestAdminEmail {
		t.Errorf("user_name = %q", info.UserName)
	}
	if info.ClientID != testutil.TestClientID {
		t.Errorf("client_id = %q", info.ClientID)
	}
	if info.Scope != "read write" {
		t.Errorf("scope = %q", info.Scope)
	}
	if info.ID != env.admin.ID || info.JTI != issued.JTI {
		t.Errorf("id = %d jti = %q", info.ID, info.JTI)
	}
	if info.Exp == 0 {
		t.Error("exp missing")
	}
	found := false
	for _, a := range info.Authorities {
		if a == storage.RoleAdmin.Authority() {
			found = true
		}
	}
	if !found {
		t.Errorf("authorities = %v, want %s", info.Authorities, storage.RoleAdmin.Authority())
	}

	if check("garbage").Active {
		t.Error("malformed token must be inactive")
	}
	if check(issued.RefreshToken).Active {
		t.Error("refresh token must not introspect as an active access token")
	}
}

func TestServeCheckToken_Errors(t *testing.T) {
	env := setupTestHandler(t, nil)

	w := testutil.NewHTTPRequest(http.MethodPost, "/oauth/check_token").
		WithForm("token=abc").
		Do(env.routes)
	assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidClient)

	w = testutil.NewHTTPRequest(http.MethodPost, "/oauth/check_token").
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
		WithForm("").
		Do(env.routes)
	assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
}

func TestServeRevokeToken(t *testing.T) {
	env := setupTestHandler(t, nil)
	issued := env.passwordToken(t, testutil.TestEmail, testutil.TestPassword, "")

	t.Run("missing bearer", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/oauth/revoke_token").Do(env.routes)
		assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidToken)
		testutil.AssertStringContains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("unknown token", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/oauth/revoke_token").WithBearer("unknown").Do(env.routes)
		assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidToken)
	})

	t.Run("refresh token cascades", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/oauth/revoke_token").WithBearer(issued.RefreshToken).Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp RevokedTokenResponse
		decodeBody(t, w, &resp)
		if resp.Kind != string(storage.TokenKindRefresh) {
			t.Errorf("kind = %q", resp.Kind)
		}
		if resp.ID != env.user.ID || resp.ClientID != testutil.TestClientID {
			t.Errorf("id = %d client_id = %q", resp.ID, resp.ClientID)
		}

		w = testutil.NewHTTPRequest(http.MethodGet, "/oauth/me").WithBearer(issued.AccessToken).Do(env.routes)
		assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidToken)
	})
}

func TestServeMe(t *testing.T) {
	env := setupTestHandler(t, nil)
	issued := env.passwordToken(t, testutil.TestEmail, testutil.TestPassword, "read")

	for _, path := range []string{"/oauth/me", "/api/v1/user/me"} {
		t.Run(path, func(t *testing.T) {
			w := testutil.NewHTTPRequest(http.MethodGet, path).WithBearer(issued.AccessToken).Do(env.routes)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			var resp AccountResponse
			decodeBody(t, w, &resp)
			if resp.ID != env.user.ID || resp.Email != testutil.TestEmail {
				t.Errorf("got account %d %q", resp.ID, resp.Email)
			}
			if strings.Contains(w.Body.String(), "password") {
				t.Error("account response must not expose the password hash")
			}
		})
	}

	t.Run("client token has no account", func(t *testing.T) {
		w := tokenRequest(url.Values{"grant_type": {"client_credentials"}}).
			WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).
			Do(env.routes)
		var cc TokenResponse
		decodeBody(t, w, &cc)

		w = testutil.NewHTTPRequest(http.MethodGet, "/oauth/me").WithBearer(cc.AccessToken).Do(env.routes)
		if w.Code == http.StatusOK {
			t.Errorf("status = %d, want an error for a client token", w.Code)
		}
	})
}

func TestScopeGating(t *testing.T) {
	env := setupTestHandler(t, nil)
	readOnly := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "read")

	w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users").WithBearer(readOnly.AccessToken).Do(env.routes)
	if w.Code != http.StatusOK {
		t.Fatalf("read with read scope: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = testutil.NewHTTPRequest(http.MethodDelete, fmt.Sprintf("/api/v1/user/%d", env.user.ID)).
		WithBearer(readOnly.AccessToken).Do(env.routes)
	assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeInsufficientScope)
	testutil.AssertStringContains(t, w.Header().Get("WWW-Authenticate"), `scope="write"`)

	w = testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users").Do(env.routes)
	assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidToken)

	w = testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users").WithBearer("not.a.jwt").Do(env.routes)
	assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidToken)
}

func TestAccountAPI(t *testing.T) {
	env := setupTestHandler(t, nil)
	admin := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "")
	user := env.passwordToken(t, testutil.TestEmail, testutil.TestPassword, "")

	t.Run("anonymous registration", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
			WithJSON(`{"email":"New@Example.com","password":"long-enough","name":"New"}`).
			Do(env.routes)
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp AccountResponse
		decodeBody(t, w, &resp)
		if resp.Email != "new@example.com" {
			t.Errorf("email = %q", resp.Email)
		}
		if len(resp.Roles) != 1 || resp.Roles[0] != storage.RoleUser {
			t.Errorf("roles = %v", resp.Roles)
		}
		if got := w.Header().Get("Location"); got != fmt.Sprintf("/api/v1/user/%d", resp.ID) {
			t.Errorf("Location = %q", got)
		}
	})

	t.Run("anonymous caller cannot assign admin", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
			WithJSON(`{"email":"sneaky@example.com","password":"long-enough","roles":["ADMIN"]}`).
			Do(env.routes)
		assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeAccessDenied)
	})

	t.Run("admin assigns roles", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
			WithBearer(admin.AccessToken).
			WithJSON(`{"email":"ops@example.com","password":"long-enough","roles":["ROLE_ADMIN","user"]}`).
			Do(env.routes)
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
			WithJSON(`{"email":"USER@example.com","password":"long-enough"}`).
			Do(env.routes)
		assertErrorResponse(t, w, http.StatusConflict, ErrorCodeConflict)
	})

	t.Run("unknown role", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
			WithJSON(`{"email":"x@example.com","password":"long-enough","roles":["ROOT"]}`).
			Do(env.routes)
		resp := assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
		if len(resp.Errors) != 1 || resp.Errors[0].Field != "roles" {
			t.Errorf("errors = %+v", resp.Errors)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").WithJSON(`{`).Do(env.routes)
		assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
	})

	t.Run("user reads self but not admin", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodGet, fmt.Sprintf("/api/v1/user/%d", env.user.ID)).
			WithBearer(user.AccessToken).Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}

		w = testutil.NewHTTPRequest(http.MethodGet, fmt.Sprintf("/api/v1/user/%d", env.admin.ID)).
			WithBearer(user.AccessToken).Do(env.routes)
		assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeAccessDenied)
	})

	t.Run("missing and malformed ids", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/user/9999").WithBearer(admin.AccessToken).Do(env.routes)
		assertErrorResponse(t, w, http.StatusNotFound, ErrorCodeNotFound)

		w = testutil.NewHTTPRequest(http.MethodGet, "/api/v1/user/abc").WithBearer(admin.AccessToken).Do(env.routes)
		resp := assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
		if len(resp.Errors) != 1 || resp.Errors[0].Field != "id" {
			t.Errorf("errors = %+v", resp.Errors)
		}
	})

	t.Run("user renames self", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPatch, fmt.Sprintf("/api/v1/user/%d", env.user.ID)).
			WithBearer(user.AccessToken).
			WithJSON(`{"name":"Renamed"}`).
			Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp AccountResponse
		decodeBody(t, w, &resp)
		if resp.Name != "Renamed" {
			t.Errorf("name = %q", resp.Name)
		}
	})

	t.Run("user cannot promote self", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPatch, fmt.Sprintf("/api/v1/user/%d", env.user.ID)).
			WithBearer(user.AccessToken).
			WithJSON(`{"roles":["ADMIN"]}`).
			Do(env.routes)
		assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeAccessDenied)
	})

	t.Run("replace requires password", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPut, fmt.Sprintf("/api/v1/user/%d", env.user.ID)).
			WithBearer(admin.AccessToken).
			WithJSON(`{"name":"X","roles":["USER"]}`).
			Do(env.routes)
		assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
	})

	t.Run("listing requires admin", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users").WithBearer(user.AccessToken).Do(env.routes)
		assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeAccessDenied)
	})
}

func TestListAccounts_Paging(t *testing.T) {
	env := setupTestHandler(t, nil)
	admin := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "")

	list := func(query string) *PageResponse[AccountResponse] {
		t.Helper()
		w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users?"+query).WithBearer(admin.AccessToken).Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp PageResponse[AccountResponse]
		decodeBody(t, w, &resp)
		return &resp
	}

	page := list("page=1&size=1&sort=email,desc")
	if len(page.Content) != 1 {
		t.Fatalf("content = %d entries, want 1", len(page.Content))
	}
	if page.Content[0].Email != testutil.TestEmail {
		t.Errorf("first by email desc = %q, want %q", page.Content[0].Email, testutil.TestEmail)
	}
	if page.Page.TotalElements != 2 || page.Page.TotalPages != 2 {
		t.Errorf("page = %+v", page.Page)
	}

	w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users?page=5").WithBearer(admin.AccessToken).Do(env.routes)
	assertErrorResponse(t, w, http.StatusNotFound, ErrorCodeNotFound)

	w = testutil.NewHTTPRequest(http.MethodGet, "/api/v1/users?page=0&size=x&sort=password").
		WithBearer(admin.AccessToken).Do(env.routes)
	resp := assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
	if len(resp.Errors) != 3 {
		t.Errorf("errors = %+v, want page, size and sort rejected", resp.Errors)
	}
}

func TestDeleteAccount_RevokesTokens(t *testing.T) {
	env := setupTestHandler(t, nil)
	admin := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "")
	user := env.passwordToken(t, testutil.TestEmail, testutil.TestPassword, "")

	w := testutil.NewHTTPRequest(http.MethodDelete, fmt.Sprintf("/api/v1/user/%d", env.user.ID)).
		WithBearer(admin.AccessToken).Do(env.routes)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp DeleteResponse
	decodeBody(t, w, &resp)
	if resp.Deleted != 1 || resp.ID != fmt.Sprint(env.user.ID) {
		t.Errorf("response = %+v", resp)
	}

	w = testutil.NewHTTPRequest(http.MethodGet, "/oauth/me").WithBearer(user.AccessToken).Do(env.routes)
	assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidToken)

	w = tokenRequest(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {user.RefreshToken}}).
		WithBasicAuth(testutil.TestClientID, testutil.TestClientSecret).Do(env.routes)
	assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestCreateAccount_RegistrationDisabled(t *testing.T) {
	env := setupTestHandler(t, &Config{DisableRegistration: true})

	w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
		WithJSON(`{"email":"new@example.com","password":"long-enough"}`).
		Do(env.routes)
	assertErrorResponse(t, w, http.StatusUnauthorized, ErrorCodeInvalidToken)

	admin := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "")
	w = testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
		WithBearer(admin.AccessToken).
		WithJSON(`{"email":"new@example.com","password":"long-enough"}`).
		Do(env.routes)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	readOnly := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "read")
	w = testutil.NewHTTPRequest(http.MethodPost, "/api/v1/user").
		WithBearer(readOnly.AccessToken).
		WithJSON(`{"email":"other@example.com","password":"long-enough"}`).
		Do(env.routes)
	assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeInsufficientScope)
}

func TestClientAPI(t *testing.T) {
	env := setupTestHandler(t, nil)
	user := env.passwordToken(t, testutil.TestEmail, testutil.TestPassword, "")
	admin := env.passwordToken(t, testutil.TestAdminEmail, testutil.TestAdminPass, "")

	w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/client").
		WithBearer(user.AccessToken).
		WithJSON(`{"client_name":"My App","redirect_uri":"https://myapp.example.com/cb","resource_ids":["api"]}`).
		Do(env.routes)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var created ClientResponse
	decodeBody(t, w, &created)
	if created.ClientID == "" || created.ClientSecret == "" {
		t.Fatal("registration must return id and secret")
	}
	if created.OwnerID != env.user.ID {
		t.Errorf("owner_id = %d, want %d", created.OwnerID, env.user.ID)
	}
	if len(created.Scopes) != 1 || created.Scopes[0] != storage.ScopeRead {
		t.Errorf("scopes = %v, want [read] for a non-admin owner", created.Scopes)
	}

	// The secret authenticates the new client.
	stored, err := env.store.GetClient(context.Background(), created.ClientID)
	testutil.AssertNoError(t, err)
	if stored.ClientSecretHash == created.ClientSecret {
		t.Error("secret must be stored hashed")
	}
	w = testutil.NewHTTPRequest(http.MethodPost, "/oauth/check_token").
		WithBasicAuth(created.ClientID, created.ClientSecret).
		WithForm("token=x").
		Do(env.routes)
	if w.Code != http.StatusOK {
		t.Errorf("new client credentials rejected: %d", w.Code)
	}

	t.Run("get hides secret", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/client/"+created.ClientID).
			WithBearer(user.AccessToken).Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp ClientResponse
		decodeBody(t, w, &resp)
		if resp.ClientSecret != "" {
			t.Error("secret must only be returned at registration")
		}
	})

	t.Run("listing is owner scoped", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/clients").WithBearer(user.AccessToken).Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var page PageResponse[ClientResponse]
		decodeBody(t, w, &page)
		if len(page.Content) != 1 || page.Content[0].ClientID != created.ClientID {
			t.Errorf("user sees %+v", page.Content)
		}

		w = testutil.NewHTTPRequest(http.MethodGet, "/api/v1/clients").WithBearer(admin.AccessToken).Do(env.routes)
		decodeBody(t, w, &page)
		if page.Page.TotalElements != 2 {
			t.Errorf("admin sees %d clients, want 2", page.Page.TotalElements)
		}
	})

	t.Run("other owners are denied", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodGet, "/api/v1/client/"+testutil.TestClientID).
			WithBearer(user.AccessToken).Do(env.routes)
		assertErrorResponse(t, w, http.StatusForbidden, ErrorCodeAccessDenied)
	})

	t.Run("invalid redirect", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodPost, "/api/v1/client").
			WithBearer(user.AccessToken).
			WithJSON(`{"redirect_uri":"javascript:alert(1)"}`).
			Do(env.routes)
		assertErrorResponse(t, w, http.StatusBadRequest, ErrorCodeInvalidRequest)
	})

	t.Run("delete", func(t *testing.T) {
		w := testutil.NewHTTPRequest(http.MethodDelete, "/api/v1/client/"+created.ClientID).
			WithBearer(user.AccessToken).Do(env.routes)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		w = testutil.NewHTTPRequest(http.MethodGet, "/api/v1/client/"+created.ClientID).
			WithBearer(user.AccessToken).Do(env.routes)
		assertErrorResponse(t, w, http.StatusNotFound, ErrorCodeNotFound)
	})
}
