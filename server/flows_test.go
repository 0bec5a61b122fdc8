package server

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/internal/testutil"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/storage"
)

// ============================================================================
// Password grant
// ============================================================================

func TestPasswordGrant(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)

	if tok.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q", tok.TokenType)
	}
	if tok.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if tok.AccountID != env.user.ID {
		t.Errorf("AccountID = %d, want %d", tok.AccountID, env.user.ID)
	}
	if tok.ExpiresIn <= 0 || tok.ExpiresIn > env.client.AccessTokenTTL {
		t.Errorf("ExpiresIn = %d, want within (0, %d]", tok.ExpiresIn, env.client.AccessTokenTTL)
	}

	claims, err := env.srv.Codec().Decode(tok.AccessToken)
	testutil.AssertNoError(t, err)
	if claims.Subject != strconv.FormatInt(env.user.ID, 10) || claims.AccountID != env.user.ID {
		t.Errorf("sub/id = %q/%d, want %d", claims.Subject, claims.AccountID, env.user.ID)
	}
	if claims.Scope != "read" {
		t.Errorf("scope = %q, want read", claims.Scope)
	}
	if claims.UserName != testutil.TestEmail {
		t.Errorf("user_name = %q", claims.UserName)
	}
	ttl := claims.ExpiresAtTime().Sub(claims.IssuedAtTime())
	if ttl != time.Duration(env.client.AccessTokenTTL)*time.Second {
		t.Errorf("exp - iat = %v, want client access TTL", ttl)
	}
	if claims.ID != tok.TokenID {
		t.Errorf("jti = %q, TokenID = %q", claims.ID, tok.TokenID)
	}

	refreshClaims, err := env.srv.Codec().Decode(tok.RefreshToken)
	testutil.AssertNoError(t, err)
	if refreshClaims.AccessTokenID != claims.ID {
		t.Errorf("refresh ati = %q, want %q", refreshClaims.AccessTokenID, claims.ID)
	}
	rttl := refreshClaims.ExpiresAtTime().Sub(refreshClaims.IssuedAtTime())
	if rttl != time.Duration(env.client.RefreshTokenTTL)*time.Second {
		t.Errorf("refresh exp - iat = %v, want client refresh TTL", rttl)
	}

	stored, err := env.store.GetToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)
	if stored.RefreshToken != tok.RefreshToken {
		t.Error("access token record is not linked to its refresh token")
	}
}

func TestPasswordGrant_ScopeIsSubsetOfRequestAndClient(t *testing.T) {
	env := setupTestServer(t, nil)

	requests := [][]string{nil, {"read"}, {"write"}, {"read", "write"}}
	for _, requested := range requests {
		tok, err := env.srv.PasswordGrant(context.Background(), env.client, testutil.TestEmail, testutil.TestPassword, requested)
		testutil.AssertNoError(t, err)

		claims, err := env.srv.Codec().Decode(tok.AccessToken)
		testutil.AssertNoError(t, err)
		granted := claims.Scopes()
		if !util.ScopeSubset(granted, env.client.Scopes) {
			t.Errorf("granted %v exceeds client scopes %v", granted, env.client.Scopes)
		}
		if len(requested) > 0 && !util.ScopeSubset(granted, requested) {
			t.Errorf("granted %v exceeds request %v", granted, requested)
		}
	}
}

func TestPasswordGrant_Failures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	noPassword := testutil.GenerateTestClient(t)
	noPassword.ClientID = "code-only"
	noPassword.GrantTypes = []string{storage.GrantTypeAuthorizationCode}

	readOnly := testutil.GenerateTestClient(t)
	readOnly.ClientID = "read-only"
	readOnly.Scopes = []string{storage.ScopeRead}

	tests := []struct {
		name     string
		client   *storage.Client
		email    string
		password string
		scope    []string
		want     ErrorKind
	}{
		{"wrong password", env.client, testutil.TestEmail, "wrong-password", nil, KindInvalidGrant},
		{"unknown account", env.client, "ghost@example.com", testutil.TestPassword, nil, KindInvalidGrant},
		{"missing password", env.client, testutil.TestEmail, "", nil, KindInvalidGrant},
		{"grant not allowed", noPassword, testutil.TestEmail, testutil.TestPassword, nil, KindUnauthorizedGrant},
		{"scope beyond client", readOnly, testutil.TestEmail, testutil.TestPassword, []string{"write"}, KindInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.PasswordGrant(ctx, tt.client, tt.email, tt.password, tt.scope)
			assertKind(t, err, tt.want)
		})
	}
}

func TestPasswordGrant_NoRefreshWithoutRefreshGrant(t *testing.T) {
	env := setupTestServer(t, nil)

	client := testutil.GenerateTestClient(t)
	client.GrantTypes = []string{storage.GrantTypePassword}
	client.RedirectURI = ""

	tok, err := env.srv.PasswordGrant(context.Background(), client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)
	if tok.RefreshToken != "" {
		t.Error("refresh token issued to a client without the refresh_token grant")
	}
}

// ============================================================================
// Client credentials
// ============================================================================

func TestClientCredentialsGrant(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.ClientCredentialsGrant(ctx, env.client, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)

	if tok.RefreshToken != "" {
		t.Error("client_credentials must not return a refresh token")
	}
	if tok.AccountID != 0 {
		t.Errorf("AccountID = %d, want 0", tok.AccountID)
	}

	claims, err := env.srv.Codec().Decode(tok.AccessToken)
	testutil.AssertNoError(t, err)
	if claims.Subject != "" || claims.AccountID != 0 || claims.UserName != "" {
		t.Errorf("client token carries a subject: sub=%q id=%d user=%q", claims.Subject, claims.AccountID, claims.UserName)
	}
	if claims.ClientID != env.client.ClientID {
		t.Errorf("client_id = %q", claims.ClientID)
	}

	p, err := env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)
	if !p.IsClient() {
		t.Error("principal should be a client principal")
	}
}

func TestClientCredentialsGrant_Failures(t *testing.T) {
	env := setupTestServer(t, nil)

	c := testutil.GenerateTestClient(t)
	c.GrantTypes = []string{storage.GrantTypePassword}
	c.RedirectURI = ""
	_, err := env.srv.ClientCredentialsGrant(context.Background(), c, nil)
	assertKind(t, err, KindUnauthorizedGrant)

	_, err = env.srv.ClientCredentialsGrant(context.Background(), env.client, []string{"admin"})
	assertKind(t, err, KindInvalidScope)
}

// ============================================================================
// Authorization code and implicit
// ============================================================================

func authorizeCode(t *testing.T, env *testEnv, redirectURI string) *AuthorizeResult {
	t.Helper()
	result, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     env.client.ClientID,
		RedirectURI:  redirectURI,
		Scope:        []string{storage.ScopeRead},
		State:        "xyz",
	}, principalFor(env.user))
	testutil.AssertNoError(t, err)
	return result
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	result := authorizeCode(t, env, testutil.TestRedirectURI)
	if result.Code == "" || result.Token != nil {
		t.Fatalf("expected a code only, got %+v", result)
	}
	if result.RedirectURI != testutil.TestRedirectURI || result.State != "xyz" {
		t.Errorf("redirect = %q state = %q", result.RedirectURI, result.State)
	}

	tok, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, testutil.TestRedirectURI)
	testutil.AssertNoError(t, err)
	if tok.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if tok.AccountID != env.user.ID {
		t.Errorf("AccountID = %d, want %d", tok.AccountID, env.user.ID)
	}
	if !slices.Equal(tok.Scopes, []string{storage.ScopeRead}) {
		t.Errorf("Scopes = %v", tok.Scopes)
	}

	// Single use: the second exchange fails.
	_, err = env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, testutil.TestRedirectURI)
	assertKind(t, err, KindInvalidGrant)
}

func TestExchangeAuthorizationCode_ConcurrentReplay(t *testing.T) {
	env := setupTestServer(t, nil)
	result := authorizeCode(t, env, testutil.TestRedirectURI)

	const workers = 10
	var successes atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.srv.ExchangeAuthorizationCode(context.Background(), env.client, result.Code, testutil.TestRedirectURI); err == nil {
				successes.Add(1)
			} else if KindOf(err) != KindInvalidGrant {
				t.Errorf("unexpected error kind %q", KindOf(err))
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful exchanges = %d, want 1", got)
	}
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	t.Run("redirect mismatch", func(t *testing.T) {
		result := authorizeCode(t, env, testutil.TestRedirectURI)
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, "https://app.example.com/other")
		assertKind(t, err, KindRedirectMismatch)
	})

	t.Run("redirect omitted at exchange", func(t *testing.T) {
		result := authorizeCode(t, env, testutil.TestRedirectURI)
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, "")
		assertKind(t, err, KindRedirectMismatch)
	})

	t.Run("redirect omitted at both steps", func(t *testing.T) {
		result := authorizeCode(t, env, "")
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, "")
		testutil.AssertNoError(t, err)
	})

	t.Run("redirect omitted at authorize, registered at exchange", func(t *testing.T) {
		result := authorizeCode(t, env, "")
		if result.RedirectURI != testutil.TestRedirectURI {
			t.Fatalf("resolved redirect = %q, want the registered URI", result.RedirectURI)
		}
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, testutil.TestRedirectURI)
		testutil.AssertNoError(t, err)
	})

	t.Run("redirect omitted at authorize, other at exchange", func(t *testing.T) {
		result := authorizeCode(t, env, "")
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, result.Code, "https://app.example.com/other")
		assertKind(t, err, KindRedirectMismatch)
	})

	t.Run("other client", func(t *testing.T) {
		result := authorizeCode(t, env, testutil.TestRedirectURI)
		other := testutil.GenerateTestClient(t)
		other.ClientID = "other-client"
		_, err := env.srv.ExchangeAuthorizationCode(ctx, other, result.Code, testutil.TestRedirectURI)
		assertKind(t, err, KindInvalidGrant)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, "no-such-code", testutil.TestRedirectURI)
		assertKind(t, err, KindInvalidGrant)
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, "", testutil.TestRedirectURI)
		assertKind(t, err, KindInvalidRequest)
	})

	t.Run("expired code", func(t *testing.T) {
		code := testutil.GenerateTestAuthorizationCode(env.user.ID)
		code.ExpiresAt = time.Now().Add(-time.Minute)
		testutil.AssertNoError(t, env.store.SaveAuthorizationCode(ctx, code))
		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, code.Code, code.RedirectURI)
		assertKind(t, err, KindInvalidGrant)
	})

	t.Run("owner deleted", func(t *testing.T) {
		ghost := &storage.Account{Email: "ghost@example.com", PasswordHash: "x", Roles: []storage.Role{storage.RoleUser}}
		testutil.AssertNoError(t, env.store.CreateAccount(ctx, ghost))
		code := testutil.GenerateTestAuthorizationCode(ghost.ID)
		testutil.AssertNoError(t, env.store.SaveAuthorizationCode(ctx, code))
		testutil.AssertNoError(t, env.store.DeleteAccount(ctx, ghost.ID))

		_, err := env.srv.ExchangeAuthorizationCode(ctx, env.client, code.Code, code.RedirectURI)
		assertKind(t, err, KindInvalidGrant)
	})
}

func TestAuthorize_Implicit(t *testing.T) {
	env := setupTestServer(t, nil)

	result, err := env.srv.Authorize(context.Background(), AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     env.client.ClientID,
		State:        "s1",
	}, principalFor(env.user))
	testutil.AssertNoError(t, err)

	if result.Code != "" || result.Token == nil {
		t.Fatalf("expected a token only, got %+v", result)
	}
	if result.Token.RefreshToken != "" {
		t.Error("implicit grant must not return a refresh token")
	}
	if result.RedirectURI != env.client.RedirectURI {
		t.Errorf("RedirectURI = %q, want registered value", result.RedirectURI)
	}

	p, err := env.srv.ValidateAccessToken(context.Background(), result.Token.AccessToken)
	testutil.AssertNoError(t, err)
	if p.AccountID != env.user.ID {
		t.Errorf("principal account = %d, want %d", p.AccountID, env.user.ID)
	}
}

func TestAuthorize_Failures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	codeOnly := testutil.GenerateTestClient(t)
	codeOnly.ClientID = "code-only"
	codeOnly.GrantTypes = []string{storage.GrantTypeAuthorizationCode}
	testutil.AssertNoError(t, env.store.SaveClient(ctx, codeOnly))

	tests := []struct {
		name  string
		req   AuthorizeRequest
		owner authz.Principal
		want  ErrorKind
	}{
		{"unknown client", AuthorizeRequest{ResponseType: "code", ClientID: "nope"}, principalFor(env.user), KindInvalidClient},
		{"missing client", AuthorizeRequest{ResponseType: "code"}, principalFor(env.user), KindInvalidRequest},
		{"redirect mismatch", AuthorizeRequest{ResponseType: "code", ClientID: testutil.TestClientID, RedirectURI: "https://evil.example.com/cb"}, principalFor(env.user), KindRedirectMismatch},
		{"unsupported response type", AuthorizeRequest{ResponseType: "id_token", ClientID: testutil.TestClientID}, principalFor(env.user), KindUnsupportedResponse},
		{"missing response type", AuthorizeRequest{ClientID: testutil.TestClientID}, principalFor(env.user), KindInvalidRequest},
		{"implicit not allowed", AuthorizeRequest{ResponseType: "token", ClientID: "code-only"}, principalFor(env.user), KindUnauthorizedGrant},
		{"scope beyond client", AuthorizeRequest{ResponseType: "code", ClientID: testutil.TestClientID, Scope: []string{"admin"}}, principalFor(env.user), KindInvalidScope},
		{"client principal", AuthorizeRequest{ResponseType: "code", ClientID: testutil.TestClientID}, authz.Principal{ClientID: "svc"}, KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Authorize(ctx, tt.req, tt.owner)
			assertKind(t, err, tt.want)
		})
	}
}

func TestResolveRedirect(t *testing.T) {
	env := setupTestServer(t, nil)

	client, redirect, err := env.srv.ResolveRedirect(context.Background(), AuthorizeRequest{ClientID: testutil.TestClientID})
	testutil.AssertNoError(t, err)
	if client.ClientID != testutil.TestClientID || redirect != testutil.TestRedirectURI {
		t.Errorf("ResolveRedirect() = %q, %q", client.ClientID, redirect)
	}
}

// ============================================================================
// Refresh
// ============================================================================

func TestRefreshAccessToken_Rotation(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	first, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	second, err := env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, nil)
	testutil.AssertNoError(t, err)

	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Error("rotation should issue a new refresh token")
	}
	if second.AccountID != env.user.ID {
		t.Errorf("AccountID = %d, want %d", second.AccountID, env.user.ID)
	}

	// The presented refresh token and the previous access token are gone.
	_, err = env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, nil)
	assertKind(t, err, KindInvalidGrant)
	_, err = env.srv.ValidateAccessToken(ctx, first.AccessToken)
	assertKind(t, err, KindTokenNotFound)

	// The replacement works.
	_, err = env.srv.RefreshAccessToken(ctx, env.client, second.RefreshToken, nil)
	testutil.AssertNoError(t, err)
}

func TestRefreshAccessToken_WithoutRotation(t *testing.T) {
	env := setupTestServer(t, &Config{RefreshTokenRotation: BoolPtr(false)})
	ctx := context.Background()

	first, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	second, err := env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, nil)
	testutil.AssertNoError(t, err)
	if second.RefreshToken != first.RefreshToken {
		t.Error("refresh token value should be kept without rotation")
	}

	_, err = env.srv.ValidateAccessToken(ctx, first.AccessToken)
	assertKind(t, err, KindTokenNotFound)

	stored, err := env.store.GetToken(ctx, first.RefreshToken)
	testutil.AssertNoError(t, err)
	if stored.AccessToken != second.AccessToken {
		t.Error("refresh token should be relinked to the new access token")
	}

	// Reuse succeeds, and revoking the refresh token cascades to the latest access token.
	third, err := env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, nil)
	testutil.AssertNoError(t, err)
	_, err = env.srv.RevokeToken(ctx, first.RefreshToken)
	testutil.AssertNoError(t, err)
	_, err = env.srv.ValidateAccessToken(ctx, third.AccessToken)
	assertKind(t, err, KindTokenNotFound)
}

func TestRefreshAccessToken_Scope(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	first, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)

	_, err = env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, []string{storage.ScopeRead, storage.ScopeWrite})
	assertKind(t, err, KindInvalidScope)

	// A rejected escalation leaves the refresh token usable.
	narrowed, err := env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)
	if !slices.Equal(narrowed.Scopes, []string{storage.ScopeRead}) {
		t.Errorf("Scopes = %v", narrowed.Scopes)
	}
}

func TestRefreshAccessToken_NarrowingKeepsOriginalGrant(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	first, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	narrowed, err := env.srv.RefreshAccessToken(ctx, env.client, first.RefreshToken, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)

	full, err := env.srv.RefreshAccessToken(ctx, env.client, narrowed.RefreshToken, []string{storage.ScopeRead, storage.ScopeWrite})
	testutil.AssertNoError(t, err)
	if !slices.Equal(full.Scopes, []string{storage.ScopeRead, storage.ScopeWrite}) {
		t.Errorf("Scopes = %v", full.Scopes)
	}
}

func TestRefreshAccessToken_Failures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	issued, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	t.Run("access token presented", func(t *testing.T) {
		_, err := env.srv.RefreshAccessToken(ctx, env.client, issued.AccessToken, nil)
		assertKind(t, err, KindInvalidGrant)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := env.srv.RefreshAccessToken(ctx, env.client, "not-a-token", nil)
		assertKind(t, err, KindInvalidGrant)
	})
	t.Run("missing", func(t *testing.T) {
		_, err := env.srv.RefreshAccessToken(ctx, env.client, "", nil)
		assertKind(t, err, KindInvalidRequest)
	})
	t.Run("other client", func(t *testing.T) {
		other := testutil.GenerateTestClient(t)
		other.ClientID = "other-client"
		_, err := env.srv.RefreshAccessToken(ctx, other, issued.RefreshToken, nil)
		assertKind(t, err, KindInvalidGrant)
	})
	t.Run("grant not allowed", func(t *testing.T) {
		c := testutil.GenerateTestClient(t)
		c.GrantTypes = []string{storage.GrantTypePassword}
		c.RedirectURI = ""
		_, err := env.srv.RefreshAccessToken(ctx, c, issued.RefreshToken, nil)
		assertKind(t, err, KindUnauthorizedGrant)
	})
	t.Run("revoked", func(t *testing.T) {
		_, err := env.srv.RevokeToken(ctx, issued.RefreshToken)
		testutil.AssertNoError(t, err)
		_, err = env.srv.RefreshAccessToken(ctx, env.client, issued.RefreshToken, nil)
		assertKind(t, err, KindInvalidGrant)
	})
}

func TestRefreshAccessToken_ConcurrentRotation(t *testing.T) {
	env := setupTestServer(t, nil)

	issued, err := env.srv.PasswordGrant(context.Background(), env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	const workers = 10
	var successes atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.srv.RefreshAccessToken(context.Background(), env.client, issued.RefreshToken, nil); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful refreshes = %d, want 1", got)
	}
}

// ============================================================================
// Validation, introspection and revocation
// ============================================================================

func TestValidateAccessToken(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestAdminEmail, testutil.TestAdminPass, nil)
	testutil.AssertNoError(t, err)

	p, err := env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)
	if p.AccountID != env.admin.ID || p.Email != testutil.TestAdminEmail {
		t.Errorf("principal = %+v", p)
	}
	if !p.IsAdmin() {
		t.Error("admin principal lost its role")
	}
	if !slices.Contains(p.Authorities, "ROLE_ADMIN") {
		t.Errorf("Authorities = %v", p.Authorities)
	}
	if p.TokenID != tok.TokenID {
		t.Errorf("TokenID = %q, want %q", p.TokenID, tok.TokenID)
	}
}

func TestValidateAccessToken_Failures(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	t.Run("tampered signature", func(t *testing.T) {
		parts := strings.Split(tok.AccessToken, ".")
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		tampered := parts[0] + "." + parts[1] + "." + string(sig)
		_, err := env.srv.ValidateAccessToken(ctx, tampered)
		assertKind(t, err, KindTokenInvalidSignature)
	})
	t.Run("malformed", func(t *testing.T) {
		_, err := env.srv.ValidateAccessToken(ctx, "garbage")
		if !IsTokenError(err) {
			t.Errorf("expected token error, got %v", err)
		}
	})
	t.Run("refresh token presented", func(t *testing.T) {
		_, err := env.srv.ValidateAccessToken(ctx, tok.RefreshToken)
		assertKind(t, err, KindTokenNotFound)
	})
	t.Run("signed but unknown to the store", func(t *testing.T) {
		other := setupTestServer(t, nil)
		foreign, err := other.srv.PasswordGrant(ctx, other.client, testutil.TestEmail, testutil.TestPassword, nil)
		testutil.AssertNoError(t, err)
		_, err = env.srv.ValidateAccessToken(ctx, foreign.AccessToken)
		assertKind(t, err, KindTokenNotFound)
	})
}

func TestValidateAccessToken_Expired(t *testing.T) {
	env := setupTestServer(t, nil)
	env.srv.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tok, err := env.srv.PasswordGrant(context.Background(), env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	_, err = env.srv.ValidateAccessToken(context.Background(), tok.AccessToken)
	assertKind(t, err, KindTokenExpired)

	// The refresh token outlives the access token (1h) but not two hours either.
	_, err = env.srv.RefreshAccessToken(context.Background(), env.client, tok.RefreshToken, nil)
	assertKind(t, err, KindInvalidGrant)
}

func TestIntrospect(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)

	info := env.srv.Introspect(ctx, tok.AccessToken)
	if !info.Active {
		t.Fatal("expected active token")
	}
	if info.UserName != testutil.TestEmail || info.ClientID != testutil.TestClientID || info.AccountID != env.user.ID {
		t.Errorf("Introspect() = %+v", info)
	}
	if !slices.Equal(info.Scopes, []string{storage.ScopeRead}) {
		t.Errorf("Scopes = %v", info.Scopes)
	}

	if env.srv.Introspect(ctx, "garbage").Active {
		t.Error("garbage reported active")
	}

	_, err = env.srv.RevokeToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)
	if env.srv.Introspect(ctx, tok.AccessToken).Active {
		t.Error("revoked token reported active")
	}
}

func TestRevokeToken(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	revoked, err := env.srv.RevokeToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)
	if revoked.Kind != storage.TokenKindAccess || revoked.SubjectID != env.user.ID {
		t.Errorf("revoked = %+v", revoked)
	}

	// Revoking the access token leaves the refresh token in place.
	_, err = env.store.GetToken(ctx, tok.RefreshToken)
	testutil.AssertNoError(t, err)

	_, err = env.srv.RevokeToken(ctx, tok.AccessToken)
	assertKind(t, err, KindTokenNotFound)

	_, err = env.srv.RevokeToken(ctx, "")
	assertKind(t, err, KindInvalidRequest)
}

func TestRevokeToken_RefreshCascades(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
	testutil.AssertNoError(t, err)

	_, err = env.srv.RevokeToken(ctx, tok.RefreshToken)
	testutil.AssertNoError(t, err)

	_, err = env.srv.ValidateAccessToken(ctx, tok.AccessToken)
	assertKind(t, err, KindTokenNotFound)
}

func TestRevokeAllForSubject(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	var issued []*IssuedToken
	for range 2 {
		tok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestEmail, testutil.TestPassword, nil)
		testutil.AssertNoError(t, err)
		issued = append(issued, tok)
	}
	adminTok, err := env.srv.PasswordGrant(ctx, env.client, testutil.TestAdminEmail, testutil.TestAdminPass, nil)
	testutil.AssertNoError(t, err)

	count, err := env.srv.RevokeAllForSubject(ctx, env.user.ID, "test")
	testutil.AssertNoError(t, err)
	if count != 4 {
		t.Errorf("revoked %d tokens, want 4", count)
	}
	for _, tok := range issued {
		if _, err := env.srv.ValidateAccessToken(ctx, tok.AccessToken); err == nil {
			t.Error("user token still valid")
		}
	}
	if _, err := env.srv.ValidateAccessToken(ctx, adminTok.AccessToken); err != nil {
		t.Errorf("other account's token revoked: %v", err)
	}
}

// TestTokenLifecycleScenario walks a password client through grant, revoke
// and introspection.
func TestTokenLifecycleScenario(t *testing.T) {
	env := setupTestServer(t, nil)
	ctx := context.Background()

	c1 := &storage.Client{
		ClientID:         "c1",
		ClientSecretHash: testutil.HashSecret(t, "c1-secret"),
		GrantTypes:       []string{storage.GrantTypePassword, storage.GrantTypeRefreshToken},
		Scopes:           []string{storage.ScopeRead, storage.ScopeWrite},
		AccessTokenTTL:   600,
		RefreshTokenTTL:  3600,
	}
	testutil.AssertNoError(t, env.store.SaveClient(ctx, c1))

	client, err := env.srv.AuthenticateClient(ctx, "c1", "c1-secret")
	testutil.AssertNoError(t, err)

	_, err = env.srv.ExchangeAuthorizationCode(ctx, client, "any", "")
	assertKind(t, err, KindUnauthorizedGrant)

	_, err = env.srv.PasswordGrant(ctx, client, testutil.TestEmail, "wrong-password", nil)
	assertKind(t, err, KindInvalidGrant)

	tok, err := env.srv.PasswordGrant(ctx, client, testutil.TestEmail, testutil.TestPassword, []string{storage.ScopeRead})
	testutil.AssertNoError(t, err)
	if util.FormatScope(tok.Scopes) != "read" {
		t.Errorf("scope = %q, want read", util.FormatScope(tok.Scopes))
	}

	_, err = env.srv.RevokeToken(ctx, tok.AccessToken)
	testutil.AssertNoError(t, err)

	if env.srv.Introspect(ctx, tok.AccessToken).Active {
		t.Error("revoked token reported active")
	}
}
