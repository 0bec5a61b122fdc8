package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nuguri/nuguri-auth/storage"
	"github.com/nuguri/nuguri-auth/token"
)

// Fixture credentials. The hashes are computed once at bcrypt.MinCost.
const (
	TestClientID     = "test-client-id"
	TestClientSecret = "test-client-secret"
	TestRedirectURI  = "https://app.example.com/callback"
	TestEmail        = "user@example.com"
	TestPassword     = "user-password"
	TestAdminEmail   = "admin@example.com"
	TestAdminPass    = "admin-password"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

// TestRSAKey returns a process-wide RSA key so tests do not pay for key
// generation more than once.
func TestRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		testKey, keyErr = token.GenerateKey()
	})
	if keyErr != nil {
		t.Fatalf("generate test key: %v", keyErr)
	}
	return testKey
}

// NewTestCodec returns a signing codec backed by TestRSAKey.
func NewTestCodec(t testing.TB, opts ...token.Option) *token.Codec {
	t.Helper()
	codec, err := token.New(TestRSAKey(t), opts...)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

// HashSecret bcrypt-hashes secret at minimum cost.
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	return string(hash)
}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateTestAccount creates a USER account with TestPassword as password
func GenerateTestAccount(t testing.TB) *storage.Account {
	t.Helper()
	return &storage.Account{
		Email:        TestEmail,
		PasswordHash: HashSecret(t, TestPassword),
		Name:         "Test User",
		Roles:        []storage.Role{storage.RoleUser},
	}
}

// GenerateTestAdmin creates an ADMIN account with TestAdminPass as password
func GenerateTestAdmin(t testing.TB) *storage.Account {
	t.Helper()
	return &storage.Account{
		Email:        TestAdminEmail,
		PasswordHash: HashSecret(t, TestAdminPass),
		Name:         "Test Admin",
		Roles:        []storage.Role{storage.RoleUser, storage.RoleAdmin},
	}
}

// GenerateTestClient creates a confidential client allowed every grant type,
// with TestClientSecret as secret.
func GenerateTestClient(t testing.TB) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         TestClientID,
		ClientSecretHash: HashSecret(t, TestClientSecret),
		ClientName:       "Test Client",
		GrantTypes:       append([]string(nil), storage.SupportedGrantTypes...),
		Scopes:           []string{storage.ScopeRead, storage.ScopeWrite},
		RedirectURI:      TestRedirectURI,
		AccessTokenTTL:   600,
		RefreshTokenTTL:  3600,
		Authorities:      []storage.Role{storage.RoleUser},
		CreatedAt:        time.Now(),
	}
}

// GenerateTestToken creates an unsigned token record for store tests
func GenerateTestToken(kind storage.TokenKind, subjectID int64, ttl time.Duration) *storage.Token {
	now := time.Now()
	return &storage.Token{
		Value:     GenerateRandomString(40),
		Kind:      kind,
		ID:        GenerateRandomString(16),
		SubjectID: subjectID,
		ClientID:  TestClientID,
		Scopes:    []string{storage.ScopeRead},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// GenerateTestAuthorizationCode creates a test authorization code
func GenerateTestAuthorizationCode(accountID int64) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:             GenerateRandomString(32),
		ClientID:         TestClientID,
		AccountID:        accountID,
		RedirectURI:      TestRedirectURI,
		RedirectURIGiven: true,
		Scopes:           []string{storage.ScopeRead},
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth sets HTTP Basic client credentials
func (r *HTTPRequest) WithBasicAuth(user, pass string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return r.WithHeader("Authorization", "Basic "+creds)
}

// WithBearer sets a bearer access token
func (r *HTTPRequest) WithBearer(value string) *HTTPRequest {
	return r.WithHeader("Authorization", "Bearer "+value)
}

// WithForm sets an application/x-www-form-urlencoded body
func (r *HTTPRequest) WithForm(encoded string) *HTTPRequest {
	r.Body = encoded
	return r.WithHeader("Content-Type", "application/x-www-form-urlencoded")
}

// WithJSON sets a JSON body
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.Body = body
	return r.WithHeader("Content-Type", "application/json")
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
