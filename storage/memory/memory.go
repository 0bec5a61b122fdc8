package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	// defaultCleanupInterval is used when no interval is given
	defaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	accounts        map[int64]*storage.Account
	accountsByEmail map[string]int64
	nextAccountID   int64

	clients map[string]*storage.Client

	// tokens is keyed by the signed token value
	tokens map[string]*storage.Token

	// subjects indexes token values by the account they were issued to
	subjects map[int64]map[string]struct{}

	codes map[string]*storage.AuthorizationCode

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCountAtomic   atomic.Int64
	clientsCountAtomic  atomic.Int64
	codesCountAtomic    atomic.Int64
	accountsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.AccountStore = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		accounts:        make(map[int64]*storage.Account),
		accountsByEmail: make(map[string]int64),
		clients:         make(map[string]*storage.Client),
		tokens:          make(map[string]*storage.Token),
		subjects:        make(map[int64]map[string]struct{}),
		codes:           make(map[string]*storage.AuthorizationCode),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.accountsCountAtomic.Store(int64(len(s.accounts)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			s.tokensCountAtomic.Load,
			s.clientsCountAtomic.Load,
			s.codesCountAtomic.Load,
			s.accountsCountAtomic.Load,
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// AccountStore Implementation
// ============================================================

// CreateAccount inserts a new account and assigns its ID
func (s *Store) CreateAccount(ctx context.Context, account *storage.Account) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_account")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "create_account", err, start) }(time.Now())

	if account == nil {
		return fmt.Errorf("account cannot be nil")
	}
	if err = account.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountsByEmail[account.Email]; exists {
		return storage.ErrAccountExists
	}

	s.nextAccountID++
	now := time.Now().UTC()
	account.ID = s.nextAccountID
	account.CreatedAt = now
	account.UpdatedAt = now

	s.accounts[account.ID] = cloneAccount(account)
	s.accountsByEmail[account.Email] = account.ID
	s.accountsCountAtomic.Add(1)

	s.logger.Debug("Created account", "account_id", account.ID)
	return nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, id int64) (_ *storage.Account, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_account")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_account", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// GetAccountByEmail retrieves an account by its unique email
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (_ *storage.Account, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_account_by_email")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_account_by_email", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByEmail[email]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

// UpdateAccount replaces name, password hash and roles. ID, email and
// creation time are immutable.
func (s *Store) UpdateAccount(ctx context.Context, account *storage.Account) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_account")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "update_account", err, start) }(time.Now())

	if account == nil {
		return fmt.Errorf("account cannot be nil")
	}
	if err = account.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[account.ID]
	if !ok {
		return storage.ErrAccountNotFound
	}

	updated := cloneAccount(existing)
	updated.Name = account.Name
	updated.PasswordHash = account.PasswordHash
	updated.Roles = slices.Clone(account.Roles)
	updated.UpdatedAt = time.Now().UTC()
	s.accounts[account.ID] = updated

	account.Email = updated.Email
	account.CreatedAt = updated.CreatedAt
	account.UpdatedAt = updated.UpdatedAt
	return nil
}

// DeleteAccount removes an account and the clients it owns.
// Tokens are not touched here; callers revoke them with RevokeAllForSubject.
func (s *Store) DeleteAccount(ctx context.Context, id int64) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_account")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "delete_account", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return storage.ErrAccountNotFound
	}
	delete(s.accounts, id)
	delete(s.accountsByEmail, a.Email)
	s.accountsCountAtomic.Add(-1)

	for clientID, c := range s.clients {
		if c.OwnerID == id {
			delete(s.clients, clientID)
			s.clientsCountAtomic.Add(-1)
		}
	}

	s.logger.Debug("Deleted account", "account_id", id)
	return nil
}

// ListAccounts returns one page of accounts and the total count
func (s *Store) ListAccounts(ctx context.Context, page storage.Page) ([]*storage.Account, int, error) {
	s.mu.RLock()
	all := make([]*storage.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		all = append(all, cloneAccount(a))
	}
	s.mu.RUnlock()

	storage.SortAccounts(all, page)
	return storage.Paginate(all, page), len(all), nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_client", err, start) }(time.Now())

	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if err = client.Validate(); err != nil {
		return fmt.Errorf("invalid client: %w", err)
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(client)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_client", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(client), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	return nil
}

// ListClients returns one page of clients. ownerID 0 lists every client.
func (s *Store) ListClients(ctx context.Context, ownerID int64, page storage.Page) ([]*storage.Client, int, error) {
	s.mu.RLock()
	var all []*storage.Client
	for _, c := range s.clients {
		if ownerID == 0 || c.OwnerID == ownerID {
			all = append(all, cloneClient(c))
		}
	}
	s.mu.RUnlock()

	storage.SortClients(all, page)
	return storage.Paginate(all, page), len(all), nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a token under its value. An existing entry with the same
// value is replaced atomically.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_token", err, start) }(time.Now())

	if token == nil || token.Value == "" {
		return fmt.Errorf("token value cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, existed := s.tokens[token.Value]; existed {
		s.unindexLocked(old)
	} else {
		s.tokensCountAtomic.Add(1)
	}

	stored := cloneToken(token)
	s.tokens[token.Value] = stored
	if stored.HasSubject() {
		set, ok := s.subjects[stored.SubjectID]
		if !ok {
			set = make(map[string]struct{})
			s.subjects[stored.SubjectID] = set
		}
		set[stored.Value] = struct{}{}
	}

	s.logger.Debug("Saved token",
		"kind", token.Kind,
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.Value, tokenIDLogLength))
	return nil
}

// GetToken retrieves a token by value
func (s *Store) GetToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(t.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return cloneToken(t), nil
}

// RevokeToken removes a token. Revoking a refresh token also removes the
// access token it last minted.
func (s *Store) RevokeToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	s.removeLocked(t)

	if t.Kind == storage.TokenKindRefresh && t.AccessToken != "" {
		if access, ok := s.tokens[t.AccessToken]; ok {
			s.removeLocked(access)
			span.SetAttributes(attribute.Bool(instrumentation.AttrTokenCascade, true))
		}
	}

	s.logger.Debug("Revoked token",
		"kind", t.Kind,
		"token_prefix", util.SafeTruncate(value, tokenIDLogLength))
	return t, nil
}

// TakeToken atomically retrieves and removes a token without cascading.
// Concurrent callers for the same value observe exactly one success.
func (s *Store) TakeToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "take_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "take_token", err, start) }(time.Now())

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, fmt.Errorf("%w: token not found or already used", storage.ErrTokenNotFound)
	}
	s.removeLocked(t)
	if security.IsTokenExpired(t.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return t, nil
}

// RevokeAllForSubject removes every token issued to an account
func (s *Store) RevokeAllForSubject(ctx context.Context, accountID int64) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_for_subject")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_all_for_subject", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for value := range s.subjects[accountID] {
		if _, ok := s.tokens[value]; ok {
			delete(s.tokens, value)
			s.tokensCountAtomic.Add(-1)
			count++
		}
	}
	delete(s.subjects, accountID)

	s.logger.Debug("Revoked all tokens for subject", "account_id", accountID, "count", count)
	return count, nil
}

// removeLocked deletes t and its index entry. Caller holds s.mu.
func (s *Store) removeLocked(t *storage.Token) {
	if _, ok := s.tokens[t.Value]; !ok {
		return
	}
	delete(s.tokens, t.Value)
	s.tokensCountAtomic.Add(-1)
	s.unindexLocked(t)
}

func (s *Store) unindexLocked(t *storage.Token) {
	if !t.HasSubject() {
		return
	}
	if set, ok := s.subjects[t.SubjectID]; ok {
		delete(set, t.Value)
		if len(set) == 0 {
			delete(s.subjects, t.SubjectID)
		}
	}
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	c := *code
	c.Scopes = slices.Clone(code.Scopes)
	s.codes[code.Code] = &c

	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically finds and deletes a code.
//
// Only ONE concurrent caller can succeed; every other caller, and every later
// call, receives ErrAuthorizationCodeNotFound.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start) }(time.Now())

	s.mu.Lock() // MUST use write lock for atomic find-and-delete
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	delete(s.codes, code)
	s.codesCountAtomic.Add(-1)

	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for _, t := range s.tokens {
		if security.IsTokenExpired(t.ExpiresAt) {
			s.removeLocked(t)
			cleaned++
		}
	}

	for code, authCode := range s.codes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.codes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Helpers
// ============================================================

func cloneAccount(a *storage.Account) *storage.Account {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	return &c
}

func cloneClient(cl *storage.Client) *storage.Client {
	c := *cl
	c.GrantTypes = slices.Clone(cl.GrantTypes)
	c.Scopes = slices.Clone(cl.Scopes)
	c.ResourceIDs = slices.Clone(cl.ResourceIDs)
	c.Authorities = slices.Clone(cl.Authorities)
	return &c
}

func cloneToken(t *storage.Token) *storage.Token {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.Claims = maps.Clone(t.Claims)
	return &c
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// Non-recording span, so the deferred End leaves the caller's span alone.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
