package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "nuguri:"

	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token values.
	// Signed JWTs with authorities and scopes stay well below it.
	MaxTokenLength = 4096

	// MaxIDLength is the maximum allowed length for client IDs and codes
	MaxIDLength = 256

	// MaxTokenDataSize is the maximum size of serialized token data (64KB)
	MaxTokenDataSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "nuguri:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of TokenStore, FlowStore and ClientStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks to ensure Store implements the storage interfaces
var (
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables tracing and operation metrics. Size gauges are
// not registered: counting keys would need a SCAN per collection.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// tokenKey returns the key for a token: {prefix}token:{value}
func (s *Store) tokenKey(value string) string {
	return s.prefix + "token:" + value
}

// subjectKey returns the key for the set of token values issued to an account:
// {prefix}subject:{accountID}
func (s *Store) subjectKey(accountID int64) string {
	return s.prefix + "subject:" + strconv.FormatInt(accountID, 10)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Token keys and the per-subject index must change together. Each script runs
// atomically on the server, so concurrent save and revoke calls on one value
// serialize in some order and the last writer wins.

// luaSaveToken replaces a token and moves its subject index entry.
//
// KEYS[1] = token key
// KEYS[2] = subject key, or "" when the token has no subject
// ARGV[1] = token JSON
// ARGV[2] = TTL in milliseconds
// ARGV[3] = subject key prefix ({prefix}subject:)
// ARGV[4] = token value
const luaSaveToken = `
local old = redis.call('GET', KEYS[1])
if old then
    local prev = cjson.decode(old)
    if prev.subject_id and prev.subject_id ~= 0 then
        redis.call('SREM', ARGV[3] .. string.format('%d', prev.subject_id), ARGV[4])
    end
end

redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])

if KEYS[2] ~= '' then
    redis.call('SADD', KEYS[2], ARGV[4])
    local ttl = tonumber(ARGV[2])
    if redis.call('PTTL', KEYS[2]) < ttl then
        redis.call('PEXPIRE', KEYS[2], ttl)
    end
end
return 'OK'
`

// luaRevokeToken deletes a token. Revoking a refresh token also deletes the
// access token it last minted.
//
// KEYS[1] = token key
// ARGV[1] = token key prefix ({prefix}token:)
// ARGV[2] = subject key prefix ({prefix}subject:)
// ARGV[3] = token value
//
// Returns {'NOT_FOUND'} or {'OK', <token json>, <1 when cascaded else 0>}.
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return {'NOT_FOUND'}
end
redis.call('DEL', KEYS[1])

local tok = cjson.decode(data)
if tok.subject_id and tok.subject_id ~= 0 then
    redis.call('SREM', ARGV[2] .. string.format('%d', tok.subject_id), ARGV[3])
end

local cascaded = 0
if tok.kind == 'refresh' and type(tok.access_token) == 'string' and tok.access_token ~= '' then
    local accessKey = ARGV[1] .. tok.access_token
    local access = redis.call('GET', accessKey)
    if access then
        redis.call('DEL', accessKey)
        local acc = cjson.decode(access)
        if acc.subject_id and acc.subject_id ~= 0 then
            redis.call('SREM', ARGV[2] .. string.format('%d', acc.subject_id), tok.access_token)
        end
        cascaded = 1
    end
end
return {'OK', data, cascaded}
`

// luaRevokeAllForSubject deletes every token in a subject's index and the index.
//
// KEYS[1] = subject key
// ARGV[1] = token key prefix ({prefix}token:)
//
// Returns the number of tokens deleted.
const luaRevokeAllForSubject = `
local members = redis.call('SMEMBERS', KEYS[1])
local count = 0
for _, value in ipairs(members) do
    count = count + redis.call('DEL', ARGV[1] .. value)
end
redis.call('DEL', KEYS[1])
return count
`

// ============================================================
// Helper methods
// ============================================================

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// Non-recording span, so the deferred End leaves the caller's span alone.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "valkey")
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
