package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenJSON is the JSON representation of a stored token. The Lua scripts
// read kind, subject_id and access_token, so those names are part of the
// key schema.
type tokenJSON struct {
	Value        string         `json:"value"`
	Kind         string         `json:"kind"`
	ID           string         `json:"jti"`
	SubjectID    int64          `json:"subject_id,omitempty"`
	ClientID     string         `json:"client_id"`
	Scope        string         `json:"scope,omitempty"`
	IssuedAt     int64          `json:"issued_at"`
	ExpiresAt    int64          `json:"expires_at"`
	Claims       map[string]any `json:"claims,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		Value:        t.Value,
		Kind:         string(t.Kind),
		ID:           t.ID,
		SubjectID:    t.SubjectID,
		ClientID:     t.ClientID,
		Scope:        util.FormatScope(t.Scopes),
		IssuedAt:     t.IssuedAt.Unix(),
		ExpiresAt:    t.ExpiresAt.Unix(),
		Claims:       t.Claims,
		RefreshToken: t.RefreshToken,
		AccessToken:  t.AccessToken,
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	return &storage.Token{
		Value:        j.Value,
		Kind:         storage.TokenKind(j.Kind),
		ID:           j.ID,
		SubjectID:    j.SubjectID,
		ClientID:     j.ClientID,
		Scopes:       util.ParseScope(j.Scope),
		IssuedAt:     time.Unix(j.IssuedAt, 0),
		ExpiresAt:    time.Unix(j.ExpiresAt, 0),
		Claims:       j.Claims,
		RefreshToken: j.RefreshToken,
		AccessToken:  j.AccessToken,
	}
}

func decodeToken(data string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// SaveToken stores a token under its value with a TTL matching its expiry.
// An existing entry with the same value is replaced atomically.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_token", err, start) }(time.Now())

	if token == nil || token.Value == "" {
		return fmt.Errorf("token value cannot be empty")
	}
	if err = validateStringLength(token.Value, MaxTokenLength, "token"); err != nil {
		return err
	}
	if err = validateStringLength(token.AccessToken, MaxTokenLength, "access_token"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if len(data) > MaxTokenDataSize {
		return errInputTooLarge
	}

	subjectKey := ""
	if token.HasSubject() {
		subjectKey = s.subjectKey(token.SubjectID)
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveToken).
			Numkeys(2).
			Key(s.tokenKey(token.Value), subjectKey).
			Arg(string(data), fmt.Sprintf("%d", ttl.Milliseconds()), s.prefix+"subject:", token.Value).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
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

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(value)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	t, err := decodeToken(data)
	if err != nil {
		return nil, err
	}

	// TTL should handle this, but the key may outlive the grace period by a second
	if security.IsTokenExpired(t.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return t, nil
}

// RevokeToken removes a token. Revoking a refresh token also removes the
// access token it last minted.
func (s *Store) RevokeToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_token", err, start) }(time.Now())

	reply, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.tokenKey(value)).
			Arg(s.prefix+"token:", s.prefix+"subject:", value).
			Build(),
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to execute token revocation: %w", err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("empty reply from token revocation")
	}
	if status, _ := reply[0].ToString(); status == "NOT_FOUND" {
		return nil, storage.ErrTokenNotFound
	}
	if len(reply) < 3 {
		return nil, fmt.Errorf("unexpected reply from token revocation")
	}

	data, err := reply[1].ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read revoked token: %w", err)
	}
	t, err := decodeToken(data)
	if err != nil {
		return nil, err
	}

	if cascaded, _ := reply[2].AsInt64(); cascaded == 1 {
		span.SetAttributes(attribute.Bool(instrumentation.AttrTokenCascade, true))
	}

	s.logger.Debug("Revoked token",
		"kind", t.Kind,
		"token_prefix", util.SafeTruncate(value, tokenIDLogLength))
	return t, nil
}

// TakeToken atomically retrieves and removes a token without cascading.
// GETDEL guarantees concurrent callers for the same value observe exactly one success.
func (s *Store) TakeToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "take_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "take_token", err, start) }(time.Now())

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.tokenKey(value)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: token not found or already used", storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to take token: %w", err)
	}

	t, err := decodeToken(data)
	if err != nil {
		return nil, err
	}

	if t.HasSubject() {
		if err := s.client.Do(ctx, s.client.B().Srem().Key(s.subjectKey(t.SubjectID)).Member(value).Build()).Error(); err != nil {
			// a stale index entry only costs one no-op DEL in RevokeAllForSubject
			s.logger.Warn("Failed to remove token from subject index",
				"account_id", t.SubjectID,
				"error", err)
		}
	}

	if security.IsTokenExpired(t.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return t, nil
}

// RevokeAllForSubject removes every token issued to an account
func (s *Store) RevokeAllForSubject(ctx context.Context, accountID int64) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_for_subject")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "revoke_all_for_subject", err, start)
	}(time.Now())

	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeAllForSubject).
			Numkeys(1).
			Key(s.subjectKey(accountID)).
			Arg(s.prefix+"token:").
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for subject: %w", err)
	}

	s.logger.Debug("Revoked all tokens for subject", "account_id", accountID, "count", count)
	return int(count), nil
}

