package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code             string `json:"code"`
	ClientID         string `json:"client_id"`
	AccountID        int64  `json:"account_id"`
	RedirectURI      string `json:"redirect_uri"`
	RedirectURIGiven bool   `json:"redirect_uri_given,omitempty"`
	Scope            string `json:"scope"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:             code.Code,
		ClientID:         code.ClientID,
		AccountID:        code.AccountID,
		RedirectURI:      code.RedirectURI,
		RedirectURIGiven: code.RedirectURIGiven,
		Scope:            util.FormatScope(code.Scopes),
		CreatedAt:        code.CreatedAt.Unix(),
		ExpiresAt:        code.ExpiresAt.Unix(),
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:             j.Code,
		ClientID:         j.ClientID,
		AccountID:        j.AccountID,
		RedirectURI:      j.RedirectURI,
		RedirectURIGiven: j.RedirectURIGiven,
		Scopes:           util.ParseScope(j.Scope),
		CreatedAt:        time.Unix(j.CreatedAt, 0),
		ExpiresAt:        time.Unix(j.ExpiresAt, 0),
	}
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err = validateStringLength(code.Code, MaxIDLength, "code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically finds and deletes a code.
//
// GETDEL lets only ONE concurrent caller succeed; every other caller, and
// every later call, receives ErrAuthorizationCodeNotFound.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start)
	}(time.Now())

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	authCode := fromAuthorizationCodeJSON(&j)

	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}
