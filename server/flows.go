package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
	"github.com/nuguri/nuguri-auth/token"
)

// Response types accepted by the authorize endpoint
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "Bearer"

// IssuedToken is the result of a successful grant.
type IssuedToken struct {
	*oauth2.Token

	// TokenID is the jti of the access token
	TokenID string

	// AccountID is the subject, 0 for client_credentials
	AccountID int64

	Scopes []string
}

// subject is the resource owner a token is issued for. The zero value is a
// client acting on its own behalf.
type subject struct {
	accountID   int64
	userName    string
	authorities []string
}

func accountSubject(a *storage.Account) subject {
	authorities := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		authorities = append(authorities, r.Authority())
	}
	return subject{accountID: a.ID, userName: a.Email, authorities: authorities}
}

func clientSubject(c *storage.Client) subject {
	authorities := make([]string, 0, len(c.Authorities))
	for _, r := range c.Authorities {
		authorities = append(authorities, r.Authority())
	}
	return subject{authorities: authorities}
}

// ============================================================================
// Token minting
// ============================================================================

// mintAccess signs and stores an access token. refreshValue links it to the
// refresh token it is paired with, if any.
func (s *Server) mintAccess(ctx context.Context, client *storage.Client, sub subject, scopes []string, refreshValue string, now time.Time) (*storage.Token, error) {
	claims := token.NewClaims(sub.accountID, sub.userName, client.ClientID, scopes, sub.authorities, now, s.Config.accessTTL(client))
	claims.ID = uuid.NewString()

	value, err := s.codec.Encode(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	t := recordFor(value, storage.TokenKindAccess, client.ClientID, sub, scopes, &claims)
	t.RefreshToken = refreshValue
	if err := s.tokenStore.SaveToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return t, nil
}

// mintRefresh signs and stores a refresh token paired with access.
func (s *Server) mintRefresh(ctx context.Context, client *storage.Client, sub subject, scopes []string, access *storage.Token, now time.Time) (*storage.Token, error) {
	claims := token.NewClaims(sub.accountID, sub.userName, client.ClientID, scopes, sub.authorities, now, s.Config.refreshTTL(client))
	claims.ID = uuid.NewString()
	claims.AccessTokenID = access.ID

	value, err := s.codec.Encode(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	t := recordFor(value, storage.TokenKindRefresh, client.ClientID, sub, scopes, &claims)
	t.AccessToken = access.Value
	if err := s.tokenStore.SaveToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return t, nil
}

// mintPair issues an access token and, when withRefresh is set, a refresh
// token linked to it.
func (s *Server) mintPair(ctx context.Context, client *storage.Client, sub subject, scopes []string, withRefresh bool) (*storage.Token, *storage.Token, error) {
	now := s.now()
	if !withRefresh {
		access, err := s.mintAccess(ctx, client, sub, scopes, "", now)
		if err != nil {
			return nil, nil, err
		}
		return access, nil, nil
	}
	return s.mintLinked(ctx, client, sub, scopes, scopes, now)
}

// mintLinked issues an access token and a refresh token carrying
// refreshScopes, then saves the access token again once the link is known.
// On failure nothing it stored is left behind.
func (s *Server) mintLinked(ctx context.Context, client *storage.Client, sub subject, scopes, refreshScopes []string, now time.Time) (*storage.Token, *storage.Token, error) {
	access, err := s.mintAccess(ctx, client, sub, scopes, "", now)
	if err != nil {
		return nil, nil, err
	}

	refresh, err := s.mintRefresh(ctx, client, sub, refreshScopes, access, now)
	if err != nil {
		s.discardToken(ctx, access)
		return nil, nil, err
	}

	access.RefreshToken = refresh.Value
	if err := s.tokenStore.SaveToken(ctx, access); err != nil {
		s.discardToken(ctx, refresh)
		s.discardToken(ctx, access)
		return nil, nil, fmt.Errorf("failed to link access token: %w", err)
	}
	return access, refresh, nil
}

// discardToken removes a token minted by a grant that then failed.
func (s *Server) discardToken(ctx context.Context, t *storage.Token) {
	if _, err := s.tokenStore.RevokeToken(ctx, t.Value); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.Logger.Warn("Failed to discard token of a failed grant",
			"kind", t.Kind,
			"jti", t.ID,
			"error", err)
	}
}

func recordFor(value string, kind storage.TokenKind, clientID string, sub subject, scopes []string, claims *token.Claims) *storage.Token {
	t := &storage.Token{
		Value:     value,
		Kind:      kind,
		ID:        claims.ID,
		SubjectID: sub.accountID,
		ClientID:  clientID,
		Scopes:    slices.Clone(scopes),
		IssuedAt:  claims.IssuedAtTime(),
		ExpiresAt: claims.ExpiresAtTime(),
	}
	if sub.accountID != 0 {
		t.Claims = map[string]any{
			"id":        sub.accountID,
			"user_name": sub.userName,
		}
	}
	return t
}

// issued converts stored records into the grant result.
func (s *Server) issued(access, refresh *storage.Token) *IssuedToken {
	expiresIn := security.SecondsUntil(access.ExpiresAt, s.now())
	tok := &oauth2.Token{
		AccessToken: access.Value,
		TokenType:   TokenTypeBearer,
		Expiry:      access.ExpiresAt,
		ExpiresIn:   expiresIn,
	}
	if refresh != nil {
		tok.RefreshToken = refresh.Value
	}
	return &IssuedToken{
		Token:     tok,
		TokenID:   access.ID,
		AccountID: access.SubjectID,
		Scopes:    slices.Clone(access.Scopes),
	}
}

// finishGrant records metrics and audit for an issued token.
func (s *Server) finishGrant(ctx context.Context, grantType string, client *storage.Client, access, refresh *storage.Token) *IssuedToken {
	instrumentation.AddIssuedTokenAttributes(trace.SpanFromContext(ctx), client.ClientID, access.SubjectID, util.FormatScope(access.Scopes))
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, grantType, string(storage.TokenKindAccess))
		if refresh != nil {
			m.RecordTokenIssued(ctx, grantType, string(storage.TokenKindRefresh))
		}
	}
	s.Logger.Info("Issued token",
		"grant_type", grantType,
		"client_id", client.ClientID,
		"account_id", access.SubjectID,
		"jti", access.ID,
		"with_refresh", refresh != nil)
	s.Auditor.LogTokenIssued(access.SubjectID, client.ClientID, security.ClientIPFromContext(ctx), grantType, util.FormatScope(access.Scopes))
	return s.issued(access, refresh)
}

// loadSubjectAccount reloads the account a code or refresh token was issued
// to. A deleted account fails the grant.
func (s *Server) loadSubjectAccount(ctx context.Context, accountID int64) (*storage.Account, error) {
	lookupCtx, cancel := s.collaboratorContext(ctx)
	defer cancel()

	account, err := s.accountStore.GetAccount(lookupCtx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, errorf(KindInvalidGrant, "resource owner no longer exists")
		}
		return nil, lookupFailure("account", err)
	}
	return account, nil
}

// ============================================================================
// Grants
// ============================================================================

// PasswordGrant authenticates a resource owner and issues a token pair bound
// to their account. A refresh token is only issued when the client may use
// the refresh_token grant.
func (s *Server) PasswordGrant(ctx context.Context, client *storage.Client, email, password string, requested []string) (_ *IssuedToken, err error) {
	ctx, span := s.startSpan(ctx, "server.PasswordGrant",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, storage.GrantTypePassword))
	defer func() {
		s.recordGrantFailure(ctx, storage.GrantTypePassword, err)
		endSpan(span, err)
	}()

	if err := CheckGrantType(client, storage.GrantTypePassword); err != nil {
		return nil, err
	}
	scopes, err := CheckScope(client, requested)
	if err != nil {
		return nil, err
	}
	if email == "" || password == "" {
		return nil, errorf(KindInvalidGrant, "username and password are required")
	}

	account, err := s.VerifyAccount(ctx, email, password)
	if err != nil {
		return nil, err
	}

	access, refresh, err := s.mintPair(ctx, client, accountSubject(account), scopes, client.AllowsGrantType(storage.GrantTypeRefreshToken))
	if err != nil {
		return nil, err
	}
	return s.finishGrant(ctx, storage.GrantTypePassword, client, access, refresh), nil
}

// ClientCredentialsGrant issues an access token for the client itself. The
// token has no subject, no id claim and no refresh token.
func (s *Server) ClientCredentialsGrant(ctx context.Context, client *storage.Client, requested []string) (_ *IssuedToken, err error) {
	ctx, span := s.startSpan(ctx, "server.ClientCredentialsGrant",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, storage.GrantTypeClientCredentials))
	defer func() {
		s.recordGrantFailure(ctx, storage.GrantTypeClientCredentials, err)
		endSpan(span, err)
	}()

	if err := CheckGrantType(client, storage.GrantTypeClientCredentials); err != nil {
		return nil, err
	}
	scopes, err := CheckScope(client, requested)
	if err != nil {
		return nil, err
	}

	access, _, err := s.mintPair(ctx, client, clientSubject(client), scopes, false)
	if err != nil {
		return nil, err
	}
	return s.finishGrant(ctx, storage.GrantTypeClientCredentials, client, access, nil), nil
}

// ============================================================================
// Authorization code and implicit
// ============================================================================

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        []string
	State        string
}

// AuthorizeResult is the outcome of an approved authorization request.
// Exactly one of Code and Token is set.
type AuthorizeResult struct {
	ResponseType string
	RedirectURI  string
	State        string
	Scopes       []string
	Code         string
	Token        *IssuedToken
}

// ResolveRedirect checks the client and redirect URI of an authorization
// request. Until it succeeds the redirect URI must not be trusted; errors it
// returns are reported to the user agent directly.
func (s *Server) ResolveRedirect(ctx context.Context, req AuthorizeRequest) (*storage.Client, string, error) {
	if req.ClientID == "" {
		return nil, "", errorf(KindInvalidRequest, "client_id is required")
	}
	client, err := s.ResolveClient(ctx, req.ClientID)
	if err != nil {
		return nil, "", err
	}
	if client.RedirectURI == "" {
		return nil, "", errorf(KindUnauthorizedGrant, "client has no registered redirect_uri")
	}
	if req.RedirectURI != "" && req.RedirectURI != client.RedirectURI {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  client.ClientID,
			IPAddress: security.ClientIPFromContext(ctx),
		})
		return nil, "", errorf(KindRedirectMismatch, "redirect_uri does not match the registered value")
	}
	return client, client.RedirectURI, nil
}

// ValidateAuthorizeRequest checks response type, grant and scope of a request
// whose redirect URI has been resolved. It returns the scopes to grant.
func ValidateAuthorizeRequest(client *storage.Client, req AuthorizeRequest) ([]string, error) {
	var grantType string
	switch req.ResponseType {
	case ResponseTypeCode:
		grantType = storage.GrantTypeAuthorizationCode
	case ResponseTypeToken:
		grantType = storage.GrantTypeImplicit
	case "":
		return nil, errorf(KindInvalidRequest, "response_type is required")
	default:
		return nil, errorf(KindUnsupportedResponse, "unsupported response_type %q", util.SafeTruncate(req.ResponseType, 32))
	}
	if err := CheckGrantType(client, grantType); err != nil {
		return nil, err
	}
	return CheckScope(client, req.Scope)
}

// Authorize completes an approved authorization request for owner. For
// response type code it mints a single-use authorization code; for token it
// issues an access token directly, without a refresh token.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest, owner authz.Principal) (_ *AuthorizeResult, err error) {
	ctx, span := s.startSpan(ctx, "server.Authorize",
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))
	grantType := storage.GrantTypeAuthorizationCode
	if req.ResponseType == ResponseTypeToken {
		grantType = storage.GrantTypeImplicit
	}
	defer func() {
		s.recordGrantFailure(ctx, grantType, err)
		endSpan(span, err)
	}()

	if owner.IsClient() {
		return nil, errorf(KindForbidden, "authorization requires an authenticated resource owner")
	}

	client, redirectURI, err := s.ResolveRedirect(ctx, req)
	if err != nil {
		return nil, err
	}
	scopes, err := ValidateAuthorizeRequest(client, req)
	if err != nil {
		return nil, err
	}

	result := &AuthorizeResult{
		ResponseType: req.ResponseType,
		RedirectURI:  redirectURI,
		State:        req.State,
		Scopes:       scopes,
	}

	if req.ResponseType == ResponseTypeToken {
		account, err := s.loadSubjectAccount(ctx, owner.AccountID)
		if err != nil {
			return nil, err
		}
		access, _, err := s.mintPair(ctx, client, accountSubject(account), scopes, false)
		if err != nil {
			return nil, err
		}
		result.Token = s.finishGrant(ctx, storage.GrantTypeImplicit, client, access, nil)
		return result, nil
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:             generateRandomToken(),
		ClientID:         client.ClientID,
		AccountID:        owner.AccountID,
		RedirectURI:      redirectURI,
		RedirectURIGiven: req.RedirectURI != "",
		Scopes:           scopes,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"account_id", owner.AccountID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ClientID)
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		AccountID: owner.AccountID,
		ClientID:  client.ClientID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"scope": util.FormatScope(scopes)},
	})

	result.Code = code.Code
	return result, nil
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
// The code is consumed atomically, so a replay fails with KindInvalidGrant.
// When either step carries redirect_uri, redirectURI must equal the URI the
// authorization resolved to. Both may omit it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI string) (_ *IssuedToken, err error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, storage.GrantTypeAuthorizationCode))
	defer func() {
		s.recordGrantFailure(ctx, storage.GrantTypeAuthorizationCode, err)
		endSpan(span, err)
	}()

	if err := CheckGrantType(client, storage.GrantTypeAuthorizationCode); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errorf(KindInvalidRequest, "code is required")
	}

	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			// Unknown, already redeemed or reaped: indistinguishable here.
			s.Logger.Debug("Authorization code validation failed",
				"reason", "not_found",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
			s.Auditor.LogAuthFailure("", client.ClientID, security.ClientIPFromContext(ctx), "invalid_authorization_code")
			return nil, errorf(KindInvalidGrant, "invalid authorization code")
		case errors.Is(err, storage.ErrAuthorizationCodeExpired):
			return nil, errorf(KindInvalidGrant, "authorization code expired")
		default:
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	if authCode.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", client.ClientID)
		s.Auditor.LogAuthFailure("", client.ClientID, security.ClientIPFromContext(ctx), "client_id_mismatch")
		return nil, errorf(KindInvalidGrant, "invalid authorization code")
	}

	if !redirectMatches(authCode, redirectURI) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID)
		s.Auditor.LogAuthFailure("", client.ClientID, security.ClientIPFromContext(ctx), "redirect_uri_mismatch")
		return nil, errorf(KindRedirectMismatch, "redirect_uri does not match the authorization request")
	}

	account, err := s.loadSubjectAccount(ctx, authCode.AccountID)
	if err != nil {
		return nil, err
	}

	access, refresh, err := s.mintPair(ctx, client, accountSubject(account), authCode.Scopes, client.AllowsGrantType(storage.GrantTypeRefreshToken))
	if err != nil {
		return nil, err
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID)
	}
	return s.finishGrant(ctx, storage.GrantTypeAuthorizationCode, client, access, refresh), nil
}

func redirectMatches(code *storage.AuthorizationCode, presented string) bool {
	if presented == "" && !code.RedirectURIGiven {
		return true
	}
	return presented == code.RedirectURI
}

// ============================================================================
// Refresh
// ============================================================================

// RefreshAccessToken issues a new access token from a refresh token.
//
// The requested scope must be a subset of the original grant; an empty
// request keeps the original scope. With rotation enabled the presented
// refresh token is atomically taken and replaced; otherwise it is kept and
// relinked to the new access token. The previous access token is revoked in
// both modes.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshValue string, requested []string) (_ *IssuedToken, err error) {
	rotate := s.Config.RotateRefreshTokens()
	ctx, span := s.startSpan(ctx, "server.RefreshAccessToken",
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, storage.GrantTypeRefreshToken),
		attribute.Bool(instrumentation.AttrTokenRotated, rotate))
	defer func() {
		s.recordGrantFailure(ctx, storage.GrantTypeRefreshToken, err)
		endSpan(span, err)
	}()

	if err := CheckGrantType(client, storage.GrantTypeRefreshToken); err != nil {
		return nil, err
	}
	if refreshValue == "" {
		return nil, errorf(KindInvalidRequest, "refresh_token is required")
	}

	claims, err := s.codec.Decode(refreshValue)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, newError(KindInvalidGrant, "refresh token expired", err)
		}
		return nil, newError(KindInvalidGrant, "invalid refresh token", err)
	}
	if !claims.IsRefresh() {
		return nil, errorf(KindInvalidGrant, "not a refresh token")
	}

	stored, err := s.tokenStore.GetToken(ctx, refreshValue)
	if err != nil {
		return nil, refreshLookupFailure(err)
	}
	if stored.Kind != storage.TokenKindRefresh || stored.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure("", client.ClientID, security.ClientIPFromContext(ctx), "refresh_token_client_mismatch")
		return nil, errorf(KindInvalidGrant, "invalid refresh token")
	}

	scopes := slices.Clone(stored.Scopes)
	if len(requested) > 0 {
		if extra := util.ScopeDifference(requested, stored.Scopes); len(extra) > 0 {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				AccountID: stored.SubjectID,
				ClientID:  client.ClientID,
				IPAddress: security.ClientIPFromContext(ctx),
				Details:   map[string]any{"requested": util.FormatScope(extra)},
			})
			return nil, errorf(KindInvalidScope, "scope exceeds original grant: %s", util.FormatScope(extra))
		}
		scopes = slices.Clone(requested)
	}

	// Everything that can fail without side effects runs before the refresh
	// token is taken, so a failed attempt leaves it usable.
	var sub subject
	if stored.HasSubject() {
		account, err := s.loadSubjectAccount(ctx, stored.SubjectID)
		if err != nil {
			return nil, err
		}
		sub = accountSubject(account)
	} else {
		sub = clientSubject(client)
	}

	now := s.now()
	var access, refresh *storage.Token
	var previousAccess string
	if rotate {
		// Only one concurrent refresh with the same value gets past this point.
		if stored, err = s.tokenStore.TakeToken(ctx, refreshValue); err != nil {
			return nil, refreshLookupFailure(err)
		}
		previousAccess = stored.AccessToken
		// The replacement keeps the scope of the original grant so a narrowed
		// refresh does not shrink later ones.
		access, refresh, err = s.mintLinked(ctx, client, sub, scopes, stored.Scopes, now)
		if err != nil {
			s.restoreRefreshToken(ctx, stored)
			return nil, err
		}
	} else {
		previousAccess = stored.AccessToken
		access, err = s.mintAccess(ctx, client, sub, scopes, stored.Value, now)
		if err != nil {
			return nil, err
		}
		stored.AccessToken = access.Value
		if err := s.tokenStore.SaveToken(ctx, stored); err != nil {
			s.discardToken(ctx, access)
			return nil, fmt.Errorf("failed to relink refresh token: %w", err)
		}
		refresh = stored
	}

	if previousAccess != "" {
		if _, err := s.tokenStore.RevokeToken(ctx, previousAccess); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Warn("Failed to revoke previous access token", "error", err)
		}
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID, rotate)
	}
	s.Auditor.LogTokenRefreshed(stored.SubjectID, client.ClientID, security.ClientIPFromContext(ctx), rotate)
	return s.finishGrant(ctx, storage.GrantTypeRefreshToken, client, access, refresh), nil
}

// restoreRefreshToken puts back a refresh token taken by a rotation that
// failed before issuing its replacement.
func (s *Server) restoreRefreshToken(ctx context.Context, t *storage.Token) {
	if err := s.tokenStore.SaveToken(ctx, t); err != nil {
		s.Logger.Warn("Failed to restore refresh token after a failed rotation",
			"jti", t.ID,
			"client_id", t.ClientID,
			"error", err)
	}
}

func refreshLookupFailure(err error) error {
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		return errorf(KindInvalidGrant, "invalid refresh token")
	case errors.Is(err, storage.ErrTokenExpired):
		return errorf(KindInvalidGrant, "refresh token expired")
	default:
		return fmt.Errorf("failed to load refresh token: %w", err)
	}
}

// ============================================================================
// Validation, introspection and revocation
// ============================================================================

// ValidateAccessToken verifies the signature of value and checks that the
// token store still holds it. Failures are KindTokenExpired,
// KindTokenInvalidSignature or KindTokenNotFound.
func (s *Server) ValidateAccessToken(ctx context.Context, value string) (_ authz.Principal, err error) {
	ctx, span := s.startSpan(ctx, "server.ValidateAccessToken")
	defer func() {
		if m := s.metrics(); m != nil {
			result := "valid"
			if err != nil {
				result = string(KindOf(err))
			}
			m.RecordTokenValidation(ctx, result)
		}
		endSpan(span, err)
	}()

	claims, err := s.codec.Decode(value)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			return authz.Principal{}, newError(KindTokenExpired, "access token expired", err)
		case errors.Is(err, token.ErrInvalidSignature):
			return authz.Principal{}, newError(KindTokenInvalidSignature, "invalid token signature", err)
		default:
			return authz.Principal{}, newError(KindTokenInvalidSignature, "malformed token", err)
		}
	}
	if claims.IsRefresh() {
		return authz.Principal{}, errorf(KindTokenNotFound, "not an access token")
	}

	stored, err := s.tokenStore.GetToken(ctx, value)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound):
			return authz.Principal{}, newError(KindTokenNotFound, "token is not active", err)
		case errors.Is(err, storage.ErrTokenExpired):
			return authz.Principal{}, newError(KindTokenExpired, "access token expired", err)
		default:
			return authz.Principal{}, fmt.Errorf("failed to load access token: %w", err)
		}
	}
	if stored.Kind != storage.TokenKindAccess {
		return authz.Principal{}, errorf(KindTokenNotFound, "not an access token")
	}

	p := authz.Principal{
		AccountID:   stored.SubjectID,
		ClientID:    stored.ClientID,
		Authorities: slices.Clone(claims.Authorities),
		Scopes:      slices.Clone(stored.Scopes),
		TokenID:     stored.ID,
		ExpiresAt:   stored.ExpiresAt,
	}
	if stored.HasSubject() {
		p.Email = claims.UserName
		for _, a := range claims.Authorities {
			if role, err := storage.ParseRole(a); err == nil {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p, nil
}

// Introspection describes a token for the check_token endpoint.
type Introspection struct {
	Active      bool
	ExpiresAt   time.Time
	UserName    string
	Authorities []string
	ClientID    string
	Scopes      []string
	AccountID   int64
	TokenID     string
}

// Introspect reports whether value is an active access token. It never
// fails: any validation error yields an inactive result.
func (s *Server) Introspect(ctx context.Context, value string) Introspection {
	p, err := s.ValidateAccessToken(ctx, value)
	if err != nil {
		s.Logger.Debug("Introspected inactive token",
			"reason", string(KindOf(err)),
			"token_prefix", util.SafeTruncate(value, tokenIDLogLength))
		return Introspection{Active: false}
	}
	return Introspection{
		Active:      true,
		ExpiresAt:   p.ExpiresAt,
		UserName:    p.Email,
		Authorities: p.Authorities,
		ClientID:    p.ClientID,
		Scopes:      p.Scopes,
		AccountID:   p.AccountID,
		TokenID:     p.TokenID,
	}
}

// RevokeToken removes a token from the store and returns its record.
// Revoking a refresh token also removes its paired access token.
// Unknown values fail with KindTokenNotFound.
func (s *Server) RevokeToken(ctx context.Context, value string) (_ *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "server.RevokeToken")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(value) == "" {
		return nil, errorf(KindInvalidRequest, "token is required")
	}

	revoked, err := s.tokenStore.RevokeToken(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return nil, newError(KindTokenNotFound, "invalid token", err)
		}
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}

	cascaded := revoked.Kind == storage.TokenKindRefresh && revoked.AccessToken != ""
	span.SetAttributes(
		attribute.String(instrumentation.AttrTokenKind, string(revoked.Kind)),
		attribute.Bool(instrumentation.AttrTokenCascade, cascaded))

	s.Logger.Info("Revoked token",
		"kind", revoked.Kind,
		"client_id", revoked.ClientID,
		"jti", revoked.ID)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, string(revoked.Kind), cascaded)
	}
	s.Auditor.LogTokenRevoked(revoked.SubjectID, revoked.ClientID, security.ClientIPFromContext(ctx), string(revoked.Kind))
	return revoked, nil
}

// RevokeAllForSubject removes every token issued to an account and returns
// how many were removed.
func (s *Server) RevokeAllForSubject(ctx context.Context, accountID int64, reason string) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "server.RevokeAllForSubject")
	defer func() { endSpan(span, err) }()

	count, err := s.tokenStore.RevokeAllForSubject(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for account %d: %w", accountID, err)
	}

	s.Logger.Info("Revoked all tokens for account", "account_id", accountID, "count", count, "reason", reason)
	if m := s.metrics(); m != nil {
		m.RecordSubjectRevocation(ctx, count)
	}
	s.Auditor.LogAllTokensRevoked(accountID, count, reason)
	return count, nil
}
