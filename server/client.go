package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/instrumentation"
	"github.com/nuguri/nuguri-auth/internal/util"
	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
)

// RegisterClientRequest carries the caller supplied fields of a new client.
type RegisterClientRequest struct {
	ClientName  string
	RedirectURI string
	ResourceIDs []string
}

// ResolveClient looks up a client by id. Unknown ids fail with
// KindInvalidClient.
func (s *Server) ResolveClient(ctx context.Context, clientID string) (*storage.Client, error) {
	lookupCtx, cancel := s.collaboratorContext(ctx)
	defer cancel()

	client, err := s.clientStore.GetClient(lookupCtx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errorf(KindInvalidClient, "unknown client %q", util.SafeTruncate(clientID, 64))
		}
		return nil, lookupFailure("client", err)
	}
	return client, nil
}

// AuthenticateClient resolves a client and checks its secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	return s.VerifyClient(ctx, clientID, clientSecret)
}

// CheckGrantType fails with KindUnauthorizedGrant unless the client may use grantType.
func CheckGrantType(client *storage.Client, grantType string) error {
	if !client.AllowsGrantType(grantType) {
		return errorf(KindUnauthorizedGrant, "client is not allowed to use grant type %s", grantType)
	}
	return nil
}

// CheckScope returns the scopes to grant for requested. An empty request
// grants the client's full scope set. Any scope outside the client's set
// fails the whole request; the request is never narrowed.
func CheckScope(client *storage.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(client.Scopes), nil
	}
	if extra := util.ScopeDifference(requested, client.Scopes); len(extra) > 0 {
		return nil, errorf(KindInvalidScope, "scope not allowed for client: %s", util.FormatScope(extra))
	}
	return slices.Clone(requested), nil
}

// RegisterClient creates a client owned by the calling account and returns
// it with its plain secret. The secret is only ever returned here.
//
// Registered clients use the authorization_code, implicit and refresh_token
// grants with the read scope; administrators also get write.
func (s *Server) RegisterClient(ctx context.Context, owner authz.Principal, req RegisterClientRequest) (*storage.Client, string, error) {
	ctx, span := s.startSpan(ctx, "server.RegisterClient")
	var err error
	defer func() { endSpan(span, err) }()

	if owner.IsClient() {
		err = errorf(KindForbidden, "clients cannot register clients")
		return nil, "", err
	}

	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		err = errorf(KindInvalidRequest, "redirect_uri is required")
		return nil, "", err
	}
	if verr := util.ValidateRedirectURI(redirectURI); verr != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			AccountID: owner.AccountID,
			IPAddress: security.ClientIPFromContext(ctx),
			Details:   map[string]any{"reason": verr.Error()},
		})
		err = newError(KindInvalidRequest, "invalid redirect_uri", verr)
		return nil, "", err
	}

	scopes := []string{storage.ScopeRead}
	if owner.IsAdmin() {
		scopes = append(scopes, storage.ScopeWrite)
	}

	secret := generateRandomToken()
	hash, herr := HashSecret(secret)
	if herr != nil {
		err = herr
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:         uuid.NewString(),
		ClientSecretHash: hash,
		ClientName:       strings.TrimSpace(req.ClientName),
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeImplicit,
			storage.GrantTypeRefreshToken,
		},
		Scopes:          scopes,
		RedirectURI:     redirectURI,
		AccessTokenTTL:  s.Config.ClientAccessTokenTTL,
		RefreshTokenTTL: s.Config.ClientRefreshTokenTTL,
		OwnerID:         owner.AccountID,
		ResourceIDs:     slices.Clone(req.ResourceIDs),
		Authorities:     slices.Clone(owner.Roles),
		CreatedAt:       s.now(),
	}

	if serr := s.clientStore.SaveClient(ctx, client); serr != nil {
		err = fmt.Errorf("failed to save client: %w", serr)
		return nil, "", err
	}

	s.Logger.Info("Registered new client",
		"client_id", client.ClientID,
		"owner_id", client.OwnerID)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx)
	}
	s.Auditor.LogClientRegistered(client.ClientID, client.OwnerID, client.GrantTypes)

	return client, secret, nil
}

// EnsureClient stores client with secret hashed unless a client with the same
// id already exists. Used to bootstrap the first-party client on startup.
func (s *Server) EnsureClient(ctx context.Context, client *storage.Client, secret string) (created bool, err error) {
	if _, err := s.clientStore.GetClient(ctx, client.ClientID); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrClientNotFound) {
		return false, fmt.Errorf("failed to look up client: %w", err)
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return false, err
	}
	client.ClientSecretHash = hash
	if client.CreatedAt.IsZero() {
		client.CreatedAt = s.now()
	}
	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return false, fmt.Errorf("failed to save client: %w", err)
	}
	return true, nil
}

// GetClient returns a client the principal owns (or any client for ADMIN).
func (s *Server) GetClient(ctx context.Context, p authz.Principal, clientID string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, errorf(KindNotFound, "client not found")
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if err := s.guard(ctx, p, client.OwnerID, "client"); err != nil {
		return nil, err
	}
	return client, nil
}

// DeleteClient removes a client the principal owns (or any client for ADMIN).
func (s *Server) DeleteClient(ctx context.Context, p authz.Principal, clientID string) error {
	if _, err := s.GetClient(ctx, p, clientID); err != nil {
		return err
	}
	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return errorf(KindNotFound, "client not found")
		}
		return fmt.Errorf("failed to delete client: %w", err)
	}

	s.Logger.Info("Deleted client", "client_id", clientID, "by_account", p.AccountID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientDeleted,
		AccountID: p.AccountID,
		ClientID:  clientID,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	return nil
}

// ListClients returns the principal's own clients. ADMIN sees every client.
func (s *Server) ListClients(ctx context.Context, p authz.Principal, page storage.Page) ([]*storage.Client, int, error) {
	if p.IsClient() {
		return nil, 0, errorf(KindForbidden, "clients do not own clients")
	}
	ownerID := p.AccountID
	if p.IsAdmin() {
		ownerID = 0
	}
	clients, total, err := s.clientStore.ListClients(ctx, ownerID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, total, nil
}

// guard runs the ownership check and records denials.
func (s *Server) guard(ctx context.Context, p authz.Principal, ownerID int64, resource string) error {
	instrumentation.AddOwnershipAttributes(trace.SpanFromContext(ctx), resource, ownerID)
	if err := authz.Authorize(p, ownerID); err != nil {
		s.Logger.Warn("Ownership check denied request",
			"resource", resource,
			"account_id", p.AccountID,
			"client_id", p.ClientID)
		if m := s.metrics(); m != nil {
			m.RecordOwnershipDenied(ctx, resource)
		}
		s.Auditor.LogOwnershipDenied(p.AccountID, p.ClientID, resource)
		return newError(KindForbidden, "access is denied", err)
	}
	return nil
}
