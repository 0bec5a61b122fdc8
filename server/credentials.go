package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/nuguri/nuguri-auth/security"
	"github.com/nuguri/nuguri-auth/storage"
)

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// compareDummy burns one bcrypt comparison at the default cost so that an
// unknown identifier takes as long to reject as a wrong secret.
func compareDummy(secret string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("nuguri-dummy-secret"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}

// HashSecret returns the bcrypt hash of a password or client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// lookupFailure classifies an error returned by a store lookup.
func lookupFailure(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindServiceUnavailable, what+" lookup timed out", err)
	}
	return fmt.Errorf("failed to look up %s: %w", what, err)
}

// VerifyAccount checks resource-owner credentials. Unknown emails and wrong
// passwords fail alike with KindInvalidGrant.
func (s *Server) VerifyAccount(ctx context.Context, email, password string) (*storage.Account, error) {
	lookupCtx, cancel := s.collaboratorContext(ctx)
	account, err := s.accountStore.GetAccountByEmail(lookupCtx, strings.ToLower(strings.TrimSpace(email)))
	cancel()
	if err != nil && !errors.Is(err, storage.ErrAccountNotFound) {
		compareDummy(password)
		return nil, lookupFailure("account", err)
	}

	if account == nil {
		compareDummy(password)
		s.authFailure(ctx, email, "", "unknown_account")
		return nil, errorf(KindInvalidGrant, "bad credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		s.authFailure(ctx, email, "", "invalid_password")
		return nil, errorf(KindInvalidGrant, "bad credentials")
	}

	return account, nil
}

// VerifyClient checks client credentials. Unknown clients and wrong secrets
// fail alike with KindInvalidClient.
func (s *Server) VerifyClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		compareDummy(clientSecret)
		return nil, errorf(KindInvalidClient, "client authentication required")
	}

	lookupCtx, cancel := s.collaboratorContext(ctx)
	client, err := s.clientStore.GetClient(lookupCtx, clientID)
	cancel()
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		compareDummy(clientSecret)
		return nil, lookupFailure("client", err)
	}

	if client == nil || client.ClientSecretHash == "" {
		compareDummy(clientSecret)
		s.authFailure(ctx, "", clientID, "unknown_client")
		return nil, errorf(KindInvalidClient, "client authentication failed")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.authFailure(ctx, "", clientID, "invalid_client_secret")
		return nil, errorf(KindInvalidClient, "client authentication failed")
	}

	return client, nil
}

func (s *Server) authFailure(ctx context.Context, email, clientID, reason string) {
	s.Logger.Warn("Authentication failed", "client_id", clientID, "reason", reason)
	if m := s.metrics(); m != nil {
		m.RecordAuthFailure(ctx, reason)
	}
	s.Auditor.LogAuthFailure(email, clientID, security.ClientIPFromContext(ctx), reason)
}
