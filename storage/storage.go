package storage

import (
	"context"
)

// AccountStore persists resource-owner accounts.
// All methods accept context.Context for tracing and cancellation.
type AccountStore interface {
	// CreateAccount inserts a new account and assigns its ID.
	// Returns ErrAccountExists if the email is already registered.
	CreateAccount(ctx context.Context, account *Account) error

	// GetAccount retrieves an account by ID
	GetAccount(ctx context.Context, id int64) (*Account, error)

	// GetAccountByEmail retrieves an account by its unique email
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	// UpdateAccount replaces the mutable fields (name, password hash, roles) of an account
	UpdateAccount(ctx context.Context, account *Account) error

	// DeleteAccount removes an account
	DeleteAccount(ctx context.Context, id int64) error

	// ListAccounts returns one page of accounts and the total count
	ListAccounts(ctx context.Context, page Page) ([]*Account, int, error)
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// SaveClient creates or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients returns one page of clients. ownerID 0 lists every client.
	ListClients(ctx context.Context, ownerID int64, page Page) ([]*Client, int, error)
}

// TokenStore is the authoritative record of issued tokens, keyed by token value.
//
// Revoking a refresh token cascades to the access token it is paired with.
// Saving a value that already exists atomically replaces the previous entry
// (last writer wins).
type TokenStore interface {
	// SaveToken stores a token under its value
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token by value.
	// Returns ErrTokenNotFound for unknown values and ErrTokenExpired for expired ones.
	GetToken(ctx context.Context, value string) (*Token, error)

	// RevokeToken removes a token, cascading from refresh to paired access token.
	// Returns the removed token, or ErrTokenNotFound.
	RevokeToken(ctx context.Context, value string) (*Token, error)

	// TakeToken atomically retrieves and removes a token without cascading.
	// Concurrent callers for the same value observe exactly one success.
	TakeToken(ctx context.Context, value string) (*Token, error)

	// RevokeAllForSubject removes every token issued to an account and
	// returns how many were removed.
	RevokeAllForSubject(ctx context.Context, accountID int64) (int, error)
}

// FlowStore persists authorization codes between the authorize and token steps.
type FlowStore interface {
	// SaveAuthorizationCode stores a freshly minted authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically finds and deletes a code.
	// A second call for the same code returns ErrAuthorizationCodeNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}
