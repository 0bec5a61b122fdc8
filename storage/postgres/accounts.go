package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nuguri/nuguri-auth/internal/dbx"
	"github.com/nuguri/nuguri-auth/storage"
)

const accountColumns = `id, email, password_hash, name, roles, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*storage.Account, error) {
	a := &storage.Account{}
	var roles string
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Name, &roles, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	for _, r := range splitList(roles) {
		a.Roles = append(a.Roles, storage.Role(r))
	}
	return a, nil
}

func joinRoles(roles []storage.Role) string {
	items := make([]string, len(roles))
	for i, r := range roles {
		items[i] = string(r)
	}
	return joinList(items)
}

// CreateAccount inserts account and fills in its ID and timestamps.
func (s *Store) CreateAccount(ctx context.Context, account *storage.Account) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}
	now := s.now().UTC()
	query := `INSERT INTO accounts (email, password_hash, name, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		account.Email, account.PasswordHash, account.Name, joinRoles(account.Roles), now).Scan(&account.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAccountExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	account.CreatedAt = now
	account.UpdatedAt = now

	s.logger.Debug("Created account", "account_id", account.ID)
	return nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// GetAccountByEmail retrieves an account by its unique email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// UpdateAccount replaces name, password hash and roles.
func (s *Store) UpdateAccount(ctx context.Context, account *storage.Account) error {
	if err := account.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET name = $1, password_hash = $2, roles = $3, updated_at = $4 WHERE id = $5`,
		account.Name, account.PasswordHash, joinRoles(account.Roles), now, account.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrAccountNotFound
	}
	account.UpdatedAt = now
	return nil
}

// DeleteAccount removes an account together with the clients it owns.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE owner_id = $1`, id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrAccountNotFound
		}
		s.logger.Debug("Deleted account", "account_id", id)
		return nil
	})
}

// ListAccounts returns one page of accounts ordered by the page's sort fields.
func (s *Store) ListAccounts(ctx context.Context, page storage.Page) ([]*storage.Account, int, error) {
	total, err := s.CountAccounts(ctx)
	if err != nil {
		return nil, 0, err
	}

	// ORDER BY is built from the allow-list only.
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY ` +
		page.OrderBy(storage.AccountSortFields, "id ASC") + ` LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*storage.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("db error: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	return out, total, nil
}

// CountAccounts returns the number of accounts.
func (s *Store) CountAccounts(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM accounts`).Scan(&total); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return total, nil
}
