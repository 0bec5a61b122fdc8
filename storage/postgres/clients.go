package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nuguri/nuguri-auth/storage"
)

const clientColumns = `client_id, client_secret_hash, client_name, grant_types, scopes, redirect_uri,
	access_token_ttl, refresh_token_ttl, owner_id, resource_ids, authorities, created_at`

func scanClient(row interface{ Scan(...any) error }) (*storage.Client, error) {
	c := &storage.Client{}
	var grantTypes, scopes, resourceIDs, authorities string
	err := row.Scan(&c.ClientID, &c.ClientSecretHash, &c.ClientName, &grantTypes, &scopes, &c.RedirectURI,
		&c.AccessTokenTTL, &c.RefreshTokenTTL, &c.OwnerID, &resourceIDs, &authorities, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.GrantTypes = splitList(grantTypes)
	c.Scopes = splitList(scopes)
	c.ResourceIDs = splitList(resourceIDs)
	for _, r := range splitList(authorities) {
		c.Authorities = append(c.Authorities, storage.Role(r))
	}
	return c, nil
}

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return fmt.Errorf("invalid client: %w", err)
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = s.now().UTC()
	}

	query := `INSERT INTO clients (` + clientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_name = EXCLUDED.client_name,
			grant_types = EXCLUDED.grant_types,
			scopes = EXCLUDED.scopes,
			redirect_uri = EXCLUDED.redirect_uri,
			access_token_ttl = EXCLUDED.access_token_ttl,
			refresh_token_ttl = EXCLUDED.refresh_token_ttl,
			owner_id = EXCLUDED.owner_id,
			resource_ids = EXCLUDED.resource_ids,
			authorities = EXCLUDED.authorities`

	_, err := s.db.ExecContext(ctx, query,
		client.ClientID, client.ClientSecretHash, client.ClientName,
		joinList(client.GrantTypes), joinList(client.Scopes), client.RedirectURI,
		client.AccessTokenTTL, client.RefreshTokenTTL, client.OwnerID,
		joinList(client.ResourceIDs), joinRoles(client.Authorities), client.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, clientID)
	c, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// ListClients returns one page of clients. ownerID 0 lists every client.
func (s *Store) ListClients(ctx context.Context, ownerID int64, page storage.Page) ([]*storage.Client, int, error) {
	where := ``
	args := []any{}
	if ownerID != 0 {
		where = ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM clients`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM clients%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		clientColumns, where, page.OrderBy(storage.ClientSortFields, "created_at ASC"), n+1, n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit(), page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("db error: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	return out, total, nil
}
