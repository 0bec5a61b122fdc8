package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nuguri/nuguri-auth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientName       string   `json:"client_name,omitempty"`
	GrantTypes       []string `json:"grant_types"`
	Scopes           []string `json:"scopes,omitempty"`
	RedirectURI      string   `json:"redirect_uri,omitempty"`
	AccessTokenTTL   int64    `json:"access_token_ttl"`
	RefreshTokenTTL  int64    `json:"refresh_token_ttl"`
	OwnerID          int64    `json:"owner_id,omitempty"`
	ResourceIDs      []string `json:"resource_ids,omitempty"`
	Authorities      []string `json:"authorities,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	authorities := make([]string, 0, len(client.Authorities))
	for _, r := range client.Authorities {
		authorities = append(authorities, string(r))
	}
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientName:       client.ClientName,
		GrantTypes:       client.GrantTypes,
		Scopes:           client.Scopes,
		RedirectURI:      client.RedirectURI,
		AccessTokenTTL:   client.AccessTokenTTL,
		RefreshTokenTTL:  client.RefreshTokenTTL,
		OwnerID:          client.OwnerID,
		ResourceIDs:      client.ResourceIDs,
		Authorities:      authorities,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	var authorities []storage.Role
	for _, r := range j.Authorities {
		authorities = append(authorities, storage.Role(r))
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientName:       j.ClientName,
		GrantTypes:       j.GrantTypes,
		Scopes:           j.Scopes,
		RedirectURI:      j.RedirectURI,
		AccessTokenTTL:   j.AccessTokenTTL,
		RefreshTokenTTL:  j.RefreshTokenTTL,
		OwnerID:          j.OwnerID,
		ResourceIDs:      j.ResourceIDs,
		Authorities:      authorities,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if err := client.Validate(); err != nil {
		return fmt.Errorf("invalid client: %w", err)
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "client_id"); err != nil {
		return err
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

// ListClients returns one page of clients. ownerID 0 lists every client.
// Clients are collected with SCAN, then filtered, sorted and paged in memory.
func (s *Store) ListClients(ctx context.Context, ownerID int64, page storage.Page) ([]*storage.Client, int, error) {
	pattern := s.clientKey("*")

	// SCAN can return the same key more than once
	seen := make(map[string]struct{})
	var all []*storage.Client

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, 0, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping", "key", key, "error", err)
				continue
			}
			if ownerID == 0 || j.OwnerID == ownerID {
				all = append(all, fromClientJSON(&j))
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	storage.SortClients(all, page)
	return storage.Paginate(all, page), len(all), nil
}
