package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

// GetAPIKey loads an API key record by its public id half.
func (r *Repository) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	const query = `SELECT id, name, secret_hash, disabled, created_at FROM api_keys WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var key domain.APIKey
	if err := row.Scan(&key.ID, &key.Name, &key.SecretHash, &key.Disabled, &key.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}
