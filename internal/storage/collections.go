package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiken-ai/shiken/internal/model"
)

// GetCollection retrieves a collection by ID.
func (db *DB) GetCollection(ctx context.Context, id uuid.UUID) (model.Collection, error) {
	var c model.Collection
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, slug, description, visibility, created_at, updated_at
		 FROM collections WHERE id = $1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Slug, &c.Description, &c.Visibility,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Collection{}, ErrNotFound
		}
		return model.Collection{}, fmt.Errorf("storage: get collection: %w", err)
	}
	return c, nil
}

// ListCollectionTools returns the tools registered in a collection, ordered
// by creation time.
func (db *DB) ListCollectionTools(ctx context.Context, collectionID uuid.UUID) ([]model.Tool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, collection_id, name, package_name, description, input_schema, created_at
		 FROM collection_tools WHERE collection_id = $1
		 ORDER BY created_at ASC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tools: %w", err)
	}
	defer rows.Close()

	var tools []model.Tool
	for rows.Next() {
		var t model.Tool
		if err := rows.Scan(&t.ID, &t.CollectionID, &t.Name, &t.PackageName,
			&t.Description, &t.InputSchema, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// CollectionAccess is the ownership/visibility pair authz needs.
type CollectionAccess struct {
	OwnerID    uuid.UUID
	Visibility model.Visibility
}

// GetCollectionAccess returns just the fields needed for an
// owner-or-public check, avoiding a full row fetch on the hot path.
func (db *DB) GetCollectionAccess(ctx context.Context, id uuid.UUID) (CollectionAccess, error) {
	var a CollectionAccess
	err := db.pool.QueryRow(ctx,
		`SELECT owner_id, visibility FROM collections WHERE id = $1`, id,
	).Scan(&a.OwnerID, &a.Visibility)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CollectionAccess{}, ErrNotFound
		}
		return CollectionAccess{}, fmt.Errorf("storage: get collection access: %w", err)
	}
	return a, nil
}
