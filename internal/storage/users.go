package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiken-ai/shiken/internal/model"
)

// GetUserByHandle retrieves a user by login handle.
func (db *DB) GetUserByHandle(ctx context.Context, handle string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, handle, name, role, api_key_hash, created_at, updated_at
		 FROM users WHERE handle = $1`, handle,
	).Scan(&u.ID, &u.Handle, &u.Name, &u.Role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user by handle: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, handle, name, role, api_key_hash, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Handle, &u.Name, &u.Role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new user. Returns ErrConflict when the handle is
// already taken.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	now := time.Now().UTC()
	u.ID = uuid.New()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, handle, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Handle, u.Name, u.Role, u.APIKeyHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return model.User{}, ErrConflict
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// UpsertAdminUser seeds or refreshes the bootstrap admin account.
// Used at startup when SHIKEN_ADMIN_API_KEY is set.
func (db *DB) UpsertAdminUser(ctx context.Context, handle, keyHash string) (model.User, error) {
	now := time.Now().UTC()
	u := model.User{
		ID:        uuid.New(),
		Handle:    handle,
		Name:      "Administrator",
		Role:      model.RoleAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, handle, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, 'admin', $4, $5, $5)
		 ON CONFLICT (handle) DO UPDATE SET api_key_hash = EXCLUDED.api_key_hash, updated_at = now()
		 RETURNING id, created_at, updated_at`,
		u.ID, u.Handle, u.Name, keyHash, now,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: upsert admin user: %w", err)
	}
	u.APIKeyHash = &keyHash
	return u, nil
}
