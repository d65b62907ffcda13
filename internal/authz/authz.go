// Package authz provides access-control helpers shared by the HTTP server
// and the MCP server.
//
// This package exists so both transports apply identical rules without
// creating a circular dependency (both import this package; neither imports
// the other).
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/storage"
)

// AccessSource resolves the ownership/visibility pair for a collection.
// Implemented by *storage.DB.
type AccessSource interface {
	GetCollectionAccess(ctx context.Context, id uuid.UUID) (storage.CollectionAccess, error)
}

// Checker answers collection and scenario access questions, caching
// collection ownership/visibility lookups with a short TTL.
type Checker struct {
	db    AccessSource
	cache *AccessCache
}

// NewChecker creates a Checker. cache may be nil to disable caching.
func NewChecker(db AccessSource, cache *AccessCache) *Checker {
	return &Checker{db: db, cache: cache}
}

// CanAccessCollection checks whether the caller may read a collection and
// its scenarios. The rules are:
//   - admin: always allowed
//   - anyone: allowed when the collection is public
//   - otherwise: owner only
func (c *Checker) CanAccessCollection(ctx context.Context, claims *auth.Claims, collectionID uuid.UUID) (bool, error) {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true, nil
	}

	access, err := c.collectionAccess(ctx, collectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("authz: resolve collection access: %w", err)
	}

	if access.Visibility == model.VisibilityPublic {
		return true, nil
	}
	return access.OwnerID == claims.UserID(), nil
}

// CanAccessScenario checks whether the caller may read a scenario. An
// orphaned scenario (collection deleted) is visible to its owner and admins
// only; otherwise access follows the collection.
func (c *Checker) CanAccessScenario(ctx context.Context, claims *auth.Claims, scenario model.Scenario) (bool, error) {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true, nil
	}
	collectionID, ok := scenario.Owned()
	if !ok {
		return scenario.OwnerID == claims.UserID(), nil
	}
	if scenario.OwnerID == claims.UserID() {
		return true, nil
	}
	return c.CanAccessCollection(ctx, claims, collectionID)
}

// CanViewRunDetail reports whether the caller sees full run records
// (transcript and error log) for a scenario. Owners and admins do; everyone
// else gets the redacted summary form.
func CanViewRunDetail(claims *auth.Claims, scenario model.Scenario) bool {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true
	}
	return scenario.OwnerID == claims.UserID()
}

// CanWrite reports whether the caller's role permits mutating operations
// (creating scenarios, triggering runs). Readers are browse-only.
func CanWrite(claims *auth.Claims) bool {
	return model.RoleAtLeast(claims.Role, model.RoleUser)
}

func (c *Checker) collectionAccess(ctx context.Context, collectionID uuid.UUID) (storage.CollectionAccess, error) {
	if c.cache != nil {
		if access, ok := c.cache.Get(collectionID); ok {
			return access, nil
		}
	}
	access, err := c.db.GetCollectionAccess(ctx, collectionID)
	if err != nil {
		return storage.CollectionAccess{}, err
	}
	if c.cache != nil {
		c.cache.Set(collectionID, access)
	}
	return access, nil
}
