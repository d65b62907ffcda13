// Package search maintains an optional Qdrant index of scenario prompt
// vectors. Postgres (pgvector) remains the source of truth; the index is an
// accelerator for similarity lookups and is kept in sync best-effort on
// scenario writes.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds a scenario ID and its raw similarity score from the index.
// The caller hydrates full Scenario rows from Postgres.
type Result struct {
	ScenarioID uuid.UUID
	Score      float32
}

// Index is the interface for the scenario prompt vector index.
// Implementations must be safe for concurrent use.
type Index interface {
	// FindSimilar returns scenario IDs similar to the embedding within a
	// collection. excludeID is removed from results (the source scenario).
	FindSimilar(ctx context.Context, collectionID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error)

	// Upsert inserts or updates scenario points.
	Upsert(ctx context.Context, points []ScenarioPoint) error

	// DeleteByIDs removes scenario points from the index.
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
