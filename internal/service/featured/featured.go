// Package featured assembles the homepage scenario showcase.
//
// The selection mixes three buckets: top quality, collection diversity, and
// freshness. Buckets are sized by ceil-rounded shares of the requested
// limit, deduplicated, truncated, then shuffled so the page does not read as
// a static leaderboard.
package featured

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/model"
)

// Bucket shares. Quality anchors the page, diversity keeps one collection
// from monopolizing it, freshness gives new scenarios a shot.
const (
	qualityShare   = 0.40
	diversityShare = 0.30
	freshShare     = 0.30
)

// Candidate selection floor: scenarios below this never get featured.
const (
	minQuality = 0.3
	minRuns    = 1
)

// DefaultLimit is the showcase size when the caller does not specify one.
const DefaultLimit = 12

// Store is the persistence surface the selector needs.
type Store interface {
	// ListScenariosForFeatured returns candidates ordered by "quality" or
	// "fresh", filtered to the quality floor.
	ListScenariosForFeatured(ctx context.Context, orderBy string, minQuality float64, minRuns, limit int) ([]model.Scenario, error)
}

// Selector picks the featured scenario set.
type Selector struct {
	db     Store
	logger *slog.Logger

	// shuffle is swappable so tests can pin the display order.
	shuffle func([]model.Scenario)
}

// New creates a featured Selector.
func New(db Store, logger *slog.Logger) *Selector {
	return &Selector{
		db:     db,
		logger: logger,
		shuffle: func(s []model.Scenario) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
}

// Select returns up to limit featured scenarios. limit <= 0 falls back to
// DefaultLimit. Fewer candidates than the limit yields a shorter list, never
// padding.
func (s *Selector) Select(ctx context.Context, limit int) ([]model.Scenario, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	// Over-fetch so the diversity bucket has collections to choose from
	// after the quality bucket takes the head of the list.
	byQuality, err := s.db.ListScenariosForFeatured(ctx, "quality", minQuality, minRuns, limit*4)
	if err != nil {
		return nil, err
	}
	byFreshness, err := s.db.ListScenariosForFeatured(ctx, "fresh", minQuality, minRuns, limit*4)
	if err != nil {
		return nil, err
	}

	nQuality := bucketSize(limit, qualityShare)
	nDiverse := bucketSize(limit, diversityShare)
	nFresh := bucketSize(limit, freshShare)

	picked := make([]model.Scenario, 0, limit)
	seen := make(map[uuid.UUID]bool)
	take := func(sc model.Scenario) bool {
		if seen[sc.ID] {
			return false
		}
		seen[sc.ID] = true
		picked = append(picked, sc)
		return true
	}

	for _, sc := range byQuality {
		if nQuality == 0 {
			break
		}
		if take(sc) {
			nQuality--
		}
	}

	// Diversity: best remaining scenario from each collection not yet
	// represented, in quality order.
	represented := make(map[uuid.UUID]bool)
	for _, sc := range picked {
		if cid, ok := sc.Owned(); ok {
			represented[cid] = true
		}
	}
	for _, sc := range byQuality {
		if nDiverse == 0 {
			break
		}
		cid, ok := sc.Owned()
		if !ok || represented[cid] {
			continue
		}
		if take(sc) {
			represented[cid] = true
			nDiverse--
		}
	}

	for _, sc := range byFreshness {
		if nFresh == 0 {
			break
		}
		if take(sc) {
			nFresh--
		}
	}

	// Seats a bucket could not fill (e.g. every candidate lives in one
	// collection) go back to the quality ordering.
	for _, sc := range byQuality {
		if len(picked) >= limit {
			break
		}
		take(sc)
	}
	for _, sc := range byFreshness {
		if len(picked) >= limit {
			break
		}
		take(sc)
	}

	// Ceil rounding can overshoot the limit by a seat or two.
	if len(picked) > limit {
		picked = picked[:limit]
	}

	s.shuffle(picked)
	return picked, nil
}

func bucketSize(limit int, share float64) int {
	return int(math.Ceil(float64(limit) * share))
}
