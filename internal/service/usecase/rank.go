package usecase

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Rank score weights. Quality dominates, freshness decays with a two-week
// half-life-ish curve, engagement saturates logarithmically so a viral page
// cannot bury everything else.
const (
	rankQualityWeight    = 0.60
	rankFreshnessWeight  = 0.25
	rankEngagementWeight = 0.15
	rankFreshnessScale   = 14.0 // days
)

// RankScore computes the discovery ranking for one use case.
//
// score = 0.60·quality + 0.25·exp(−age/14d) + 0.15·min(1, log10(1 + views + 3·likes))
//
// Deterministic in its inputs: recomputing with unchanged inputs yields the
// identical score.
func RankScore(quality float64, generatedAt time.Time, viewCount, likeCount int, now time.Time) float64 {
	ageDays := now.Sub(generatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	freshness := math.Exp(-ageDays / rankFreshnessScale)

	engagement := math.Log10(1 + float64(viewCount) + 3*float64(likeCount))
	if engagement > 1 {
		engagement = 1
	}

	return rankQualityWeight*quality +
		rankFreshnessWeight*freshness +
		rankEngagementWeight*engagement
}

// ComputeRankScores recomputes and persists the rank score of every use
// case. Returns how many rows were scored.
func (s *Service) ComputeRankScores(ctx context.Context) (int, error) {
	inputs, err := s.db.ListRankInputs(ctx)
	if err != nil {
		return 0, fmt.Errorf("usecase: list rank inputs: %w", err)
	}

	now := s.now().UTC()
	ranked := 0
	for _, in := range inputs {
		score := RankScore(in.QualityScore, in.GeneratedAt, in.ViewCount, in.LikeCount, now)
		if err := s.db.SetRankScore(ctx, in.ID, score); err != nil {
			s.logger.Warn("set rank score failed", "use_case_id", in.ID, "error", err)
			continue
		}
		ranked++
	}
	return ranked, nil
}
