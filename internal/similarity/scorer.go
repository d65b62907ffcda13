// Package similarity provides near-duplicate detection for scenario prompts.
//
// A candidate prompt is compared against every existing scenario prompt in
// the same collection. Scores are normalized to [0,1]; prompts at or above
// Threshold are flagged as likely duplicates. The check is advisory: callers
// surface it as a warning, never a hard gate.
package similarity

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/search"
	"github.com/shiken-ai/shiken/internal/service/embedding"
)

// Threshold is the fixed similarity score at or above which two prompts are
// considered near-duplicates. Not user-configurable.
const Threshold = 0.70

// maxReported bounds the similar-scenario list returned to callers.
const maxReported = 5

// ScenarioSource lists the scenarios a candidate prompt is compared against.
// Implemented by *storage.DB.
type ScenarioSource interface {
	ListScenariosByCollection(ctx context.Context, collectionID uuid.UUID, exclude *uuid.UUID) ([]model.Scenario, error)
	GetScenario(ctx context.Context, id uuid.UUID) (model.Scenario, error)
}

// CandidateIndex is the ANN query half of search.Index. The index returns
// scored candidate IDs; the scorer hydrates full rows from the source.
type CandidateIndex interface {
	FindSimilar(ctx context.Context, collectionID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]search.Result, error)
}

// Scorer computes prompt similarity within a collection.
type Scorer struct {
	scenarios ScenarioSource
	embedder  embedding.Provider
	index     CandidateIndex // nil: every check scans the collection
	logger    *slog.Logger
}

// NewScorer creates a similarity scorer. embedder may be a noop provider;
// scoring then falls back to token overlap.
func NewScorer(scenarios ScenarioSource, embedder embedding.Provider, logger *slog.Logger) *Scorer {
	return &Scorer{scenarios: scenarios, embedder: embedder, logger: logger}
}

// WithIndex returns the scorer with an ANN index serving candidate lookups.
// Checks fall back to the full collection scan when the index errors or the
// candidate prompt has no usable embedding.
func (s *Scorer) WithIndex(idx CandidateIndex) *Scorer {
	s.index = idx
	return s
}

// Check compares prompt against every scenario prompt in the collection,
// excluding excludeScenarioID (check-before-update semantics).
//
// Scoring prefers embedding cosine similarity when both sides have a usable
// vector, and falls back to token overlap otherwise. Transient failures are
// absorbed into an empty result — this check must never block a caller.
func (s *Scorer) Check(ctx context.Context, prompt string, collectionID uuid.UUID, excludeScenarioID *uuid.UUID) model.SimilarityCheckResponse {
	empty := model.SimilarityCheckResponse{Similar: []model.SimilarScenario{}}

	// Candidate embedding is best-effort; a zero vector (noop provider)
	// disables the cosine path.
	var candidate []float32
	if vec, err := s.embedder.Embed(ctx, prompt); err != nil {
		s.logger.Debug("similarity: candidate embedding failed, using token overlap", "error", err)
	} else if !isZero(vec.Slice()) {
		candidate = vec.Slice()
	}

	if s.index != nil && candidate != nil {
		if res, ok := s.checkWithIndex(ctx, candidate, collectionID, excludeScenarioID); ok {
			return res
		}
	}

	existing, err := s.scenarios.ListScenariosByCollection(ctx, collectionID, excludeScenarioID)
	if err != nil {
		s.logger.Warn("similarity: list scenarios failed, returning empty result", "collection_id", collectionID, "error", err)
		return empty
	}
	if len(existing) == 0 {
		return empty
	}

	candTokens := tokenize(prompt)

	var matches []model.SimilarScenario
	maxSim := 0.0
	for _, sc := range existing {
		sim := s.score(candidate, candTokens, prompt, sc)
		if sim > maxSim {
			maxSim = sim
		}
		if sim >= Threshold {
			matches = append(matches, model.SimilarScenario{
				ScenarioID:    sc.ID,
				Name:          sc.Name,
				PromptPreview: model.PromptPreview(sc.Prompt),
				Similarity:    sim,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > maxReported {
		matches = matches[:maxReported]
	}
	if matches == nil {
		matches = []model.SimilarScenario{}
	}

	return model.SimilarityCheckResponse{
		HasSimilar:    len(matches) > 0,
		MaxSimilarity: maxSim,
		Similar:       matches,
	}
}

// checkWithIndex answers the check from the ANN index. The second return is
// false when the index could not serve the query; the caller then falls back
// to the scan so an unreachable index never degrades the check to empty.
func (s *Scorer) checkWithIndex(ctx context.Context, candidate []float32, collectionID uuid.UUID, excludeScenarioID *uuid.UUID) (model.SimilarityCheckResponse, bool) {
	exclude := uuid.Nil
	if excludeScenarioID != nil {
		exclude = *excludeScenarioID
	}

	hits, err := s.index.FindSimilar(ctx, collectionID, candidate, exclude, maxReported)
	if err != nil {
		s.logger.Warn("similarity: index query failed, falling back to scan", "collection_id", collectionID, "error", err)
		return model.SimilarityCheckResponse{}, false
	}

	matches := []model.SimilarScenario{}
	maxSim := 0.0
	for _, h := range hits {
		sim := clamp01(float64(h.Score))
		if sim > maxSim {
			maxSim = sim
		}
		if sim < Threshold {
			continue
		}
		sc, err := s.scenarios.GetScenario(ctx, h.ScenarioID)
		if err != nil {
			// Deleted between index query and hydration; skip.
			s.logger.Debug("similarity: hydrate index hit failed", "scenario_id", h.ScenarioID, "error", err)
			continue
		}
		matches = append(matches, model.SimilarScenario{
			ScenarioID:    sc.ID,
			Name:          sc.Name,
			PromptPreview: model.PromptPreview(sc.Prompt),
			Similarity:    sim,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return model.SimilarityCheckResponse{
		HasSimilar:    len(matches) > 0,
		MaxSimilarity: maxSim,
		Similar:       matches,
	}, true
}

// score picks the best available measure for one candidate/scenario pair.
func (s *Scorer) score(candidate []float32, candTokens map[string]bool, prompt string, sc model.Scenario) float64 {
	if candidate != nil && sc.PromptEmbedding != nil {
		if emb := sc.PromptEmbedding.Slice(); !isZero(emb) {
			return clamp01(cosineSimilarity(candidate, emb))
		}
	}
	return TokenOverlap(prompt, sc.Prompt, candTokens)
}

// TokenOverlap computes the overlap coefficient between the normalized token
// sets of two prompts: |A ∩ B| / min(|A|, |B|). The overlap coefficient is
// deliberately more generous than Jaccard so a short prompt that is wholly
// contained in a longer one still flags. candTokens may be nil; it is an
// optional precomputed tokenize(a).
func TokenOverlap(a, b string, candTokens map[string]bool) float64 {
	ta := candTokens
	if ta == nil {
		ta = tokenize(a)
	}
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(inter) / float64(smaller)
}

// tokenize lowercases and splits on non-alphanumeric runes, producing a set.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[tok] = true
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
