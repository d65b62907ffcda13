package mcp

import (
	"fmt"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/usecase"
)

const (
	maxCompactPrompt = 200
	maxCompactReason = 200
	maxCompactDesc   = 300
)

// compactScenario returns a minimal representation of a scenario for MCP
// responses. Drops internal bookkeeping (embedding, updated_at) that agents
// don't act on, and truncates the prompt to a preview.
func compactScenario(s model.Scenario) map[string]any {
	m := map[string]any{
		"id":             s.ID,
		"prompt_preview": truncate(s.Prompt, maxCompactPrompt),
		"quality_score":  s.QualityScore,
		"total_runs":     s.TotalRuns,
		"created_at":     s.CreatedAt,
	}
	if s.CollectionID != nil {
		m["collection_id"] = s.CollectionID
	}
	if s.Name != nil && *s.Name != "" {
		m["name"] = *s.Name
	}
	if s.LastRunStatus != nil {
		m["last_run_status"] = *s.LastRunStatus
	}

	// Streak and promotion signals (rule-based, not LLM).
	if note := generateContextNote(s); note != "" {
		m["context_note"] = note
	}

	return m
}

// generateContextNote produces a human-readable signal note for a scenario.
// Rules are evaluated in priority order; first match wins. Returns "" when
// no rule fires.
func generateContextNote(s model.Scenario) string {
	switch {
	case s.TotalRuns == 0:
		return "Never run. Trigger a run to establish a quality baseline."

	case s.ConsecutiveFails >= 3:
		return fmt.Sprintf("%d consecutive fails. The prompt or the collection's tools may have drifted.", s.ConsecutiveFails)

	case s.QualityScore >= usecase.MinQualityScore &&
		s.TotalRuns >= usecase.MinTotalRuns &&
		s.LastRunStatus != nil && *s.LastRunStatus == model.OutcomePass:
		return "Qualifies for use-case promotion in the next generation batch."

	case s.ConsecutivePasses >= 5:
		return fmt.Sprintf("%d consecutive passes.", s.ConsecutivePasses)
	}
	return ""
}

// compactRun returns a minimal run representation. The transcript and error
// log are included only when includeDetail is true (owner or admin caller).
func compactRun(r model.ScenarioRun, includeDetail bool) map[string]any {
	m := map[string]any{
		"id":                r.ID,
		"scenario_id":       r.ScenarioID,
		"status":            r.Status,
		"total_tokens":      r.TotalTokens,
		"estimated_cost":    r.EstimatedCost,
		"execution_time_ms": r.ExecutionTimeMs,
		"started_at":        r.StartedAt,
	}
	if r.EvaluatorVerdict != nil {
		m["evaluator_verdict"] = *r.EvaluatorVerdict
	}
	if r.EvaluatorReason != nil && *r.EvaluatorReason != "" {
		m["evaluator_reason"] = truncate(*r.EvaluatorReason, maxCompactReason)
	}
	if len(r.AssertionResults) > 0 {
		m["assertion_results"] = r.AssertionResults
	}
	if includeDetail {
		if r.Output != nil && *r.Output != "" {
			m["output"] = *r.Output
		}
		if r.ErrorLog != nil && *r.ErrorLog != "" {
			m["error_log"] = *r.ErrorLog
		}
	}
	return m
}

// compactUseCase returns a minimal use-case representation for browsing.
func compactUseCase(u model.UseCase) map[string]any {
	m := map[string]any{
		"id":                 u.ID,
		"slug":               u.Slug,
		"marketing_title":    u.MarketingTitle,
		"marketing_desc":     truncate(u.MarketingDesc, maxCompactDesc),
		"rank_score":         u.RankScore,
		"view_count":         u.ViewCount,
		"like_count":         u.LikeCount,
		"source_scenario_id": u.SourceScenarioID,
	}
	if len(u.PersonaTags) > 0 {
		m["persona_tags"] = u.PersonaTags
	}
	if len(u.ToolSequence) > 0 {
		m["tool_sequence"] = u.ToolSequence
	}
	return m
}

// truncate shortens s to at most n runes, appending an ellipsis marker when
// truncated.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
