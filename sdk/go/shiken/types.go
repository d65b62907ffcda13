package shiken

import (
	"time"

	"github.com/google/uuid"
)

// Scenario is a stored natural-language test case bound to a collection.
type Scenario struct {
	ID           uuid.UUID  `json:"id"`
	CollectionID *uuid.UUID `json:"collection_id,omitempty"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	Name         *string    `json:"name,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Prompt       string     `json:"prompt"`
	Assertions   []string   `json:"assertions"`
	Tags         []string   `json:"tags"`

	QualityScore      float64    `json:"quality_score"`
	TotalRuns         int        `json:"total_runs"`
	ConsecutivePasses int        `json:"consecutive_passes"`
	ConsecutiveFails  int        `json:"consecutive_fails"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus     *string    `json:"last_run_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssertionResult is the evaluator's verdict for one expected-behavior
// assertion.
type AssertionResult struct {
	Assertion string `json:"assertion"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
}

// Run is one execution + evaluation attempt of a scenario.
// Output and ErrorLog are only present when the caller owns the scenario.
type Run struct {
	ID         uuid.UUID `json:"id"`
	ScenarioID uuid.UUID `json:"scenario_id"`
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`

	EvaluatorModel   *string           `json:"evaluator_model,omitempty"`
	EvaluatorVerdict *string           `json:"evaluator_verdict,omitempty"`
	EvaluatorReason  *string           `json:"evaluator_reason,omitempty"`
	AssertionResults []AssertionResult `json:"assertion_results,omitempty"`

	Output   *string `json:"output,omitempty"`
	ErrorLog *string `json:"error_log,omitempty"`

	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	TotalTokens     int     `json:"total_tokens"`
	EstimatedCost   float64 `json:"estimated_cost"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ToolStep is one ordered entry of a use case's tool sequence.
type ToolStep struct {
	ToolName    string `json:"tool_name"`
	PackageName string `json:"package_name,omitempty"`
	Purpose     string `json:"purpose"`
	Order       int    `json:"order"`
}

// UseCase is a published marketing use case generated from a consistently
// passing scenario.
type UseCase struct {
	ID               uuid.UUID  `json:"id"`
	Slug             string     `json:"slug"`
	SourceScenarioID uuid.UUID  `json:"source_scenario_id"`
	MarketingTitle   string     `json:"marketing_title"`
	MarketingDesc    string     `json:"marketing_desc"`
	Narrative        string     `json:"narrative"`
	PersonaTags      []string   `json:"persona_tags"`
	ToolSequence     []ToolStep `json:"tool_sequence"`
	RankScore        float64    `json:"rank_score"`
	ViewCount        int        `json:"view_count"`
	LikeCount        int        `json:"like_count"`
	GeneratedAt      time.Time  `json:"generated_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SignupRequest registers a new user.
type SignupRequest struct {
	Handle string `json:"handle"`
	Name   string `json:"name,omitempty"`
}

// SignupResult is returned once at registration. The APIKey cannot be
// retrieved again.
type SignupResult struct {
	UserID uuid.UUID `json:"user_id"`
	Handle string    `json:"handle"`
	APIKey string    `json:"api_key"`
}

// CreateScenarioRequest is the payload for creating a scenario.
type CreateScenarioRequest struct {
	CollectionID uuid.UUID `json:"collection_id"`
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Prompt       string    `json:"prompt"`
	Assertions   []string  `json:"assertions,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// CreateScenarioResult pairs the stored scenario with the advisory duplicate
// check performed at write time. Similarity is nil when the check could not
// be performed.
type CreateScenarioResult struct {
	Scenario   Scenario          `json:"scenario"`
	Similarity *SimilarityResult `json:"similarity,omitempty"`
}

// SimilarityCheckRequest asks for near-duplicates of a prompt within a
// collection.
type SimilarityCheckRequest struct {
	CollectionID      uuid.UUID  `json:"collection_id"`
	Prompt            string     `json:"prompt"`
	ExcludeScenarioID *uuid.UUID `json:"exclude_scenario_id,omitempty"`
}

// SimilarScenario pairs a scenario preview with its similarity score.
type SimilarScenario struct {
	ScenarioID    uuid.UUID `json:"scenario_id"`
	Name          *string   `json:"name,omitempty"`
	PromptPreview string    `json:"prompt_preview"`
	Similarity    float64   `json:"similarity"`
}

// SimilarityResult is the advisory outcome of a similarity check.
type SimilarityResult struct {
	HasSimilar    bool              `json:"has_similar"`
	MaxSimilarity float64           `json:"max_similarity"`
	Similar       []SimilarScenario `json:"similar_scenarios"`
}

// TriggerRunResult is the outcome of a run trigger: the completed run, the
// evaluator's verdict, and the caller's remaining daily quota.
type TriggerRunResult struct {
	Run            Run  `json:"run"`
	Success        bool `json:"success"`
	QuotaRemaining int  `json:"quota_remaining"`
}

// QuotaStatus reports daily run quota consumption.
type QuotaStatus struct {
	Used     int       `json:"used"`
	Limit    int       `json:"limit"`
	ResetsAt time.Time `json:"resets_at"`
}

// FeaturedScenario is a display summary from the featured selector.
type FeaturedScenario struct {
	ScenarioID    uuid.UUID  `json:"scenario_id"`
	CollectionID  *uuid.UUID `json:"collection_id,omitempty"`
	Name          *string    `json:"name,omitempty"`
	PromptPreview string     `json:"prompt_preview"`
	QualityScore  float64    `json:"quality_score"`
	TotalRuns     int        `json:"total_runs"`
	CreatedAt     time.Time  `json:"created_at"`
}

// GenerateReport summarizes one use-case generation batch.
type GenerateReport struct {
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details,omitempty"`
	RankedCount  int      `json:"ranked_count"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ListOptions control pagination for list endpoints.
type ListOptions struct {
	Limit  int
	Offset int
}

// Page wraps one page of a list response.
type Page[T any] struct {
	Items   []T
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}
