// Package model defines the core domain types for Shiken.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// RunOutcome is the terminal quality signal of a completed run.
type RunOutcome string

const (
	OutcomePass  RunOutcome = "pass"
	OutcomeFail  RunOutcome = "fail"
	OutcomeError RunOutcome = "error"
)

// Scenario is a stored natural-language test case bound to a collection.
// A scenario may be orphaned (collection deleted); orphaned scenarios are
// kept for their run history but can no longer be executed.
type Scenario struct {
	ID           uuid.UUID  `json:"id"`
	CollectionID *uuid.UUID `json:"collection_id,omitempty"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	Name         *string    `json:"name,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Prompt       string     `json:"prompt"`
	Assertions   []string   `json:"assertions"`
	Tags         []string   `json:"tags"`

	// Rolling aggregates, mutated only by the quality aggregator.
	QualityScore      float64     `json:"quality_score"`
	TotalRuns         int         `json:"total_runs"`
	ConsecutivePasses int         `json:"consecutive_passes"`
	ConsecutiveFails  int         `json:"consecutive_fails"`
	LastRunAt         *time.Time  `json:"last_run_at,omitempty"`
	LastRunStatus     *RunOutcome `json:"last_run_status,omitempty"`

	// PromptEmbedding backs semantic similarity checks. Nil when the
	// embedding provider was unavailable at write time.
	PromptEmbedding *pgvector.Vector `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owned reports whether the scenario is still bound to a collection.
// The second return is false for orphaned scenarios.
func (s Scenario) Owned() (uuid.UUID, bool) {
	if s.CollectionID == nil {
		return uuid.Nil, false
	}
	return *s.CollectionID, true
}

// RunStatus is the lifecycle state of a scenario run.
// Transitions: pending → running → {pass, fail, error}. Terminal states are
// reached exactly once; there is no transition out of a terminal state.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusPass    RunStatus = "pass"
	RunStatusFail    RunStatus = "fail"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPass || s == RunStatusFail || s == RunStatusError
}

// Outcome converts a terminal run status to its quality signal.
// The second return is false for non-terminal states.
func (s RunStatus) Outcome() (RunOutcome, bool) {
	switch s {
	case RunStatusPass:
		return OutcomePass, true
	case RunStatusFail:
		return OutcomeFail, true
	case RunStatusError:
		return OutcomeError, true
	default:
		return "", false
	}
}

// AssertionResult is the evaluator's verdict for a single expected-behavior
// assertion.
type AssertionResult struct {
	Assertion string `json:"assertion"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
}

// ScenarioRun is one execution + evaluation attempt of a scenario.
// Immutable after completion.
type ScenarioRun struct {
	ID         uuid.UUID `json:"id"`
	ScenarioID uuid.UUID `json:"scenario_id"`
	UserID     uuid.UUID `json:"user_id"`
	Status     RunStatus `json:"status"`
	RetryCount int       `json:"retry_count"`

	EvaluatorModel   *string           `json:"evaluator_model,omitempty"`
	EvaluatorVerdict *RunOutcome       `json:"evaluator_verdict,omitempty"`
	EvaluatorReason  *string           `json:"evaluator_reason,omitempty"`
	AssertionResults []AssertionResult `json:"assertion_results,omitempty"`

	// Output is the full agent transcript. Owner-only visibility:
	// non-owners receive the summary form without this field.
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

// Summary returns a redacted copy safe for non-owner readers:
// transcript and error log are stripped.
func (r ScenarioRun) Summary() ScenarioRun {
	r.Output = nil
	r.ErrorLog = nil
	return r
}
