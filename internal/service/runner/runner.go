// Package runner executes scenarios end to end: quota admission, simulated
// agent execution, LLM evaluation, run finalization, and quality aggregate
// updates.
//
// Both the HTTP API and MCP server delegate to this service, ensuring the
// same admission and state-machine rules apply regardless of entry point.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/quota"
	"github.com/shiken-ai/shiken/internal/service/quality"
	"github.com/shiken-ai/shiken/internal/storage"
	"github.com/shiken-ai/shiken/internal/telemetry"
)

// DefaultRunTimeout is the wall-clock budget for one execution + evaluation.
// A run that exceeds it is finalized with the error status.
const DefaultRunTimeout = 3 * time.Minute

// Per-million-token rates used for the recorded cost estimate.
const (
	costPerMInputTokens  = 0.15
	costPerMOutputTokens = 0.60
)

// ErrQuotaExceeded signals the daily run quota was exhausted before the run
// could be admitted.
var ErrQuotaExceeded = errors.New("runner: daily run quota exceeded")

// ErrOrphanedScenario signals the scenario's collection was deleted; the
// scenario is kept for history but can no longer be executed.
var ErrOrphanedScenario = errors.New("runner: scenario has no collection")

// Store is the persistence surface the runner needs.
type Store interface {
	GetScenario(ctx context.Context, id uuid.UUID) (model.Scenario, error)
	ListCollectionTools(ctx context.Context, collectionID uuid.UUID) ([]model.Tool, error)
	CreateRun(ctx context.Context, scenarioID, userID uuid.UUID, retryCount int) (model.ScenarioRun, error)
	FinalizeRun(ctx context.Context, id uuid.UUID, p storage.FinalizeRunParams) (model.ScenarioRun, error)
	ApplyRunAggregates(ctx context.Context, scenarioID uuid.UUID, u storage.ScenarioAggregateUpdate) (model.Scenario, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Service orchestrates scenario runs.
type Service struct {
	db        Store
	executor  Executor
	evaluator Evaluator
	quota     quota.Tracker
	logger    *slog.Logger

	runTimeout time.Duration

	runDuration metric.Float64Histogram
	runTokens   metric.Int64Counter
}

// New creates a runner Service. timeout <= 0 falls back to DefaultRunTimeout.
func New(db Store, executor Executor, evaluator Evaluator, tracker quota.Tracker, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	meter := telemetry.Meter("shiken/runner")
	runDur, _ := meter.Float64Histogram("shiken.run.duration",
		metric.WithDescription("End-to-end scenario run time (ms)"),
		metric.WithUnit("ms"),
	)
	runTok, _ := meter.Int64Counter("shiken.run.tokens",
		metric.WithDescription("Total LLM tokens consumed by scenario runs"),
	)
	return &Service{
		db:          db,
		executor:    executor,
		evaluator:   evaluator,
		quota:       tracker,
		logger:      logger,
		runTimeout:  timeout,
		runDuration: runDur,
		runTokens:   runTok,
	}
}

// TriggerResult is the outcome of one admitted run.
type TriggerResult struct {
	Run            model.ScenarioRun
	Scenario       model.Scenario
	QuotaRemaining int
}

// Trigger admits and executes one run of the scenario on behalf of userID.
//
// Admission order: the scenario must exist and still belong to a collection,
// then one unit of daily quota is consumed. A consumed unit is never refunded:
// execution and evaluation failures finalize the run with the error status
// but still count against the day's budget.
func (s *Service) Trigger(ctx context.Context, scenarioID, userID uuid.UUID) (TriggerResult, error) {
	scenario, err := s.db.GetScenario(ctx, scenarioID)
	if err != nil {
		return TriggerResult{}, err
	}
	collectionID, ok := scenario.Owned()
	if !ok {
		return TriggerResult{}, ErrOrphanedScenario
	}

	decision, err := s.quota.CheckAndDecrement(ctx, userID)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("runner: quota check: %w", err)
	}
	if !decision.Allowed {
		return TriggerResult{}, ErrQuotaExceeded
	}

	run, err := s.db.CreateRun(ctx, scenarioID, userID, 0)
	if err != nil {
		return TriggerResult{}, err
	}

	run, updated, execErr := s.execute(ctx, scenario, collectionID, run)
	if execErr != nil {
		// The run row already records the error; log and move on.
		s.logger.Warn("scenario run errored",
			"run_id", run.ID, "scenario_id", scenarioID, "error", execErr)
	}
	s.notifyRunCompleted(ctx, run)

	return TriggerResult{
		Run:            run,
		Scenario:       updated,
		QuotaRemaining: decision.Remaining,
	}, nil
}

// execute drives one admitted run to a terminal state. The returned run is
// always finalized; the error reports why an error-status run errored.
func (s *Service) execute(ctx context.Context, scenario model.Scenario, collectionID uuid.UUID, run model.ScenarioRun) (model.ScenarioRun, model.Scenario, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	tools, err := s.db.ListCollectionTools(runCtx, collectionID)
	if err != nil {
		return s.finalizeError(ctx, scenario, run, start, fmt.Errorf("resolve tools: %w", err))
	}

	execution, err := s.executor.Execute(runCtx, scenario, tools)
	if err != nil {
		return s.finalizeError(ctx, scenario, run, start, err)
	}

	verdict, err := s.evaluator.Evaluate(runCtx, scenario, execution.Transcript)
	if err != nil {
		return s.finalizeError(ctx, scenario, run, start, err)
	}

	elapsed := time.Since(start)
	inTokens := execution.InputTokens + verdict.InputTokens
	outTokens := execution.OutputTokens + verdict.OutputTokens

	evalModel := s.evaluator.Model()
	outcome := verdict.Outcome
	status := model.RunStatus(outcome)
	finalized, err := s.db.FinalizeRun(ctx, run.ID, storage.FinalizeRunParams{
		Status:           status,
		EvaluatorModel:   &evalModel,
		EvaluatorVerdict: &outcome,
		EvaluatorReason:  &verdict.Reason,
		AssertionResults: verdict.Assertions,
		Output:           &execution.Transcript,
		InputTokens:      inTokens,
		OutputTokens:     outTokens,
		EstimatedCost:    estimateCost(inTokens, outTokens),
		ExecutionTimeMs:  elapsed.Milliseconds(),
	})
	if err != nil {
		return run, scenario, err
	}

	updated, err := s.applyAggregates(ctx, scenario, outcome, start)
	if err != nil {
		return finalized, scenario, err
	}

	s.recordMetrics(ctx, outcome, elapsed, inTokens+outTokens)
	return finalized, updated, nil
}

// finalizeError records an infrastructure failure as a terminal error run.
// Uses a detached context so a timed-out run context cannot block the write.
func (s *Service) finalizeError(ctx context.Context, scenario model.Scenario, run model.ScenarioRun, start time.Time, cause error) (model.ScenarioRun, model.Scenario, error) {
	elapsed := time.Since(start)
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = fmt.Sprintf("run exceeded the %s execution budget", s.runTimeout)
	}

	finalCtx := context.WithoutCancel(ctx)
	finalized, err := s.db.FinalizeRun(finalCtx, run.ID, storage.FinalizeRunParams{
		Status:          model.RunStatusError,
		ErrorLog:        &msg,
		ExecutionTimeMs: elapsed.Milliseconds(),
	})
	if err != nil {
		s.logger.Error("finalize errored run failed", "run_id", run.ID, "error", err)
		finalized = run
	}

	updated, aggErr := s.applyAggregates(finalCtx, scenario, model.OutcomeError, start)
	if aggErr != nil {
		updated = scenario
	}

	s.recordMetrics(finalCtx, model.OutcomeError, elapsed, 0)
	return finalized, updated, cause
}

// applyAggregates folds the outcome into the scenario's rolling counters.
// The new quality score is computed from the snapshot read at admission;
// counter arithmetic itself happens in SQL.
func (s *Service) applyAggregates(ctx context.Context, scenario model.Scenario, outcome model.RunOutcome, ranAt time.Time) (model.Scenario, error) {
	next := quality.ApplyRun(quality.Aggregates{
		QualityScore:      scenario.QualityScore,
		TotalRuns:         scenario.TotalRuns,
		ConsecutivePasses: scenario.ConsecutivePasses,
		ConsecutiveFails:  scenario.ConsecutiveFails,
	}, outcome, ranAt)

	updated, err := s.db.ApplyRunAggregates(ctx, scenario.ID, storage.ScenarioAggregateUpdate{
		Outcome:      outcome,
		QualityScore: next.QualityScore,
		RanAt:        ranAt.UTC(),
	})
	if err != nil {
		s.logger.Error("apply run aggregates failed", "scenario_id", scenario.ID, "error", err)
		return model.Scenario{}, err
	}
	return updated, nil
}

func (s *Service) recordMetrics(ctx context.Context, outcome model.RunOutcome, elapsed time.Duration, tokens int) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	s.runDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if tokens > 0 {
		s.runTokens.Add(ctx, int64(tokens), attrs)
	}
}

type runNotification struct {
	RunID      uuid.UUID       `json:"run_id"`
	ScenarioID uuid.UUID       `json:"scenario_id"`
	Status     model.RunStatus `json:"status"`
}

// notifyRunCompleted publishes the terminal state on the runs channel.
// Best-effort: listeners are a convenience, not part of run durability.
func (s *Service) notifyRunCompleted(ctx context.Context, run model.ScenarioRun) {
	payload, err := json.Marshal(runNotification{
		RunID:      run.ID,
		ScenarioID: run.ScenarioID,
		Status:     run.Status,
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(context.WithoutCancel(ctx), storage.ChannelRuns, string(payload)); err != nil {
		s.logger.Warn("run notification failed", "run_id", run.ID, "error", err)
	}
}

func estimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*costPerMInputTokens +
		float64(outputTokens)/1e6*costPerMOutputTokens
}
