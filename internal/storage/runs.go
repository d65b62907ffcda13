package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiken-ai/shiken/internal/model"
)

// CreateRun inserts a new scenario run in the running state and returns it.
func (db *DB) CreateRun(ctx context.Context, scenarioID, userID uuid.UUID, retryCount int) (model.ScenarioRun, error) {
	now := time.Now().UTC()
	run := model.ScenarioRun{
		ID:         uuid.New(),
		ScenarioID: scenarioID,
		UserID:     userID,
		Status:     model.RunStatusRunning,
		RetryCount: retryCount,
		StartedAt:  now,
		CreatedAt:  now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO scenario_runs (id, scenario_id, user_id, status, retry_count, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.ScenarioID, run.UserID, string(run.Status), run.RetryCount,
		run.StartedAt, run.CreatedAt,
	)
	if err != nil {
		return model.ScenarioRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// FinalizeRunParams carries the terminal fields written exactly once when a
// run completes.
type FinalizeRunParams struct {
	Status           model.RunStatus
	EvaluatorModel   *string
	EvaluatorVerdict *model.RunOutcome
	EvaluatorReason  *string
	AssertionResults []model.AssertionResult
	Output           *string
	ErrorLog         *string
	InputTokens      int
	OutputTokens     int
	EstimatedCost    float64
	ExecutionTimeMs  int64
}

// FinalizeRun moves a run from running to a terminal state. The status guard
// in the WHERE clause makes finalization idempotent-safe: a run already in a
// terminal state is never rewritten.
func (db *DB) FinalizeRun(ctx context.Context, id uuid.UUID, p FinalizeRunParams) (model.ScenarioRun, error) {
	if !p.Status.Terminal() {
		return model.ScenarioRun{}, fmt.Errorf("storage: finalize run: non-terminal status %q", p.Status)
	}
	var verdict *string
	if p.EvaluatorVerdict != nil {
		v := string(*p.EvaluatorVerdict)
		verdict = &v
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE scenario_runs SET
		   status = $2,
		   evaluator_model = $3,
		   evaluator_verdict = $4,
		   evaluator_reason = $5,
		   assertion_results = $6,
		   output = $7,
		   error_log = $8,
		   input_tokens = $9,
		   output_tokens = $10,
		   total_tokens = $9 + $10,
		   estimated_cost = $11,
		   execution_time_ms = $12,
		   completed_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')
		 RETURNING `+runColumns,
		id, string(p.Status), p.EvaluatorModel, verdict, p.EvaluatorReason,
		p.AssertionResults, p.Output, p.ErrorLog, p.InputTokens, p.OutputTokens,
		p.EstimatedCost, p.ExecutionTimeMs,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ScenarioRun{}, fmt.Errorf("storage: run not found or already finalized: %s", id)
		}
		return model.ScenarioRun{}, fmt.Errorf("storage: finalize run: %w", err)
	}
	return run, nil
}

const runColumns = `id, scenario_id, user_id, status, retry_count, evaluator_model,
	evaluator_verdict, evaluator_reason, assertion_results, output, error_log,
	input_tokens, output_tokens, total_tokens, estimated_cost, execution_time_ms,
	started_at, completed_at, created_at`

func scanRun(row pgx.Row) (model.ScenarioRun, error) {
	var r model.ScenarioRun
	var verdict *string
	err := row.Scan(
		&r.ID, &r.ScenarioID, &r.UserID, &r.Status, &r.RetryCount, &r.EvaluatorModel,
		&verdict, &r.EvaluatorReason, &r.AssertionResults, &r.Output, &r.ErrorLog,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.EstimatedCost,
		&r.ExecutionTimeMs, &r.StartedAt, &r.CompletedAt, &r.CreatedAt,
	)
	if err != nil {
		return model.ScenarioRun{}, err
	}
	if verdict != nil {
		o := model.RunOutcome(*verdict)
		r.EvaluatorVerdict = &o
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.ScenarioRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM scenario_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ScenarioRun{}, ErrNotFound
		}
		return model.ScenarioRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRunsByScenario returns runs for a scenario ordered by started_at DESC.
func (db *DB) ListRunsByScenario(ctx context.Context, scenarioID uuid.UUID, limit, offset int) ([]model.ScenarioRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scenario_runs WHERE scenario_id = $1`, scenarioID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM scenario_runs
		 WHERE scenario_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		scenarioID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ScenarioRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
