package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/shiken-ai/shiken/internal/model"
)

// CreateScenarioParams holds the fields for inserting a scenario.
type CreateScenarioParams struct {
	CollectionID    uuid.UUID
	OwnerID         uuid.UUID
	Name            *string
	Description     *string
	Prompt          string
	Assertions      []string
	Tags            []string
	PromptEmbedding *pgvector.Vector
}

// CreateScenario inserts a new scenario and returns it.
func (db *DB) CreateScenario(ctx context.Context, p CreateScenarioParams) (model.Scenario, error) {
	now := time.Now().UTC()
	s := model.Scenario{
		ID:              uuid.New(),
		CollectionID:    &p.CollectionID,
		OwnerID:         p.OwnerID,
		Name:            p.Name,
		Description:     p.Description,
		Prompt:          p.Prompt,
		Assertions:      p.Assertions,
		Tags:            p.Tags,
		PromptEmbedding: p.PromptEmbedding,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if s.Assertions == nil {
		s.Assertions = []string{}
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO scenarios (id, collection_id, owner_id, name, description, prompt,
		                        assertions, tags, prompt_embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.CollectionID, s.OwnerID, s.Name, s.Description, s.Prompt,
		s.Assertions, s.Tags, s.PromptEmbedding, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("storage: create scenario: %w", err)
	}
	return s, nil
}

const scenarioColumns = `id, collection_id, owner_id, name, description, prompt,
	assertions, tags, quality_score, total_runs, consecutive_passes, consecutive_fails,
	last_run_at, last_run_status, prompt_embedding, created_at, updated_at`

func scanScenario(row pgx.Row) (model.Scenario, error) {
	var s model.Scenario
	var lastStatus *string
	err := row.Scan(
		&s.ID, &s.CollectionID, &s.OwnerID, &s.Name, &s.Description, &s.Prompt,
		&s.Assertions, &s.Tags, &s.QualityScore, &s.TotalRuns, &s.ConsecutivePasses,
		&s.ConsecutiveFails, &s.LastRunAt, &lastStatus, &s.PromptEmbedding,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return model.Scenario{}, err
	}
	if lastStatus != nil {
		o := model.RunOutcome(*lastStatus)
		s.LastRunStatus = &o
	}
	return s, nil
}

// GetScenario retrieves a scenario by ID.
func (db *DB) GetScenario(ctx context.Context, id uuid.UUID) (model.Scenario, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`, id)
	s, err := scanScenario(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Scenario{}, ErrNotFound
		}
		return model.Scenario{}, fmt.Errorf("storage: get scenario: %w", err)
	}
	return s, nil
}

// ListScenariosByCollection returns all scenarios in a collection, optionally
// excluding one scenario id (check-before-update similarity semantics).
func (db *DB) ListScenariosByCollection(ctx context.Context, collectionID uuid.UUID, exclude *uuid.UUID) ([]model.Scenario, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios
		 WHERE collection_id = $1 AND ($2::uuid IS NULL OR id <> $2)
		 ORDER BY created_at ASC`,
		collectionID, exclude,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list scenarios: %w", err)
	}
	defer rows.Close()

	var out []model.Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scenario: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ScenarioAggregateUpdate is the atomic post-run mutation applied to a
// scenario row. All arithmetic happens in SQL so concurrent runs against the
// same scenario never lose updates.
type ScenarioAggregateUpdate struct {
	Outcome      model.RunOutcome
	QualityScore float64 // New score; ignored for error outcomes.
	RanAt        time.Time
}

// ApplyRunAggregates increments total_runs, updates streak counters and the
// quality score for a completed run. Error outcomes advance total_runs and
// last_run_* but leave streaks and the quality score untouched.
func (db *DB) ApplyRunAggregates(ctx context.Context, scenarioID uuid.UUID, u ScenarioAggregateUpdate) (model.Scenario, error) {
	var row pgx.Row
	switch u.Outcome {
	case model.OutcomePass:
		row = db.pool.QueryRow(ctx,
			`UPDATE scenarios SET
			   total_runs = total_runs + 1,
			   consecutive_passes = consecutive_passes + 1,
			   consecutive_fails = 0,
			   quality_score = $2,
			   last_run_at = $3,
			   last_run_status = 'pass',
			   updated_at = now()
			 WHERE id = $1
			 RETURNING `+scenarioColumns,
			scenarioID, u.QualityScore, u.RanAt,
		)
	case model.OutcomeFail:
		row = db.pool.QueryRow(ctx,
			`UPDATE scenarios SET
			   total_runs = total_runs + 1,
			   consecutive_fails = consecutive_fails + 1,
			   consecutive_passes = 0,
			   quality_score = $2,
			   last_run_at = $3,
			   last_run_status = 'fail',
			   updated_at = now()
			 WHERE id = $1
			 RETURNING `+scenarioColumns,
			scenarioID, u.QualityScore, u.RanAt,
		)
	case model.OutcomeError:
		row = db.pool.QueryRow(ctx,
			`UPDATE scenarios SET
			   total_runs = total_runs + 1,
			   last_run_at = $2,
			   last_run_status = 'error',
			   updated_at = now()
			 WHERE id = $1
			 RETURNING `+scenarioColumns,
			scenarioID, u.RanAt,
		)
	default:
		return model.Scenario{}, fmt.Errorf("storage: invalid run outcome %q", u.Outcome)
	}

	s, err := scanScenario(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Scenario{}, ErrNotFound
		}
		return model.Scenario{}, fmt.Errorf("storage: apply run aggregates: %w", err)
	}
	return s, nil
}

// QualifyingScenarioFilter selects scenarios eligible for use-case generation.
type QualifyingScenarioFilter struct {
	MinQuality    float64
	MinTotalRuns  int
	LastRunStatus model.RunOutcome
	Limit         int
}

// ListQualifyingScenarios returns scenarios matching
// (quality_score >= x, total_runs >= y, last_run_status = z).
func (db *DB) ListQualifyingScenarios(ctx context.Context, f QualifyingScenarioFilter) ([]model.Scenario, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios
		 WHERE quality_score >= $1 AND total_runs >= $2 AND last_run_status = $3
		 ORDER BY quality_score DESC, updated_at DESC
		 LIMIT $4`,
		f.MinQuality, f.MinTotalRuns, string(f.LastRunStatus), f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list qualifying scenarios: %w", err)
	}
	defer rows.Close()

	var out []model.Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scenario: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListScenariosForFeatured returns candidate scenarios for the featured
// selector: ordered by the given column, bounded by limit.
func (db *DB) ListScenariosForFeatured(ctx context.Context, orderBy string, minQuality float64, minRuns, limit int) ([]model.Scenario, error) {
	var order string
	switch orderBy {
	case "quality":
		order = "quality_score DESC"
	case "fresh":
		order = "created_at DESC"
	default:
		return nil, fmt.Errorf("storage: invalid featured ordering %q", orderBy)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios
		 WHERE quality_score >= $1 AND total_runs >= $2
		 ORDER BY `+order+`
		 LIMIT $3`,
		minQuality, minRuns, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list featured candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scenario: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
