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

// UpsertResult reports whether an upsert inserted a new row or updated an
// existing one.
type UpsertResult string

const (
	UpsertCreated UpsertResult = "created"
	UpsertUpdated UpsertResult = "updated"
)

// UpsertUseCaseParams holds the generated content for one use case.
type UpsertUseCaseParams struct {
	SourceScenarioID uuid.UUID
	Slug             string
	MarketingTitle   string
	MarketingDesc    string
	Narrative        string
	PersonaTags      []string
	ToolSequence     []model.ToolStep
	GeneratedAt      time.Time
}

// UpsertUseCase inserts or updates the use case for a scenario. The upsert
// key is source_scenario_id so re-running a batch never duplicates rows.
func (db *DB) UpsertUseCase(ctx context.Context, p UpsertUseCaseParams) (model.UseCase, UpsertResult, error) {
	if err := model.ValidateToolSequence(p.ToolSequence); err != nil {
		return model.UseCase{}, "", fmt.Errorf("storage: upsert use case: %w", err)
	}
	if p.PersonaTags == nil {
		p.PersonaTags = []string{}
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO use_cases (id, slug, source_scenario_id, marketing_title, marketing_desc,
		                        narrative, persona_tags, tool_sequence, generated_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		 ON CONFLICT (source_scenario_id) DO UPDATE SET
		   slug = EXCLUDED.slug,
		   marketing_title = EXCLUDED.marketing_title,
		   marketing_desc = EXCLUDED.marketing_desc,
		   narrative = EXCLUDED.narrative,
		   persona_tags = EXCLUDED.persona_tags,
		   tool_sequence = EXCLUDED.tool_sequence,
		   generated_at = EXCLUDED.generated_at,
		   updated_at = now()
		 RETURNING `+useCaseColumns+`, (xmax = 0) AS inserted`,
		uuid.New(), p.Slug, p.SourceScenarioID, p.MarketingTitle, p.MarketingDesc,
		p.Narrative, p.PersonaTags, p.ToolSequence, p.GeneratedAt,
	)

	var uc model.UseCase
	var inserted bool
	if err := scanUseCaseWith(row, &uc, &inserted); err != nil {
		return model.UseCase{}, "", fmt.Errorf("storage: upsert use case: %w", err)
	}
	if inserted {
		return uc, UpsertCreated, nil
	}
	return uc, UpsertUpdated, nil
}

const useCaseColumns = `id, slug, source_scenario_id, marketing_title, marketing_desc,
	narrative, persona_tags, tool_sequence, rank_score, view_count, like_count,
	generated_at, created_at, updated_at`

func scanUseCase(row pgx.Row) (model.UseCase, error) {
	var uc model.UseCase
	err := row.Scan(
		&uc.ID, &uc.Slug, &uc.SourceScenarioID, &uc.MarketingTitle, &uc.MarketingDesc,
		&uc.Narrative, &uc.PersonaTags, &uc.ToolSequence, &uc.RankScore,
		&uc.ViewCount, &uc.LikeCount, &uc.GeneratedAt, &uc.CreatedAt, &uc.UpdatedAt,
	)
	return uc, err
}

func scanUseCaseWith(row pgx.Row, uc *model.UseCase, extra *bool) error {
	return row.Scan(
		&uc.ID, &uc.Slug, &uc.SourceScenarioID, &uc.MarketingTitle, &uc.MarketingDesc,
		&uc.Narrative, &uc.PersonaTags, &uc.ToolSequence, &uc.RankScore,
		&uc.ViewCount, &uc.LikeCount, &uc.GeneratedAt, &uc.CreatedAt, &uc.UpdatedAt,
		extra,
	)
}

// GetUseCaseByScenario retrieves the use case derived from a scenario.
func (db *DB) GetUseCaseByScenario(ctx context.Context, scenarioID uuid.UUID) (model.UseCase, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+useCaseColumns+` FROM use_cases WHERE source_scenario_id = $1`, scenarioID)
	uc, err := scanUseCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UseCase{}, ErrNotFound
		}
		return model.UseCase{}, fmt.Errorf("storage: get use case: %w", err)
	}
	return uc, nil
}

// ListUseCases returns use cases ordered by rank score descending.
func (db *DB) ListUseCases(ctx context.Context, limit, offset int) ([]model.UseCase, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM use_cases`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count use cases: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+useCaseColumns+` FROM use_cases
		 ORDER BY rank_score DESC, generated_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list use cases: %w", err)
	}
	defer rows.Close()

	var out []model.UseCase
	for rows.Next() {
		uc, err := scanUseCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan use case: %w", err)
		}
		out = append(out, uc)
	}
	return out, total, rows.Err()
}

// RankInput is the per-use-case data needed to recompute a rank score.
type RankInput struct {
	ID           uuid.UUID
	ScenarioID   uuid.UUID
	QualityScore float64
	GeneratedAt  time.Time
	ViewCount    int
	LikeCount    int
}

// ListRankInputs returns rank-scoring inputs for every use case, joined with
// the source scenario's current quality score. Use cases whose scenario has
// been deleted report quality 0 rather than being skipped.
func (db *DB) ListRankInputs(ctx context.Context) ([]RankInput, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT u.id, u.source_scenario_id, COALESCE(s.quality_score, 0),
		        u.generated_at, u.view_count, u.like_count
		 FROM use_cases u
		 LEFT JOIN scenarios s ON s.id = u.source_scenario_id
		 ORDER BY u.generated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list rank inputs: %w", err)
	}
	defer rows.Close()

	var out []RankInput
	for rows.Next() {
		var ri RankInput
		if err := rows.Scan(&ri.ID, &ri.ScenarioID, &ri.QualityScore,
			&ri.GeneratedAt, &ri.ViewCount, &ri.LikeCount); err != nil {
			return nil, fmt.Errorf("storage: scan rank input: %w", err)
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// SetRankScore writes a recomputed rank score.
func (db *DB) SetRankScore(ctx context.Context, id uuid.UUID, score float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE use_cases SET rank_score = $2, updated_at = now() WHERE id = $1`,
		id, score)
	if err != nil {
		return fmt.Errorf("storage: set rank score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyEngagement folds a batch of buffered engagement events into the
// use-case counters. Events are grouped per use case so one UPDATE covers
// any number of views and likes; unknown IDs are silently dropped (the use
// case may have been deleted while events sat in the buffer). Returns the
// number of events applied.
func (db *DB) ApplyEngagement(ctx context.Context, events []model.EngagementEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	type delta struct{ views, likes int }
	deltas := make(map[uuid.UUID]delta)
	for _, e := range events {
		d := deltas[e.UseCaseID]
		switch e.Kind {
		case model.EngagementView:
			d.views++
		case model.EngagementLike:
			d.likes++
		}
		deltas[e.UseCaseID] = d
	}

	batch := &pgx.Batch{}
	queued := make([]delta, 0, len(deltas))
	for id, d := range deltas {
		batch.Queue(
			`UPDATE use_cases
			 SET view_count = view_count + $2, like_count = like_count + $3
			 WHERE id = $1`,
			id, d.views, d.likes)
		queued = append(queued, d)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()

	applied := 0
	for _, d := range queued {
		tag, err := br.Exec()
		if err != nil {
			return applied, fmt.Errorf("storage: apply engagement: %w", err)
		}
		if tag.RowsAffected() > 0 {
			applied += d.views + d.likes
		}
	}
	return applied, nil
}

// IncrementUseCaseViews atomically bumps the view counter.
func (db *DB) IncrementUseCaseViews(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE use_cases SET view_count = view_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: increment views: %w", err)
	}
	return nil
}

// IncrementUseCaseLikes atomically bumps the like counter.
func (db *DB) IncrementUseCaseLikes(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE use_cases SET like_count = like_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: increment likes: %w", err)
	}
	return nil
}
