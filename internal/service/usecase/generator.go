// Package usecase turns consistently-passing scenarios into published
// marketing use cases and keeps their discovery ranking current.
//
// Generation runs as a nightly batch (also triggerable through the admin
// API). The batch is idempotent: the upsert key is the source scenario, so
// re-running it never duplicates content.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/storage"
	"github.com/shiken-ai/shiken/internal/telemetry"
)

// Qualification thresholds for promotion to a use case.
const (
	MinQualityScore = 0.3
	MinTotalRuns    = 1
)

// DefaultBatchDeadline bounds one generation batch. Work committed before
// the deadline stays committed; the batch reports how far it got.
const DefaultBatchDeadline = 10 * time.Minute

// maxErrorDetails caps the per-batch error detail list in the report.
const maxErrorDetails = 5

// Store is the persistence surface the generator needs.
type Store interface {
	ListQualifyingScenarios(ctx context.Context, f storage.QualifyingScenarioFilter) ([]model.Scenario, error)
	GetUseCaseByScenario(ctx context.Context, scenarioID uuid.UUID) (model.UseCase, error)
	GetCollection(ctx context.Context, id uuid.UUID) (model.Collection, error)
	ListCollectionTools(ctx context.Context, collectionID uuid.UUID) ([]model.Tool, error)
	UpsertUseCase(ctx context.Context, p storage.UpsertUseCaseParams) (model.UseCase, storage.UpsertResult, error)
	ListRankInputs(ctx context.Context) ([]storage.RankInput, error)
	SetRankScore(ctx context.Context, id uuid.UUID, score float64) error
	Notify(ctx context.Context, channel, payload string) error
}

// Generated is the marketing content produced for one scenario.
type Generated struct {
	MarketingTitle string
	MarketingDesc  string
	Narrative      string
	PersonaTags    []string
	ToolSequence   []model.ToolStep
}

// ContentGenerator produces marketing content from a scenario and its
// collection context.
type ContentGenerator interface {
	Generate(ctx context.Context, scenario model.Scenario, collection model.Collection, tools []model.Tool) (Generated, error)
}

// Report summarizes one generation batch.
type Report struct {
	Created      int
	Updated      int
	Skipped      int
	Errors       int
	ErrorDetails []string
	RankedCount  int
}

// Service runs the generation batch and the rank recompute.
type Service struct {
	db      Store
	content ContentGenerator
	logger  *slog.Logger

	batchDeadline time.Duration
	now           func() time.Time

	batchDuration metric.Float64Histogram
}

// New creates a generator Service. deadline <= 0 falls back to
// DefaultBatchDeadline.
func New(db Store, content ContentGenerator, deadline time.Duration, logger *slog.Logger) *Service {
	if deadline <= 0 {
		deadline = DefaultBatchDeadline
	}
	meter := telemetry.Meter("shiken/usecase")
	batchDur, _ := meter.Float64Histogram("shiken.usecase.batch.duration",
		metric.WithDescription("Use-case generation batch time (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:            db,
		content:       content,
		logger:        logger,
		batchDeadline: deadline,
		now:           time.Now,
		batchDuration: batchDur,
	}
}

// Generate runs one batch: select qualifying scenarios, generate or refresh
// their use cases, then recompute rank scores for the whole catalog.
//
// One scenario's failure never aborts the batch; it is counted and the batch
// moves on. Hitting the deadline stops the loop but keeps everything already
// written.
func (s *Service) Generate(ctx context.Context) (Report, error) {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.batchDeadline)
	defer cancel()

	scenarios, err := s.db.ListQualifyingScenarios(ctx, storage.QualifyingScenarioFilter{
		MinQuality:    MinQualityScore,
		MinTotalRuns:  MinTotalRuns,
		LastRunStatus: model.OutcomePass,
	})
	if err != nil {
		return Report{}, fmt.Errorf("usecase: list qualifying scenarios: %w", err)
	}

	var report Report
	for _, scenario := range scenarios {
		if ctx.Err() != nil {
			s.logger.Warn("generation batch hit deadline",
				"processed", report.Created+report.Updated+report.Skipped+report.Errors,
				"total", len(scenarios))
			break
		}

		result, err := s.generateOne(ctx, scenario)
		if err != nil {
			report.Errors++
			if len(report.ErrorDetails) < maxErrorDetails {
				report.ErrorDetails = append(report.ErrorDetails,
					fmt.Sprintf("scenario %s: %v", scenario.ID, err))
			}
			s.logger.Warn("use-case generation failed", "scenario_id", scenario.ID, "error", err)
			continue
		}
		switch result {
		case storage.UpsertCreated:
			report.Created++
		case storage.UpsertUpdated:
			report.Updated++
		default:
			report.Skipped++
		}
	}

	// Rank the whole catalog, including rows untouched this batch: age decay
	// and engagement shift scores even when content did not change.
	ranked, err := s.ComputeRankScores(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Error("rank recompute failed", "error", err)
	}
	report.RankedCount = ranked

	s.batchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.notifyBatchDone(ctx, report)
	s.logger.Info("use-case generation batch done",
		"created", report.Created, "updated", report.Updated,
		"skipped", report.Skipped, "errors", report.Errors, "ranked", report.RankedCount)
	return report, nil
}

// skippedResult marks a scenario the batch examined but did not rewrite.
const skippedResult = storage.UpsertResult("")

func (s *Service) generateOne(ctx context.Context, scenario model.Scenario) (storage.UpsertResult, error) {
	existing, err := s.db.GetUseCaseByScenario(ctx, scenario.ID)
	switch {
	case err == nil:
		if !scenario.UpdatedAt.After(existing.GeneratedAt) {
			// Content is current; regeneration would only burn LLM budget.
			return skippedResult, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("lookup existing use case: %w", err)
	}

	collectionID, ok := scenario.Owned()
	if !ok {
		// Orphaned scenarios keep their history but have no tool context to
		// market against.
		return skippedResult, nil
	}
	collection, err := s.db.GetCollection(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("resolve collection: %w", err)
	}
	tools, err := s.db.ListCollectionTools(ctx, collectionID)
	if err != nil {
		return "", fmt.Errorf("resolve tools: %w", err)
	}

	gen, err := s.content.Generate(ctx, scenario, collection, tools)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	_, result, err := s.db.UpsertUseCase(ctx, storage.UpsertUseCaseParams{
		SourceScenarioID: scenario.ID,
		Slug:             Slug(gen.MarketingTitle, scenario.ID),
		MarketingTitle:   gen.MarketingTitle,
		MarketingDesc:    gen.MarketingDesc,
		Narrative:        gen.Narrative,
		PersonaTags:      gen.PersonaTags,
		ToolSequence:     gen.ToolSequence,
		GeneratedAt:      s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

type batchNotification struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Ranked  int `json:"ranked"`
}

func (s *Service) notifyBatchDone(ctx context.Context, r Report) {
	payload, err := json.Marshal(batchNotification{
		Created: r.Created, Updated: r.Updated, Skipped: r.Skipped,
		Errors: r.Errors, Ranked: r.RankedCount,
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(context.WithoutCancel(ctx), storage.ChannelUseCases, string(payload)); err != nil {
		s.logger.Warn("batch notification failed", "error", err)
	}
}

// Slug builds a URL-safe slug from the title, suffixed with the scenario id
// prefix so two scenarios with identical titles never collide.
func Slug(title string, scenarioID uuid.UUID) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > 60 {
		slug = strings.TrimSuffix(slug[:60], "-")
	}
	suffix := scenarioID.String()[:8]
	if slug == "" {
		return suffix
	}
	return slug + "-" + suffix
}
