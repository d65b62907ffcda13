package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/ctxutil"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/quota"
	"github.com/shiken-ai/shiken/internal/service/embedding"
	"github.com/shiken-ai/shiken/internal/service/featured"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/similarity"
	"github.com/shiken-ai/shiken/internal/storage"
)

// toolFake backs every storage interface the MCP server's services need.
type toolFake struct {
	mu        sync.Mutex
	access    map[uuid.UUID]storage.CollectionAccess
	scenarios map[uuid.UUID]model.Scenario
	runs      map[uuid.UUID]model.ScenarioRun
	usecases  []model.UseCase
}

func newToolFake() *toolFake {
	return &toolFake{
		access:    make(map[uuid.UUID]storage.CollectionAccess),
		scenarios: make(map[uuid.UUID]model.Scenario),
		runs:      make(map[uuid.UUID]model.ScenarioRun),
	}
}

func (f *toolFake) GetCollectionAccess(_ context.Context, id uuid.UUID) (storage.CollectionAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.access[id]
	if !ok {
		return storage.CollectionAccess{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *toolFake) GetScenario(_ context.Context, id uuid.UUID) (model.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenarios[id]
	if !ok {
		return model.Scenario{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *toolFake) CreateScenario(_ context.Context, p storage.CreateScenarioParams) (model.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := model.Scenario{
		ID:              uuid.New(),
		CollectionID:    &p.CollectionID,
		OwnerID:         p.OwnerID,
		Name:            p.Name,
		Prompt:          p.Prompt,
		PromptEmbedding: p.PromptEmbedding,
		CreatedAt:       time.Now().UTC(),
	}
	f.scenarios[s.ID] = s
	return s, nil
}

func (f *toolFake) ListScenariosByCollection(_ context.Context, collectionID uuid.UUID, exclude *uuid.UUID) ([]model.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Scenario
	for _, s := range f.scenarios {
		if s.CollectionID == nil || *s.CollectionID != collectionID {
			continue
		}
		if exclude != nil && s.ID == *exclude {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *toolFake) ListCollectionTools(_ context.Context, _ uuid.UUID) ([]model.Tool, error) {
	return []model.Tool{{ID: uuid.New(), Name: "deploy"}}, nil
}

func (f *toolFake) CreateRun(_ context.Context, scenarioID, userID uuid.UUID, retryCount int) (model.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := model.ScenarioRun{
		ID:         uuid.New(),
		ScenarioID: scenarioID,
		UserID:     userID,
		Status:     model.RunStatusRunning,
		RetryCount: retryCount,
		StartedAt:  time.Now().UTC(),
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *toolFake) FinalizeRun(_ context.Context, id uuid.UUID, p storage.FinalizeRunParams) (model.ScenarioRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return model.ScenarioRun{}, storage.ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = p.Status
	run.EvaluatorVerdict = p.EvaluatorVerdict
	run.EvaluatorReason = p.EvaluatorReason
	run.Output = p.Output
	run.ErrorLog = p.ErrorLog
	run.InputTokens = p.InputTokens
	run.OutputTokens = p.OutputTokens
	run.TotalTokens = p.InputTokens + p.OutputTokens
	run.CompletedAt = &now
	f.runs[id] = run
	return run, nil
}

func (f *toolFake) ApplyRunAggregates(_ context.Context, scenarioID uuid.UUID, u storage.ScenarioAggregateUpdate) (model.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.scenarios[scenarioID]
	s.TotalRuns++
	f.scenarios[scenarioID] = s
	return s, nil
}

func (f *toolFake) Notify(context.Context, string, string) error { return nil }

func (f *toolFake) ListRunsByScenario(_ context.Context, scenarioID uuid.UUID, limit, offset int) ([]model.ScenarioRun, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ScenarioRun
	for _, r := range f.runs {
		if r.ScenarioID == scenarioID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (f *toolFake) ListScenariosForFeatured(_ context.Context, _ string, minQuality float64, minRuns, limit int) ([]model.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Scenario
	for _, s := range f.scenarios {
		if s.QualityScore >= minQuality && s.TotalRuns >= minRuns {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *toolFake) ListUseCases(_ context.Context, limit, offset int) ([]model.UseCase, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usecases, len(f.usecases), nil
}

type passExecutor struct{}

func (passExecutor) Execute(_ context.Context, _ model.Scenario, _ []model.Tool) (runner.Execution, error) {
	return runner.Execution{Transcript: "[tool_call] deploy({}) -> ok", InputTokens: 10, OutputTokens: 20}, nil
}

type passEvaluator struct{}

func (passEvaluator) Evaluate(_ context.Context, _ model.Scenario, _ string) (runner.Verdict, error) {
	return runner.Verdict{Outcome: model.OutcomePass, Reason: "expected behavior observed"}, nil
}

func (passEvaluator) Model() string { return "stub-judge" }

type toolHarness struct {
	fake         *toolFake
	server       *Server
	owner        *auth.Claims
	stranger     *auth.Claims
	collectionID uuid.UUID
}

func newToolHarness(t *testing.T, runQuota int) *toolHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := newToolFake()

	ownerID := uuid.New()
	collectionID := uuid.New()
	fake.access[collectionID] = storage.CollectionAccess{OwnerID: ownerID, Visibility: model.VisibilityPrivate}

	tracker := quota.NewMemoryTracker(runQuota)
	runSvc := runner.New(fake, passExecutor{}, passEvaluator{}, tracker, time.Minute, logger)
	featSvc := featured.New(fake, logger)
	scorer := similarity.NewScorer(fake, embedding.NewNoopProvider(8), logger)
	checker := authz.NewChecker(fake, nil)

	server := New(fake, runSvc, featSvc, scorer, checker, embedding.NewNoopProvider(8), logger, "test")

	return &toolHarness{
		fake:         fake,
		server:       server,
		owner:        claimsFor(ownerID, model.RoleUser),
		stranger:     claimsFor(uuid.New(), model.RoleUser),
		collectionID: collectionID,
	}
}

func claimsFor(userID uuid.UUID, role model.UserRole) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
		Handle:           "tester",
		Role:             role,
	}
}

func ctxWith(claims *auth.Claims) context.Context {
	return ctxutil.WithClaims(context.Background(), claims)
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// toolText extracts the first TextContent text from a CallToolResult.
func toolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func (h *toolHarness) addScenario(prompt string, quality float64, totalRuns int) model.Scenario {
	s := model.Scenario{
		ID:           uuid.New(),
		CollectionID: &h.collectionID,
		OwnerID:      h.owner.UserID(),
		Prompt:       prompt,
		QualityScore: quality,
		TotalRuns:    totalRuns,
		CreatedAt:    time.Now().UTC(),
	}
	h.fake.mu.Lock()
	h.fake.scenarios[s.ID] = s
	h.fake.mu.Unlock()
	return s
}

func TestCheckSimilarityTool(t *testing.T) {
	h := newToolHarness(t, 5)
	h.addScenario("Deploy the staging build and verify the health endpoint", 0.5, 1)

	result, err := h.server.handleCheckSimilarity(ctxWith(h.owner), toolRequest("shiken_check_similarity", map[string]any{
		"collection_id": h.collectionID.String(),
		"prompt":        "Deploy the staging build and verify the health endpoint",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var check model.SimilarityCheckResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &check))
	assert.True(t, check.HasSimilar)
	require.NotEmpty(t, check.Similar)
}

func TestCheckSimilarityToolHidesPrivateCollections(t *testing.T) {
	h := newToolHarness(t, 5)

	result, err := h.server.handleCheckSimilarity(ctxWith(h.stranger), toolRequest("shiken_check_similarity", map[string]any{
		"collection_id": h.collectionID.String(),
		"prompt":        "Deploy the staging build and verify the health endpoint",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "collection not found")
}

func TestCreateScenarioToolNudgesWithoutCheck(t *testing.T) {
	h := newToolHarness(t, 5)

	result, err := h.server.handleCreateScenario(ctxWith(h.owner), toolRequest("shiken_create_scenario", map[string]any{
		"collection_id": h.collectionID.String(),
		"prompt":        "Deploy the staging build and confirm rollback works",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	// First content is the created scenario, second is the advisory nudge.
	require.Len(t, result.Content, 2)
	nudge := result.Content[1].(mcplib.TextContent)
	assert.Contains(t, nudge.Text, "shiken_check_similarity")
}

func TestCreateScenarioToolSkipsNudgeAfterCheck(t *testing.T) {
	h := newToolHarness(t, 5)

	_, err := h.server.handleCheckSimilarity(ctxWith(h.owner), toolRequest("shiken_check_similarity", map[string]any{
		"collection_id": h.collectionID.String(),
		"prompt":        "Deploy the staging build and confirm rollback works",
	}))
	require.NoError(t, err)

	result, err := h.server.handleCreateScenario(ctxWith(h.owner), toolRequest("shiken_create_scenario", map[string]any{
		"collection_id": h.collectionID.String(),
		"prompt":        "Deploy the staging build and confirm rollback works",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Len(t, result.Content, 1)
}

func TestCreateScenarioToolValidates(t *testing.T) {
	h := newToolHarness(t, 5)

	result, err := h.server.handleCreateScenario(ctxWith(h.owner), toolRequest("shiken_create_scenario", map[string]any{
		"collection_id": h.collectionID.String(),
		"prompt":        "short",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunScenarioTool(t *testing.T) {
	h := newToolHarness(t, 5)
	scenario := h.addScenario("Deploy the staging build and verify health", 0, 0)

	result, err := h.server.handleRunScenario(ctxWith(h.owner), toolRequest("shiken_run_scenario", map[string]any{
		"scenario_id": scenario.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var resp struct {
		Success        bool           `json:"success"`
		QuotaRemaining int            `json:"quota_remaining"`
		Run            map[string]any `json:"run"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 4, resp.QuotaRemaining)
	assert.Contains(t, resp.Run, "output", "owner sees the transcript")
}

func TestRunScenarioToolQuotaExhausted(t *testing.T) {
	h := newToolHarness(t, 1)
	scenario := h.addScenario("Deploy the staging build and verify health", 0, 0)
	args := map[string]any{"scenario_id": scenario.ID.String()}

	result, err := h.server.handleRunScenario(ctxWith(h.owner), toolRequest("shiken_run_scenario", args))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = h.server.handleRunScenario(ctxWith(h.owner), toolRequest("shiken_run_scenario", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "quota")
}

func TestRunScenarioToolHiddenFromStranger(t *testing.T) {
	h := newToolHarness(t, 5)
	scenario := h.addScenario("Deploy the staging build and verify health", 0, 0)

	result, err := h.server.handleRunScenario(ctxWith(h.stranger), toolRequest("shiken_run_scenario", map[string]any{
		"scenario_id": scenario.ID.String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "scenario not found")
}

func TestFeaturedTool(t *testing.T) {
	h := newToolHarness(t, 5)
	h.addScenario("Deploy the staging build and verify health", 0.8, 3)

	result, err := h.server.handleFeatured(ctxWith(h.owner), toolRequest("shiken_featured", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Scenarios []map[string]any `json:"scenarios"`
		Total     int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	assert.Equal(t, 1, resp.Total)
}

func TestListUseCasesTool(t *testing.T) {
	h := newToolHarness(t, 5)
	h.fake.usecases = []model.UseCase{{ID: uuid.New(), Slug: "ship-it", MarketingTitle: "Ship It"}}

	result, err := h.server.handleListUseCases(ctxWith(h.owner), toolRequest("shiken_list_use_cases", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		UseCases []map[string]any `json:"use_cases"`
		Total    int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	require.Len(t, resp.UseCases, 1)
	assert.Equal(t, "ship-it", resp.UseCases[0]["slug"])
}

func TestToolsRequireAuthentication(t *testing.T) {
	h := newToolHarness(t, 5)

	result, err := h.server.handleRunScenario(context.Background(), toolRequest("shiken_run_scenario", map[string]any{
		"scenario_id": uuid.NewString(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "not authenticated")
}
