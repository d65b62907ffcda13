package mcp

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiken-ai/shiken/internal/model"
)

func TestScenarioIDFromRunsURI(t *testing.T) {
	id := uuid.New()

	got, err := scenarioIDFromRunsURI("shiken://scenario/" + id.String() + "/runs")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, bad := range []string{
		"shiken://scenario/not-a-uuid/runs",
		"shiken://scenario/" + id.String(),
		"shiken://other/" + id.String() + "/runs",
	} {
		_, err := scenarioIDFromRunsURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestScenarioRunsResource(t *testing.T) {
	h := newToolHarness(t, 5)
	scenario := h.addScenario("Deploy the staging build and verify health", 0.5, 1)

	// Owner triggers a run so there is history to read.
	_, err := h.server.handleRunScenario(ctxWith(h.owner), toolRequest("shiken_run_scenario", map[string]any{
		"scenario_id": scenario.ID.String(),
	}))
	require.NoError(t, err)

	uri := "shiken://scenario/" + scenario.ID.String() + "/runs"
	contents, err := h.server.handleScenarioRuns(ctxWith(h.owner), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text := contents[0].(mcplib.TextResourceContents)
	assert.Equal(t, uri, text.URI)

	var body struct {
		Runs  []map[string]any `json:"runs"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, string(model.RunStatusPass), body.Runs[0]["status"])
}

func TestScenarioRunsResourceHiddenFromStranger(t *testing.T) {
	h := newToolHarness(t, 5)
	scenario := h.addScenario("Deploy the staging build and verify health", 0.5, 1)

	_, err := h.server.handleScenarioRuns(ctxWith(h.stranger), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "shiken://scenario/" + scenario.ID.String() + "/runs"},
	})
	assert.Error(t, err)
}

func TestUseCasesRecentResource(t *testing.T) {
	h := newToolHarness(t, 5)
	h.fake.usecases = []model.UseCase{{ID: uuid.New(), Slug: "ship-it", MarketingTitle: "Ship It"}}

	contents, err := h.server.handleUseCasesRecent(ctxWith(h.owner), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "shiken://usecases/recent"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	var cases []map[string]any
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcplib.TextResourceContents).Text), &cases))
	require.Len(t, cases, 1)
	assert.Equal(t, "ship-it", cases[0]["slug"])
}
