package mcp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Arguments: args},
	}
}

func TestAuthorScenarioPrompt(t *testing.T) {
	h := newToolHarness(t, 5)
	collectionID := uuid.NewString()

	result, err := h.server.handleAuthorScenarioPrompt(context.Background(), promptRequest(map[string]string{
		"collection_id": collectionID,
	}))
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text := result.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, collectionID)
	assert.Contains(t, text, "shiken_check_similarity")
	assert.Contains(t, text, "shiken_create_scenario")
}

func TestAuthorScenarioPromptRequiresCollection(t *testing.T) {
	h := newToolHarness(t, 5)

	_, err := h.server.handleAuthorScenarioPrompt(context.Background(), promptRequest(nil))
	assert.Error(t, err)
}

func TestEstablishBaselinePrompt(t *testing.T) {
	h := newToolHarness(t, 5)
	scenarioID := uuid.NewString()

	result, err := h.server.handleEstablishBaselinePrompt(context.Background(), promptRequest(map[string]string{
		"scenario_id": scenarioID,
	}))
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text := result.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, scenarioID)
	assert.Contains(t, text, "shiken_run_scenario")
}

func TestAgentSetupPrompt(t *testing.T) {
	h := newToolHarness(t, 5)

	result, err := h.server.handleAgentSetupPrompt(context.Background(), promptRequest(nil))
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text := result.Messages[0].Content.(mcplib.TextContent).Text
	for _, tool := range []string{
		"shiken_check_similarity",
		"shiken_create_scenario",
		"shiken_run_scenario",
		"shiken_featured",
		"shiken_list_use_cases",
	} {
		assert.Contains(t, text, tool)
	}
}
