package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/ctxutil"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/storage"
)

func (s *Server) registerTools() {
	// shiken_check_similarity — check a collection for near-duplicate prompts.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_check_similarity",
			mcplib.WithDescription(`Check a collection for scenarios similar to a prompt you are about to submit.

WHEN TO USE: BEFORE creating a scenario. Near-duplicate prompts dilute a
collection's quality signal and waste run quota on redundant tests.

Call this FIRST with the prompt you have drafted. If similar scenarios come
back, consider running one of those instead, or rework your prompt to cover
a behavior the collection does not test yet.

WHAT YOU GET BACK:
- has_similar: whether any existing prompt scores at or above the duplicate threshold
- max_similarity: the highest similarity score found (0.0-1.0)
- similar_scenarios: the closest matches with prompt previews

The check is advisory. Creation is never blocked on similarity.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("collection_id",
				mcplib.Description("UUID of the collection to check against"),
				mcplib.Required(),
			),
			mcplib.WithString("prompt",
				mcplib.Description("The scenario prompt you are drafting"),
				mcplib.Required(),
			),
		),
		s.handleCheckSimilarity,
	)

	// shiken_create_scenario — add a scenario to a collection.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_create_scenario",
			mcplib.WithDescription(`Create a test scenario in a collection.

IMPORTANT: Call shiken_check_similarity FIRST with your draft prompt.
Creating without checking risks duplicating a scenario that already exists.

WHAT TO INCLUDE:
- collection_id: The collection this scenario tests
- prompt: A natural-language task for an agent to attempt with the
  collection's tools. Be specific about the expected behavior.
- name: Optional short display name

EXAMPLE: prompt="Deploy the staging build, then verify the health endpoint
reports the new version before routing traffic to it."`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("collection_id",
				mcplib.Description("UUID of the collection this scenario belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("prompt",
				mcplib.Description("The natural-language task the agent should attempt"),
				mcplib.Required(),
			),
			mcplib.WithString("name",
				mcplib.Description("Optional short display name for the scenario"),
			),
		),
		s.handleCreateScenario,
	)

	// shiken_run_scenario — execute a scenario and get the verdict.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_run_scenario",
			mcplib.WithDescription(`Execute a scenario against its collection's tools and get the evaluator's verdict.

WHEN TO USE: After creating a scenario, to establish its quality baseline.
Scenarios need at least one passing run before they can be featured or
promoted to a published use case.

Each run consumes one unit of your daily quota, including runs that end in
an infrastructure error. Check shiken://quota is not required — the result
reports quota_remaining.

WHAT YOU GET BACK:
- run: the finalized run with status (pass/fail/error) and the evaluator's reason
- success: true when the run passed
- quota_remaining: how many runs you have left today`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("scenario_id",
				mcplib.Description("UUID of the scenario to run"),
				mcplib.Required(),
			),
		),
		s.handleRunScenario,
	)

	// shiken_featured — browse the featured scenario showcase.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_featured",
			mcplib.WithDescription(`Browse the featured scenario showcase.

WHEN TO USE: To see which scenarios the platform currently highlights —
a mix of top quality, collection diversity, and fresh additions. Useful
as a model for what a high-quality scenario looks like before authoring
your own.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum scenarios to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(12),
			),
		),
		s.handleFeatured,
	)

	// shiken_list_use_cases — browse published use cases.
	s.mcpServer.AddTool(
		mcplib.NewTool("shiken_list_use_cases",
			mcplib.WithDescription(`Browse published use cases, ordered by rank score.

Use cases are marketing write-ups generated from consistently-passing
scenarios. Each links back to its source scenario and lists the tool
sequence the scenario exercises.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum use cases to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListUseCases,
	)
}

// requireClaims resolves the caller's identity from the request context.
// The MCP transport mounts behind the same JWT middleware as the HTTP API,
// so a missing identity means a transport misconfiguration, not a user error.
func requireClaims(ctx context.Context) (*auth.Claims, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errorResult("not authenticated")
	}
	return claims, nil
}

func (s *Server) handleCheckSimilarity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, errRes := requireClaims(ctx)
	if errRes != nil {
		return errRes, nil
	}

	collectionID, err := uuid.Parse(request.GetString("collection_id", ""))
	if err != nil {
		return errorResult("collection_id must be a valid UUID"), nil
	}
	prompt := strings.TrimSpace(request.GetString("prompt", ""))
	if prompt == "" {
		return errorResult("prompt is required"), nil
	}

	allowed, err := s.checker.CanAccessCollection(ctx, claims, collectionID)
	if err != nil {
		return errorResult(fmt.Sprintf("access check failed: %v", err)), nil
	}
	if !allowed {
		return errorResult("collection not found"), nil
	}

	// Record the check so handleCreateScenario can detect the
	// check-before-create workflow.
	s.simTracker.Record(claims.Subject, collectionID.String())

	check := s.scorer.Check(ctx, prompt, collectionID, nil)

	resultData, _ := json.MarshalIndent(check, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleCreateScenario(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, errRes := requireClaims(ctx)
	if errRes != nil {
		return errRes, nil
	}
	if !authz.CanWrite(claims) {
		return errorResult("your role does not permit creating scenarios"), nil
	}

	collectionID, err := uuid.Parse(request.GetString("collection_id", ""))
	if err != nil {
		return errorResult("collection_id must be a valid UUID"), nil
	}
	prompt := strings.TrimSpace(request.GetString("prompt", ""))

	var name *string
	if n := request.GetString("name", ""); n != "" {
		name = &n
	}

	if err := model.ValidateScenarioInput(prompt, name, nil, nil); err != nil {
		return errorResult(err.Error()), nil
	}

	allowed, err := s.checker.CanAccessCollection(ctx, claims, collectionID)
	if err != nil {
		return errorResult(fmt.Sprintf("access check failed: %v", err)), nil
	}
	if !allowed {
		return errorResult("collection not found"), nil
	}

	params := storage.CreateScenarioParams{
		CollectionID: collectionID,
		OwnerID:      claims.UserID(),
		Name:         name,
		Prompt:       prompt,
	}
	if s.embedder != nil {
		if vec, embErr := s.embedder.Embed(ctx, prompt); embErr == nil {
			params.PromptEmbedding = &vec
		} else {
			s.logger.Warn("mcp: prompt embedding failed, storing scenario without vector", "error", embErr)
		}
	}

	scenario, err := s.db.CreateScenario(ctx, params)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to create scenario: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"scenario_id": scenario.ID,
		"status":      "created",
	})

	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(resultData)},
	}

	// Nudge: if the caller didn't check this collection for duplicates
	// recently, include a reminder. The create still succeeds — this is
	// advisory, not a gate.
	if !s.simTracker.WasChecked(claims.Subject, collectionID.String()) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: No shiken_check_similarity was called for this collection before creating. " +
				"Checking for near-duplicates first keeps collections focused and saves run quota. " +
				"Next time, call shiken_check_similarity before shiken_create_scenario.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleRunScenario(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, errRes := requireClaims(ctx)
	if errRes != nil {
		return errRes, nil
	}
	if !authz.CanWrite(claims) {
		return errorResult("your role does not permit triggering runs"), nil
	}

	scenarioID, err := uuid.Parse(request.GetString("scenario_id", ""))
	if err != nil {
		return errorResult("scenario_id must be a valid UUID"), nil
	}

	// Same visibility rule as the HTTP API: an inaccessible scenario reads
	// as missing so private IDs are not probeable.
	scenario, err := s.db.GetScenario(ctx, scenarioID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("scenario not found"), nil
		}
		return errorResult(fmt.Sprintf("failed to load scenario: %v", err)), nil
	}
	allowed, err := s.checker.CanAccessScenario(ctx, claims, scenario)
	if err != nil {
		return errorResult(fmt.Sprintf("access check failed: %v", err)), nil
	}
	if !allowed {
		return errorResult("scenario not found"), nil
	}

	result, err := s.runner.Trigger(ctx, scenarioID, claims.UserID())
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrQuotaExceeded):
			return errorResult("daily run quota exhausted; try again after the UTC midnight reset"), nil
		case errors.Is(err, runner.ErrOrphanedScenario):
			return errorResult("scenario no longer belongs to a collection and cannot be executed"), nil
		case errors.Is(err, storage.ErrNotFound):
			return errorResult("scenario not found"), nil
		default:
			return errorResult(fmt.Sprintf("run failed: %v", err)), nil
		}
	}

	includeDetail := authz.CanViewRunDetail(claims, result.Scenario)
	resultData, _ := json.MarshalIndent(map[string]any{
		"run":             compactRun(result.Run, includeDetail),
		"success":         result.Run.Status == model.RunStatusPass,
		"quota_remaining": result.QuotaRemaining,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleFeatured(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 0)

	scenarios, err := s.featured.Select(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("featured selection failed: %v", err)), nil
	}

	out := make([]map[string]any, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, compactScenario(sc))
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"scenarios": out,
		"total":     len(out),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListUseCases(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	cases, total, err := s.db.ListUseCases(ctx, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list use cases: %v", err)), nil
	}

	out := make([]map[string]any, 0, len(cases))
	for _, uc := range cases {
		out = append(out, compactUseCase(uc))
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"use_cases": out,
		"total":     total,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
