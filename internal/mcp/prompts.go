package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// author-scenario — guides the agent through the check-before-create workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("author-scenario",
			mcplib.WithPromptDescription("Check a collection for near-duplicates before creating a scenario"),
			mcplib.WithArgument("collection_id",
				mcplib.ArgumentDescription("UUID of the collection the scenario will belong to"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAuthorScenarioPrompt,
	)

	// establish-baseline — reminds the agent to run a freshly created scenario.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("establish-baseline",
			mcplib.WithPromptDescription("Run a newly created scenario to establish its quality baseline"),
			mcplib.WithArgument("scenario_id",
				mcplib.ArgumentDescription("UUID of the scenario that was just created"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleEstablishBaselinePrompt,
	)

	// agent-setup — full system prompt snippet explaining the Shiken authoring workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Shiken scenario authoring workflow (check-before-create, run-after-create)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleAuthorScenarioPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	collectionID := request.Params.Arguments["collection_id"]
	if collectionID == "" {
		return nil, fmt.Errorf("collection_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Author a scenario without duplicating existing coverage",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before adding a scenario to collection %s, follow these steps:

1. DRAFT the prompt: a concrete natural-language task an agent should attempt
   with the collection's tools. Name the expected end state, not the steps.

2. CALL shiken_check_similarity with collection_id="%s" and your draft prompt.

3. REVIEW the response:
   - If has_similar is true, read the matched prompts carefully. Either run
     an existing scenario instead, or rework your draft to cover a behavior
     the collection does not test yet.
   - If has_similar is false, your draft adds new coverage. Proceed.

4. CREATE the scenario by calling shiken_create_scenario with the final
   prompt and a short descriptive name.

5. RUN it once with shiken_run_scenario to establish its quality baseline.`, collectionID, collectionID),
				},
			},
		},
	}, nil
}

func (s *Server) handleEstablishBaselinePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	scenarioID := request.Params.Arguments["scenario_id"]
	if scenarioID == "" {
		return nil, fmt.Errorf("scenario_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Establish a quality baseline for a new scenario",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You just created scenario %s. It has no quality signal yet: scenarios need
at least one passing run before they can be featured or promoted to a
published use case.

CALL shiken_run_scenario with scenario_id="%s".

Then review the result:
- status "pass": the baseline is established. The evaluator's reason tells
  you which expected behaviors were observed.
- status "fail": read evaluator_reason. Decide whether the prompt over-asks
  (rework it) or the collection's tools genuinely fall short (a real finding).
- status "error": infrastructure problem, not a verdict. The run still
  consumed quota; retry when the platform recovers.`, scenarioID, scenarioID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Shiken scenario authoring workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Shiken, a quality evaluation pipeline for tool
collections. Scenarios are natural-language test cases run against a
collection's tools; an LLM evaluator judges each run, and consistently
passing scenarios get featured and promoted to published use cases.

## The Pattern: Check Before Create, Run After Create

### Before creating a scenario:
Call shiken_check_similarity with your draft prompt. Near-duplicate prompts
dilute a collection's quality signal and waste run quota on redundant tests.

### After creating:
Call shiken_run_scenario to establish the quality baseline. Runs consume
daily quota, including runs that end in an infrastructure error.

## Available Tools

- shiken_check_similarity: Check a collection for near-duplicate prompts (use FIRST)
- shiken_create_scenario: Add a scenario to a collection (use AFTER checking)
- shiken_run_scenario: Execute a scenario and get the evaluator's verdict
- shiken_featured: Browse the featured showcase (good models for authoring)
- shiken_list_use_cases: Browse published use cases by rank

## Writing Good Prompts

- Name the expected end state: "the health endpoint reports the new version",
  not "use the deploy tool then the health tool".
- One behavior per scenario. Broad prompts produce ambiguous verdicts.
- Scenarios that pass consistently raise quality; three consecutive fails
  is a signal the prompt or the collection's tools drifted.

## Run Outcomes

- pass: the agent achieved the prompt's expected behavior
- fail: the agent fell short; the evaluator's reason says where
- error: infrastructure failure, not a quality verdict; streaks are unaffected`,
				},
			},
		},
	}, nil
}
