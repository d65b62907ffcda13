package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/llm"
)

// Execution is the raw product of one simulated agent session.
type Execution struct {
	Transcript   string
	InputTokens  int
	OutputTokens int
}

// Executor simulates an agent working through a scenario prompt with the
// collection's tools.
type Executor interface {
	Execute(ctx context.Context, scenario model.Scenario, tools []model.Tool) (Execution, error)
}

// LLMExecutor drives the simulation through a chat model. The model is told
// which tools exist and asked to narrate each tool invocation it would make.
type LLMExecutor struct {
	client llm.ChatClient
}

// NewLLMExecutor creates an executor backed by the given chat client.
func NewLLMExecutor(client llm.ChatClient) *LLMExecutor {
	return &LLMExecutor{client: client}
}

const executorSystemPrompt = `You are an AI agent with access to the tools listed below.
Work through the user's task step by step. For every tool you invoke, write a line in the form:

  [tool_call] <tool_name>(<arguments as JSON>) -> <short result>

After the final tool call, write a short paragraph describing the outcome.
Only use tools from the list. If the task cannot be completed with the
available tools, say so explicitly.`

// Execute runs one simulated session and returns the transcript.
func (e *LLMExecutor) Execute(ctx context.Context, scenario model.Scenario, tools []model.Tool) (Execution, error) {
	var b strings.Builder
	b.WriteString(executorSystemPrompt)
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.PackageName, t.Description)
	}

	completion, err := e.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: b.String()},
		{Role: "user", Content: scenario.Prompt},
	})
	if err != nil {
		return Execution{}, fmt.Errorf("runner: agent execution: %w", err)
	}

	return Execution{
		Transcript:   completion.Content,
		InputTokens:  completion.Usage.InputTokens,
		OutputTokens: completion.Usage.OutputTokens,
	}, nil
}
