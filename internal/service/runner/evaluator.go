package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/llm"
)

// Verdict is the evaluator's judgment of one transcript. Outcome is pass or
// fail only; infrastructure problems surface as errors from Evaluate, never
// as a verdict.
type Verdict struct {
	Outcome      model.RunOutcome
	Reason       string
	Assertions   []model.AssertionResult
	InputTokens  int
	OutputTokens int
}

// Evaluator judges whether a transcript satisfies a scenario's assertions.
type Evaluator interface {
	Evaluate(ctx context.Context, scenario model.Scenario, transcript string) (Verdict, error)

	// Model returns the identifier recorded on the run for audit.
	Model() string
}

// LLMEvaluator asks a chat model for a structured pass/fail judgment.
type LLMEvaluator struct {
	client llm.ChatClient
}

// NewLLMEvaluator creates an evaluator backed by the given chat client.
func NewLLMEvaluator(client llm.ChatClient) *LLMEvaluator {
	return &LLMEvaluator{client: client}
}

// Model returns the underlying chat model identifier.
func (e *LLMEvaluator) Model() string { return e.client.Model() }

const evaluatorSystemPrompt = `You are a strict quality evaluator for AI agent test runs.
You receive a task, a list of expected-behavior assertions, and the agent's transcript.
Judge whether the transcript demonstrates each assertion.

Respond with ONLY a JSON object, no prose, in this exact shape:
{"verdict": "pass" | "fail", "reason": "<one sentence>", "assertions": [{"assertion": "<text>", "passed": true | false, "detail": "<short detail>"}]}

The verdict is "pass" only if every assertion passed. When the scenario has no
assertions, judge whether the transcript plausibly completes the task.`

type evaluatorVerdictJSON struct {
	Verdict    string                  `json:"verdict"`
	Reason     string                  `json:"reason"`
	Assertions []model.AssertionResult `json:"assertions"`
}

// Evaluate judges one transcript against the scenario's assertions.
func (e *LLMEvaluator) Evaluate(ctx context.Context, scenario model.Scenario, transcript string) (Verdict, error) {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(scenario.Prompt)
	b.WriteString("\n\nAssertions:\n")
	if len(scenario.Assertions) == 0 {
		b.WriteString("(none)\n")
	}
	for i, a := range scenario.Assertions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)

	completion, err := e.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: evaluatorSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("runner: evaluation: %w", err)
	}

	parsed, err := parseVerdict(completion.Content)
	if err != nil {
		return Verdict{}, err
	}
	parsed.InputTokens = completion.Usage.InputTokens
	parsed.OutputTokens = completion.Usage.OutputTokens
	return parsed, nil
}

// parseVerdict extracts the JSON object from the model reply. Models
// sometimes wrap JSON in a fenced code block; strip that before decoding.
func parseVerdict(reply string) (Verdict, error) {
	raw := strings.TrimSpace(reply)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var v evaluatorVerdictJSON
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("runner: unparseable evaluator reply: %w", err)
	}

	var outcome model.RunOutcome
	switch v.Verdict {
	case "pass":
		outcome = model.OutcomePass
	case "fail":
		outcome = model.OutcomeFail
	default:
		return Verdict{}, fmt.Errorf("runner: evaluator returned invalid verdict %q", v.Verdict)
	}

	return Verdict{
		Outcome:    outcome,
		Reason:     v.Reason,
		Assertions: v.Assertions,
	}, nil
}
