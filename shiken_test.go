package shiken

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/service/usecase"
)

// The scripted clients exist so the full run pipeline works with no provider
// configured. Each role's canned reply must survive that role's parser.

func TestScriptedFallbackEvaluatorVerdict(t *testing.T) {
	ev := runner.NewLLMEvaluator(scriptedFallback("evaluator", "eval-model"))

	v, err := ev.Evaluate(context.Background(), model.Scenario{
		Prompt:     "convert a csv file to json",
		Assertions: []string{"output is valid json"},
	}, "transcript")
	require.NoError(t, err)

	// Always a failed verdict, never an error: scripted runs finalize as
	// fail and can never promote a scenario.
	assert.Equal(t, model.OutcomeFail, v.Outcome)
	assert.NotEmpty(t, v.Reason)
}

func TestScriptedFallbackContentParses(t *testing.T) {
	gen := usecase.NewLLMContentGenerator(scriptedFallback("content", "content-model"))

	g, err := gen.Generate(context.Background(), model.Scenario{
		Prompt: "convert a csv file to json",
	}, model.Collection{Name: "Data Tools"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, g.MarketingTitle)
	assert.Empty(t, g.ToolSequence)
}

func TestScriptedFallbackExecutorTranscript(t *testing.T) {
	ex := runner.NewLLMExecutor(scriptedFallback("executor", "exec-model"))

	out, err := ex.Execute(context.Background(), model.Scenario{
		Prompt: "convert a csv file to json",
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Transcript)
}
