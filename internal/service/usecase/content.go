package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/llm"
)

// LLMContentGenerator writes marketing copy with a chat model.
type LLMContentGenerator struct {
	client llm.ChatClient
}

// NewLLMContentGenerator creates a generator backed by the given chat client.
func NewLLMContentGenerator(client llm.ChatClient) *LLMContentGenerator {
	return &LLMContentGenerator{client: client}
}

const contentSystemPrompt = `You write marketing copy for an AI tool platform.
You receive a proven automation scenario and the tools it exercises.
Produce JSON only, no prose, in this exact shape:
{
  "marketing_title": "<under 80 characters, benefit-led>",
  "marketing_desc": "<one or two sentences>",
  "narrative": "<2-3 paragraphs telling the before/after story>",
  "persona_tags": ["<audience tag>", ...],
  "tool_sequence": [{"tool_name": "<name>", "package_name": "<package>", "purpose": "<what this step achieves>"}, ...]
}
The tool_sequence must only reference tools from the provided list, in the
order a user would invoke them.`

type generatedJSON struct {
	MarketingTitle string   `json:"marketing_title"`
	MarketingDesc  string   `json:"marketing_desc"`
	Narrative      string   `json:"narrative"`
	PersonaTags    []string `json:"persona_tags"`
	ToolSequence   []struct {
		ToolName    string `json:"tool_name"`
		PackageName string `json:"package_name"`
		Purpose     string `json:"purpose"`
	} `json:"tool_sequence"`
}

// Generate produces marketing content for one scenario.
func (g *LLMContentGenerator) Generate(ctx context.Context, scenario model.Scenario, collection model.Collection, tools []model.Tool) (Generated, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Collection: %s\n", collection.Name)
	if collection.Description != nil {
		fmt.Fprintf(&b, "About: %s\n", *collection.Description)
	}
	b.WriteString("\nTools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.PackageName, t.Description)
	}
	b.WriteString("\nScenario:\n")
	b.WriteString(scenario.Prompt)

	completion, err := g.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: contentSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return Generated{}, fmt.Errorf("usecase: content generation: %w", err)
	}

	return parseGenerated(completion.Content)
}

// parseGenerated decodes the model reply. Step orders are assigned here from
// array position, which keeps the dense-ordering invariant out of the
// model's hands.
func parseGenerated(reply string) (Generated, error) {
	raw := strings.TrimSpace(reply)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var parsed generatedJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Generated{}, fmt.Errorf("usecase: unparseable content reply: %w", err)
	}
	if parsed.MarketingTitle == "" {
		return Generated{}, fmt.Errorf("usecase: content reply missing marketing_title")
	}

	steps := make([]model.ToolStep, len(parsed.ToolSequence))
	for i, st := range parsed.ToolSequence {
		if st.ToolName == "" {
			return Generated{}, fmt.Errorf("usecase: tool_sequence[%d] missing tool_name", i)
		}
		steps[i] = model.ToolStep{
			ToolName:    st.ToolName,
			PackageName: st.PackageName,
			Purpose:     st.Purpose,
			Order:       i + 1,
		}
	}

	return Generated{
		MarketingTitle: parsed.MarketingTitle,
		MarketingDesc:  parsed.MarketingDesc,
		Narrative:      parsed.Narrative,
		PersonaTags:    parsed.PersonaTags,
		ToolSequence:   steps,
	}, nil
}
