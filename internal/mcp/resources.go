package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/ctxutil"
)

func (s *Server) registerResources() {
	// shiken://featured — the current featured scenario showcase.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shiken://featured",
			"Featured Scenarios",
			mcplib.WithResourceDescription("The current featured scenario showcase: top quality, collection diversity, and fresh additions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleFeaturedResource,
	)

	// shiken://usecases/recent — recently published use cases.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shiken://usecases/recent",
			"Recent Use Cases",
			mcplib.WithResourceDescription("Recently published use cases, ordered by rank score"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleUseCasesRecent,
	)

	// shiken://scenario/{id}/runs — run history for a specific scenario.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"shiken://scenario/{id}/runs",
			"Scenario Run History",
			mcplib.WithTemplateDescription("Run history for a specific scenario, newest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleScenarioRuns,
	)
}

func (s *Server) handleFeaturedResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	scenarios, err := s.featured.Select(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: featured: %w", err)
	}

	out := make([]map[string]any, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, compactScenario(sc))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal featured: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shiken://featured",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleUseCasesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cases, _, err := s.db.ListUseCases(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent use cases: %w", err)
	}

	out := make([]map[string]any, 0, len(cases))
	for _, uc := range cases {
		out = append(out, compactUseCase(uc))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal use cases: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shiken://usecases/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleScenarioRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := scenarioIDFromRunsURI(uri)
	if err != nil {
		return nil, err
	}

	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: not authenticated")
	}

	scenario, err := s.db.GetScenario(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: scenario runs: %w", err)
	}
	allowed, err := s.checker.CanAccessScenario(ctx, claims, scenario)
	if err != nil {
		return nil, fmt.Errorf("mcp: scenario runs: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("mcp: scenario not found")
	}

	runs, total, err := s.db.ListRunsByScenario(ctx, id, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: scenario runs: %w", err)
	}

	includeDetail := authz.CanViewRunDetail(claims, scenario)
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, compactRun(r, includeDetail))
	}

	data, err := json.MarshalIndent(map[string]any{
		"scenario_id": id,
		"runs":        out,
		"total":       total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// scenarioIDFromRunsURI parses the scenario UUID out of a
// shiken://scenario/{id}/runs URI.
func scenarioIDFromRunsURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "shiken://scenario/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid scenario runs URI: %s", uri)
	}
	idStr, ok := strings.CutSuffix(rest, "/runs")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid scenario runs URI: %s", uri)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid scenario ID in URI: %s", uri)
	}
	return id, nil
}
