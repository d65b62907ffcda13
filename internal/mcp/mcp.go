// Package mcp implements the Model Context Protocol server for Shiken.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP resources and tools, allowing MCP-compatible AI agents to author
// scenarios, trigger runs, and browse the published catalog.
package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/embedding"
	"github.com/shiken-ai/shiken/internal/service/featured"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/similarity"
	"github.com/shiken-ai/shiken/internal/storage"
)

// similarityCheckWindow is how long a similarity check is considered recent
// for the check-before-create nudge.
const similarityCheckWindow = 15 * time.Minute

// Store is the storage surface the MCP handlers depend on.
// Implemented by *storage.DB.
type Store interface {
	GetScenario(ctx context.Context, id uuid.UUID) (model.Scenario, error)
	CreateScenario(ctx context.Context, p storage.CreateScenarioParams) (model.Scenario, error)
	ListRunsByScenario(ctx context.Context, scenarioID uuid.UUID, limit, offset int) ([]model.ScenarioRun, int, error)
	ListUseCases(ctx context.Context, limit, offset int) ([]model.UseCase, int, error)
}

// Server wraps the MCP server with Shiken's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        Store
	runner    *runner.Service
	featured  *featured.Selector
	scorer    *similarity.Scorer
	checker   *authz.Checker
	embedder  embedding.Provider
	logger    *slog.Logger

	// simTracker records recent similarity checks per (user, collection) so
	// create can nudge callers who skip the check-before-create workflow.
	simTracker *checkTracker
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(db Store, runSvc *runner.Service, featuredSvc *featured.Selector, scorer *similarity.Scorer, checker *authz.Checker, embedder embedding.Provider, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:         db,
		runner:     runSvc,
		featured:   featuredSvc,
		scorer:     scorer,
		checker:    checker,
		embedder:   embedder,
		logger:     logger,
		simTracker: newCheckTracker(similarityCheckWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shiken",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
