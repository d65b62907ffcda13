package shiken

import (
	"context"
	"net/http"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected
// Ollama/OpenAI/noop. Uses []float32 (not pgvector.Vector) to avoid forcing
// the pgvector dependency on external consumers. New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ChatClient produces chat completions for the three LLM-backed roles:
// simulated agent execution, run evaluation, and use-case content
// generation. When provided via WithChatClient, replaces the auto-detected
// OpenAI/Ollama/scripted client for all three roles.
type ChatClient interface {
	Complete(ctx context.Context, messages []ChatMessage) (ChatCompletion, error)
	Model() string
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Embedded deployments share the mux, auth chain, and OTEL instrumentation
// with the built-in routes. Called once during New() after all built-in
// routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
// It wraps the server's role enforcement so embedded routes use the same
// auth chain without depending on internal packages.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
