package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/quota"
	"github.com/shiken-ai/shiken/internal/ratelimit"
	"github.com/shiken-ai/shiken/internal/search"
	"github.com/shiken-ai/shiken/internal/service/embedding"
	"github.com/shiken-ai/shiken/internal/service/engagement"
	"github.com/shiken-ai/shiken/internal/service/featured"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/service/usecase"
	"github.com/shiken-ai/shiken/internal/signup"
	"github.com/shiken-ai/shiken/internal/similarity"
)

// Server is the Shiken HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Index, Broker, Engagement, RunLimiter,
// AuthLimiter, MCPServer, CronSecret.
type Config struct {
	// Required dependencies.
	DB        Store
	JWTMgr    *auth.JWTManager
	Runner    *runner.Service
	Generator *usecase.Service
	Featured  *featured.Selector
	Scorer    *similarity.Scorer
	Tracker   quota.Tracker
	Checker   *authz.Checker
	Embedder  embedding.Provider
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Index       search.Index
	Broker      *Broker
	Engagement  *engagement.Buffer
	Signup      *signup.Service
	RunLimiter  ratelimit.Limiter
	AuthLimiter ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	CronSecret          string
	MaxRequestBodyBytes int64

	// OpenAPISpec, when non-empty, is served at GET /openapi.yaml.
	OpenAPISpec []byte

	// ExtraRoutes are registered after the built-in routes. Each registrar
	// receives the mux and the RBAC middleware factory.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)

	// Middlewares wrap the root handler, outside the built-in chain.
	// First-registered runs outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Runner:              cfg.Runner,
		Generator:           cfg.Generator,
		Featured:            cfg.Featured,
		Scorer:              cfg.Scorer,
		Tracker:             cfg.Tracker,
		Checker:             cfg.Checker,
		Embedder:            cfg.Embedder,
		Index:               cfg.Index,
		Broker:              cfg.Broker,
		Engagement:          cfg.Engagement,
		Signup:              cfg.Signup,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		CronSecret:          cfg.CronSecret,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// The run limiter covers everything that burns LLM or embedding budget;
	// the auth limiter throttles credential guessing by IP.
	runRL := ratelimit.Middleware(cfg.RunLimiter, userKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /auth/signup", authRL(http.HandlerFunc(h.HandleSignup)))

	// Scenario authoring and execution (user+, rate limited).
	writeRole := requireRole(model.RoleUser)
	mux.Handle("POST /v1/scenarios", runRL(writeRole(http.HandlerFunc(h.HandleCreateScenario))))
	mux.Handle("POST /v1/scenarios/similarity", runRL(writeRole(http.HandlerFunc(h.HandleSimilarityCheck))))
	mux.Handle("POST /v1/scenarios/{scenario_id}/run", runRL(writeRole(http.HandlerFunc(h.HandleTriggerRun))))

	// Read endpoints (reader+).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/scenarios/{scenario_id}/runs", readRole(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/quota", readRole(http.HandlerFunc(h.HandleQuotaStatus)))
	mux.Handle("GET /v1/featured", readRole(http.HandlerFunc(h.HandleFeatured)))
	mux.Handle("GET /v1/usecases", readRole(http.HandlerFunc(h.HandleListUseCases)))
	mux.Handle("POST /v1/usecases/{usecase_id}/view", readRole(http.HandlerFunc(h.HandleUseCaseView)))
	mux.Handle("POST /v1/usecases/{usecase_id}/like", readRole(http.HandlerFunc(h.HandleUseCaseLike)))

	// Nightly generation trigger. Role enforcement happens in the handler
	// because the scheduler authenticates with a cron secret, not a JWT.
	mux.Handle("POST /v1/admin/usecases/generate", http.HandlerFunc(h.HandleGenerateUseCases))

	// Event stream (reader+, no rate limit: long-lived connection).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Machine-readable API description (no auth).
	if len(cfg.OpenAPISpec) > 0 {
		spec := cfg.OpenAPISpec
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(spec)
		})
	}

	// Embedder-supplied routes share the mux and RBAC chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Embedder middlewares wrap the whole chain. Applied in reverse so the
	// first-registered middleware ends up outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the user ID from the request context for rate limiting.
// Returns empty string for admin roles (exempt from rate limits).
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "user:" + claims.Subject
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
