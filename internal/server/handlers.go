package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/auth"
	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/quota"
	"github.com/shiken-ai/shiken/internal/search"
	"github.com/shiken-ai/shiken/internal/service/embedding"
	"github.com/shiken-ai/shiken/internal/service/engagement"
	"github.com/shiken-ai/shiken/internal/service/featured"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/service/usecase"
	"github.com/shiken-ai/shiken/internal/signup"
	"github.com/shiken-ai/shiken/internal/similarity"
	"github.com/shiken-ai/shiken/internal/storage"
)

// Store is the storage surface the HTTP handlers depend on.
// Implemented by *storage.DB; narrowed to an interface so handler tests can
// run against a fake.
type Store interface {
	Ping(ctx context.Context) error
	GetUserByHandle(ctx context.Context, handle string) (model.User, error)
	CreateScenario(ctx context.Context, p storage.CreateScenarioParams) (model.Scenario, error)
	GetScenario(ctx context.Context, id uuid.UUID) (model.Scenario, error)
	ListRunsByScenario(ctx context.Context, scenarioID uuid.UUID, limit, offset int) ([]model.ScenarioRun, int, error)
	ListUseCases(ctx context.Context, limit, offset int) ([]model.UseCase, int, error)
	IncrementUseCaseViews(ctx context.Context, id uuid.UUID) error
	IncrementUseCaseLikes(ctx context.Context, id uuid.UUID) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	jwtMgr              *auth.JWTManager
	runner              *runner.Service
	generator           *usecase.Service
	featured            *featured.Selector
	scorer              *similarity.Scorer
	tracker             quota.Tracker
	checker             *authz.Checker
	embedder            embedding.Provider
	index               search.Index
	broker              *Broker
	engagement          *engagement.Buffer
	signup              *signup.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	cronSecret          string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Index, Broker, Engagement, Signup, CronSecret.
type HandlersDeps struct {
	DB                  Store
	JWTMgr              *auth.JWTManager
	Runner              *runner.Service
	Generator           *usecase.Service
	Featured            *featured.Selector
	Scorer              *similarity.Scorer
	Tracker             quota.Tracker
	Checker             *authz.Checker
	Embedder            embedding.Provider
	Index               search.Index
	Broker              *Broker
	Engagement          *engagement.Buffer
	Signup              *signup.Service
	Logger              *slog.Logger
	Version             string
	CronSecret          string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		runner:              d.Runner,
		generator:           d.Generator,
		featured:            d.Featured,
		scorer:              d.Scorer,
		tracker:             d.Tracker,
		checker:             d.Checker,
		embedder:            d.Embedder,
		index:               d.Index,
		broker:              d.Broker,
		engagement:          d.Engagement,
		signup:              d.Signup,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		cronSecret:          d.CronSecret,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeInternalError logs the cause and writes a generic 500 response.
// The cause never reaches the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// HandleAuthToken handles POST /auth/token.
// Exchanges a handle + API key pair for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Handle == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "handle and api_key are required")
		return
	}

	user, err := h.db.GetUserByHandle(r.Context(), req.Handle)
	if err != nil {
		// Burn the same hashing cost as a real verification so response
		// timing does not reveal whether the handle exists.
		auth.DummyVerify()
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "auth lookup failed", err)
			return
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	if user.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, *user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSignup handles POST /auth/signup.
// Registers a new user and returns the generated API key exactly once.
func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if h.signup == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "signup is not enabled")
		return
	}

	var req model.SignupRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.signup.Signup(r.Context(), signup.Input{Handle: req.Handle, Name: req.Name})
	if err != nil {
		switch {
		case errors.Is(err, signup.ErrInvalidHandle):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, signup.ErrHandleTaken):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.writeInternalError(w, r, "signup failed", err)
		}
		return
	}

	writeJSON(w, r, http.StatusCreated, result)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// The vector index is an accelerator, not a dependency: report it but
	// never fail health over it.
	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	// Health skips the data envelope so probes can read fields directly.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleSubscribe handles GET /v1/subscribe, streaming run and use-case
// notifications as Server-Sent Events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event streaming is not enabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := h.broker.Subscribe()
	defer h.broker.Unsubscribe(events)

	// Heartbeat keeps intermediaries from reaping idle connections.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
