package shiken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Shiken API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Handle:  "test-user",
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing base url", Config{Handle: "u", APIKey: "k"}},
		{"missing handle", Config{BaseURL: "http://x", APIKey: "k"}},
		{"missing api key", Config{BaseURL: "http://x", Handle: "u"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(tc.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSignupReturnsAPIKey(t *testing.T) {
	userID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/signup": func(w http.ResponseWriter, r *http.Request) {
			var req SignupRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode signup body: %v", err)
			}
			if req.Handle != "alice" {
				t.Errorf("expected handle 'alice', got %q", req.Handle)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": SignupResult{
					UserID: userID,
					Handle: "alice",
					APIKey: "sk-shiken-abc123",
				},
			})
		},
	})
	defer srv.Close()

	result, err := Signup(context.Background(), srv.URL, SignupRequest{Handle: "alice"})
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if result.UserID != userID {
		t.Errorf("expected user ID %s, got %s", userID, result.UserID)
	}
	if !strings.HasPrefix(result.APIKey, "sk-shiken-") {
		t.Errorf("unexpected api key %q", result.APIKey)
	}
}

func TestSignupHandleTaken(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/signup": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "CONFLICT", "message": "handle is already taken"},
			})
		},
	})
	defer srv.Close()

	_, err := Signup(context.Background(), srv.URL, SignupRequest{Handle: "alice"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestCreateScenarioIncludesSimilarity(t *testing.T) {
	collectionID := uuid.New()
	scenarioID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/scenarios": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			var req CreateScenarioRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode scenario body: %v", err)
			}
			if req.CollectionID != collectionID {
				t.Errorf("expected collection %s, got %s", collectionID, req.CollectionID)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": CreateScenarioResult{
					Scenario: Scenario{
						ID:     scenarioID,
						Prompt: req.Prompt,
					},
					Similarity: &SimilarityResult{
						HasSimilar:    true,
						MaxSimilarity: 0.93,
						Similar: []SimilarScenario{
							{ScenarioID: uuid.New(), PromptPreview: "find a CSV parser", Similarity: 0.93},
						},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.CreateScenario(context.Background(), CreateScenarioRequest{
		CollectionID: collectionID,
		Prompt:       "find a tool that parses CSV files",
	})
	if err != nil {
		t.Fatalf("CreateScenario failed: %v", err)
	}
	if result.Scenario.ID != scenarioID {
		t.Errorf("expected scenario ID %s, got %s", scenarioID, result.Scenario.ID)
	}
	if result.Similarity == nil || !result.Similarity.HasSimilar {
		t.Error("expected advisory similarity result")
	}
}

func TestTriggerRunQuotaExceeded(t *testing.T) {
	scenarioID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/scenarios/{scenario_id}/run": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "QUOTA_EXCEEDED", "message": "daily run quota exhausted"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.TriggerRun(context.Background(), scenarioID)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsQuotaExceeded(err) {
		t.Errorf("expected quota exceeded, got %v", err)
	}
	if !IsRateLimited(err) {
		t.Errorf("expected 429 to also satisfy IsRateLimited, got %v", err)
	}
}

func TestTriggerRunReturnsVerdict(t *testing.T) {
	scenarioID := uuid.New()
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/scenarios/{scenario_id}/run": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("scenario_id") != scenarioID.String() {
				t.Errorf("unexpected scenario id %s", r.PathValue("scenario_id"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": TriggerRunResult{
					Run:            Run{ID: runID, ScenarioID: scenarioID, Status: "pass"},
					Success:        true,
					QuotaRemaining: 4,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	result, err := client.TriggerRun(context.Background(), scenarioID)
	if err != nil {
		t.Fatalf("TriggerRun failed: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if result.Run.ID != runID {
		t.Errorf("expected run ID %s, got %s", runID, result.Run.ID)
	}
	if result.QuotaRemaining != 4 {
		t.Errorf("expected quota remaining 4, got %d", result.QuotaRemaining)
	}
}

func TestListRunsPagination(t *testing.T) {
	scenarioID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/scenarios/{scenario_id}/runs": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("limit"); got != "2" {
				t.Errorf("expected limit=2, got %q", got)
			}
			if got := r.URL.Query().Get("offset"); got != "2" {
				t.Errorf("expected offset=2, got %q", got)
			}
			total := 5
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []Run{{ID: uuid.New()}, {ID: uuid.New()}},
				"total":    total,
				"has_more": true,
				"limit":    2,
				"offset":   2,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListRuns(context.Background(), scenarioID, &ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(page.Items))
	}
	if page.Total != 5 {
		t.Errorf("expected total 5, got %d", page.Total)
	}
	if !page.HasMore {
		t.Error("expected has_more")
	}
}

func TestQuotaStatus(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/quota": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": QuotaStatus{Used: 3, Limit: 5, ResetsAt: time.Now().Add(time.Hour).UTC()},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	status, err := client.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota failed: %v", err)
	}
	if status.Used != 3 || status.Limit != 5 {
		t.Errorf("unexpected quota %d/%d", status.Used, status.Limit)
	}
}

func TestFeaturedPassesLimit(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/featured": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("limit"); got != "3" {
				t.Errorf("expected limit=3, got %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []FeaturedScenario{
					{ScenarioID: uuid.New(), QualityScore: 0.9},
					{ScenarioID: uuid.New(), QualityScore: 0.8},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	featured, err := client.Featured(context.Background(), 3)
	if err != nil {
		t.Fatalf("Featured failed: %v", err)
	}
	if len(featured) != 2 {
		t.Fatalf("expected 2 featured scenarios, got %d", len(featured))
	}
	if featured[0].QualityScore < featured[1].QualityScore {
		t.Error("expected featured scenarios ordered by score")
	}
}

func TestRecordViewNoContent(t *testing.T) {
	usecaseID := uuid.New()
	var hits atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/usecases/{usecase_id}/view": func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusNoContent)
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.RecordView(context.Background(), usecaseID); err != nil {
		t.Fatalf("RecordView failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 hit, got %d", hits.Load())
	}
}

func TestRecordLikeBufferFull(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/usecases/{usecase_id}/like": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "engagement buffer is full, try again later"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.RecordLike(context.Background(), uuid.New())
	if !IsRateLimited(err) {
		t.Errorf("expected rate limited error, got %v", err)
	}
	if IsQuotaExceeded(err) {
		t.Error("buffer backpressure must not read as quota exhaustion")
	}
}

func TestGenerateUseCasesForbidden(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/admin/usecases/generate": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{"code": "FORBIDDEN", "message": "insufficient permissions"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GenerateUseCases(context.Background())
	if !IsForbidden(err) {
		t.Errorf("expected forbidden error, got %v", err)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid credentials"},
			})
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("health must not send credentials")
			}
			// Health is not wrapped in the data envelope.
			writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Postgres: "connected"})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %q", health.Status)
	}
}

func TestTokenRefreshOnExpiry(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			n := tokenCalls.Add(1)
			token := "token-1"
			if n > 1 {
				token = "token-2"
			}
			// First token is already expired, forcing a refresh on the
			// second request.
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      token,
					"expires_at": time.Now().Add(time.Duration(n) * time.Hour).Format(time.RFC3339Nano),
				},
			})
		},
		"GET /v1/quota": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": QuotaStatus{Used: 0, Limit: 5},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	client.tokenMgr.margin = 2 * time.Hour // force the first token to look stale

	if _, err := client.Quota(context.Background()); err != nil {
		t.Fatalf("first Quota failed: %v", err)
	}
	if _, err := client.Quota(context.Background()); err != nil {
		t.Fatalf("second Quota failed: %v", err)
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("expected 2 token calls, got %d", tokenCalls.Load())
	}
}

func TestErrorParsingFallback(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/quota": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Quota(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var apiErr *Error
	if !asError(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "upstream exploded" {
		t.Errorf("expected raw body as message, got %q", apiErr.Message)
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}
