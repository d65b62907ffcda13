package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for scenario fields. These bound what flows into the
// embedding pipeline, the agent prompt, and Postgres TEXT columns.
const (
	MinPromptLen    = 10
	MaxPromptLen    = 16 * 1024 // 16 KB
	MaxNameLen      = 200
	MaxAssertions   = 25
	MaxAssertionLen = 1024
	MaxTags         = 20
)

// PromptPreviewLen bounds prompt previews returned by similarity checks.
const PromptPreviewLen = 200

// ValidateScenarioInput checks the user-supplied scenario fields.
func ValidateScenarioInput(prompt string, name *string, assertions []string, tags []string) error {
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) < MinPromptLen {
		return fmt.Errorf("prompt must be at least %d characters", MinPromptLen)
	}
	if len(prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if name != nil && len(*name) > MaxNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	if len(assertions) > MaxAssertions {
		return fmt.Errorf("at most %d assertions are allowed", MaxAssertions)
	}
	for i, a := range assertions {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("assertions[%d] is empty", i)
		}
		if len(a) > MaxAssertionLen {
			return fmt.Errorf("assertions[%d] exceeds maximum length of %d bytes", i, MaxAssertionLen)
		}
	}
	if len(tags) > MaxTags {
		return fmt.Errorf("at most %d tags are allowed", MaxTags)
	}
	return nil
}

// PromptPreview truncates a prompt to PromptPreviewLen runes, appending an
// ellipsis marker when truncated.
func PromptPreview(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= PromptPreviewLen {
		return prompt
	}
	return string(runes[:PromptPreviewLen]) + "…"
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SignupRequest is the request body for POST /auth/signup.
type SignupRequest struct {
	Handle string `json:"handle"`
	Name   string `json:"name,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Handle string `json:"handle"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateScenarioRequest is the request body for POST /v1/scenarios.
type CreateScenarioRequest struct {
	CollectionID uuid.UUID `json:"collection_id"`
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Prompt       string    `json:"prompt"`
	Assertions   []string  `json:"assertions,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// CreateScenarioResponse pairs the stored scenario with the advisory
// duplicate check run at write time. Similarity is nil when the check could
// not be performed.
type CreateScenarioResponse struct {
	Scenario   Scenario                 `json:"scenario"`
	Similarity *SimilarityCheckResponse `json:"similarity,omitempty"`
}

// SimilarityCheckRequest is the request body for POST /v1/scenarios/similarity.
type SimilarityCheckRequest struct {
	CollectionID      uuid.UUID  `json:"collection_id"`
	Prompt            string     `json:"prompt"`
	ExcludeScenarioID *uuid.UUID `json:"exclude_scenario_id,omitempty"`
}

// SimilarScenario pairs a scenario preview with its similarity score.
type SimilarScenario struct {
	ScenarioID    uuid.UUID `json:"scenario_id"`
	Name          *string   `json:"name,omitempty"`
	PromptPreview string    `json:"prompt_preview"`
	Similarity    float64   `json:"similarity"`
}

// SimilarityCheckResponse is the advisory result of a similarity check.
type SimilarityCheckResponse struct {
	HasSimilar    bool              `json:"has_similar"`
	MaxSimilarity float64           `json:"max_similarity"`
	Similar       []SimilarScenario `json:"similar_scenarios"`
}

// TriggerRunResponse is the response for POST /v1/scenarios/{scenario_id}/run.
type TriggerRunResponse struct {
	Run            ScenarioRun `json:"run"`
	Success        bool        `json:"success"`
	QuotaRemaining int         `json:"quota_remaining"`
}

// QuotaStatusResponse is the response for GET /v1/quota.
type QuotaStatusResponse struct {
	Used     int       `json:"used"`
	Limit    int       `json:"limit"`
	ResetsAt time.Time `json:"resets_at"`
}

// GenerateUseCasesResponse is the summary of one nightly generation batch.
type GenerateUseCasesResponse struct {
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details,omitempty"`
	RankedCount  int      `json:"ranked_count"`
}

// FeaturedScenario is the display summary returned by the featured selector.
type FeaturedScenario struct {
	ScenarioID    uuid.UUID  `json:"scenario_id"`
	CollectionID  *uuid.UUID `json:"collection_id,omitempty"`
	Name          *string    `json:"name,omitempty"`
	PromptPreview string     `json:"prompt_preview"`
	QualityScore  float64    `json:"quality_score"`
	TotalRuns     int        `json:"total_runs"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
