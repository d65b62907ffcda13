package shiken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Shiken server (e.g. "http://localhost:8080").
	BaseURL string

	// Handle identifies the user for authentication.
	Handle string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Shiken scenario evaluation API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Handle, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("shiken: BaseURL is required")
	}
	if cfg.Handle == "" {
		return nil, fmt.Errorf("shiken: Handle is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("shiken: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Handle, cfg.APIKey, httpClient),
	}, nil
}

// Signup registers a new user and returns the generated API key. The key is
// shown exactly once; pass it to NewClient for subsequent calls. No
// credentials are required.
func Signup(ctx context.Context, baseURL string, req SignupRequest) (*SignupResult, error) {
	baseURL = strings.TrimRight(baseURL, "/")

	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("shiken: marshal signup request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/auth/signup", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("shiken: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("shiken: POST /auth/signup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result SignupResult
	if err := handleResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateScenario stores a scenario and returns it together with an advisory
// duplicate check. A high similarity score never blocks the write.
func (c *Client) CreateScenario(ctx context.Context, req CreateScenarioRequest) (*CreateScenarioResult, error) {
	var resp CreateScenarioResult
	if err := c.post(ctx, "/v1/scenarios", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckSimilarity looks for near-duplicate scenarios before authoring a new
// one.
func (c *Client) CheckSimilarity(ctx context.Context, req SimilarityCheckRequest) (*SimilarityResult, error) {
	var resp SimilarityResult
	if err := c.post(ctx, "/v1/scenarios/similarity", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerRun executes a scenario against the simulated agent and returns
// the completed run with the evaluator's verdict. Consumes one unit of the
// caller's daily run quota; IsQuotaExceeded reports exhaustion.
func (c *Client) TriggerRun(ctx context.Context, scenarioID uuid.UUID) (*TriggerRunResult, error) {
	var resp TriggerRunResult
	if err := c.post(ctx, "/v1/scenarios/"+scenarioID.String()+"/run", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns the run history for a scenario, newest first.
// Transcripts are only included for runs the caller owns.
func (c *Client) ListRuns(ctx context.Context, scenarioID uuid.UUID, opts *ListOptions) (*Page[Run], error) {
	path := "/v1/scenarios/" + scenarioID.String() + "/runs" + listQuery(opts)
	return getPage[Run](ctx, c, path)
}

// Quota reports the caller's daily run quota consumption.
func (c *Client) Quota(ctx context.Context) (*QuotaStatus, error) {
	var resp QuotaStatus
	if err := c.get(ctx, "/v1/quota", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Featured returns the highest-quality scenarios eligible for promotion.
func (c *Client) Featured(ctx context.Context, limit int) ([]FeaturedScenario, error) {
	path := "/v1/featured"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []FeaturedScenario
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListUseCases returns published use cases ordered by rank.
func (c *Client) ListUseCases(ctx context.Context, opts *ListOptions) (*Page[UseCase], error) {
	return getPage[UseCase](ctx, c, "/v1/usecases"+listQuery(opts))
}

// RecordView records a view of a use case. Counted asynchronously; a nil
// error means the event was accepted, not that the counter is visible yet.
func (c *Client) RecordView(ctx context.Context, usecaseID uuid.UUID) error {
	return c.post(ctx, "/v1/usecases/"+usecaseID.String()+"/view", nil, nil)
}

// RecordLike records a like of a use case.
func (c *Client) RecordLike(ctx context.Context, usecaseID uuid.UUID) error {
	return c.post(ctx, "/v1/usecases/"+usecaseID.String()+"/like", nil, nil)
}

// GenerateUseCases triggers a use-case generation batch. Requires admin
// role.
func (c *Client) GenerateUseCases(ctx context.Context) (*GenerateReport, error) {
	var resp GenerateReport
	if err := c.post(ctx, "/v1/admin/usecases/generate", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func listQuery(opts *ListOptions) string {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated list wrapper. The envelope carries
// pagination fields alongside data, so list endpoints decode the whole body.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func getPage[T any](ctx context.Context, c *Client, path string) (*Page[T], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("shiken: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shiken: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("shiken: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("shiken: decode list envelope: %w", err)
	}

	page := &Page[T]{
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}
	if envelope.Total != nil {
		page.Total = *envelope.Total
	}
	if envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, &page.Items); err != nil {
			return nil, fmt.Errorf("shiken: decode list items: %w", err)
		}
	}
	return page, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("shiken: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("shiken: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("shiken: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("shiken: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shiken: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shiken: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shiken: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope. The health endpoint is
	// not wrapped; fall through to a direct decode.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("shiken: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
