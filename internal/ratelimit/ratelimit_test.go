package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/ratelimit"
)

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubLimiter) Allow(context.Context, string) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

func (s *stubLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMiddlewareAllows(t *testing.T) {
	limiter := &stubLimiter{allowed: true}
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil, testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/featured", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, limiter.calls)
}

func TestMiddlewareDeniesWithEnvelope(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	reqID := func(*http.Request) string { return "req-123" }
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqID, testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scenarios", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-123", body.Meta.RequestID)
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	limiter := &stubLimiter{allowed: false, err: errors.New("limiter down")}
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil, testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/quota", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "limiter failure must not block traffic")
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	skipAll := func(*http.Request) string { return "" }
	handler := ratelimit.Middleware(limiter, skipAll, nil, testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, limiter.calls, "empty key should bypass the limiter")
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := ratelimit.Middleware(nil, ratelimit.IPKeyFunc, nil, testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usecases", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.7:51234", "203.0.113.7"},
		{"[2001:db8::1]:443", "[2001:db8::1]"},
		{"203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		assert.Equal(t, tt.want, ratelimit.IPKeyFunc(r))
	}
}
