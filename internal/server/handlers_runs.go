package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shiken-ai/shiken/internal/authz"
	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/service/runner"
	"github.com/shiken-ai/shiken/internal/storage"
)

// HandleTriggerRun handles POST /v1/scenarios/{scenario_id}/run.
//
// Quota is consumed at admission and never refunded: an execution that ends
// in the error status still spent one unit of the day's budget.
func (h *Handlers) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	scenarioID, ok := parsePathUUID(w, r, "scenario_id")
	if !ok {
		return
	}
	if _, ok := h.getAccessibleScenario(w, r, scenarioID); !ok {
		return
	}

	result, err := h.runner.Trigger(r.Context(), scenarioID, claims.UserID())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "scenario not found")
		case errors.Is(err, runner.ErrOrphanedScenario):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"scenario no longer belongs to a collection and cannot be executed")
		case errors.Is(err, runner.ErrQuotaExceeded):
			h.writeQuotaExceeded(w, r)
		default:
			h.writeInternalError(w, r, "failed to trigger run", err)
		}
		return
	}

	run := result.Run
	if !authz.CanViewRunDetail(claims, result.Scenario) {
		run = run.Summary()
	}

	writeJSON(w, r, http.StatusOK, model.TriggerRunResponse{
		Run:            run,
		Success:        run.Status == model.RunStatusPass,
		QuotaRemaining: result.QuotaRemaining,
	})
}

// writeQuotaExceeded writes a 429 with the caller's current quota window in
// the error details so clients can back off until the reset.
func (h *Handlers) writeQuotaExceeded(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	details := any(nil)
	if status, err := h.tracker.Status(r.Context(), claims.UserID()); err == nil {
		details = model.QuotaStatusResponse{
			Used:     status.Used,
			Limit:    status.Limit,
			ResetsAt: status.ResetsAt,
		}
	}
	writeErrorDetails(w, r, http.StatusTooManyRequests, model.ErrCodeQuotaExceeded,
		"daily run quota exhausted", details)
}

// HandleListRuns handles GET /v1/scenarios/{scenario_id}/runs.
// Non-owners receive redacted run summaries without transcripts.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	scenarioID, ok := parsePathUUID(w, r, "scenario_id")
	if !ok {
		return
	}
	scenario, ok := h.getAccessibleScenario(w, r, scenarioID)
	if !ok {
		return
	}

	limit, offset := paginationParams(r, 20, 100)

	runs, total, err := h.db.ListRunsByScenario(r.Context(), scenarioID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	if !authz.CanViewRunDetail(claims, scenario) {
		for i := range runs {
			runs[i] = runs[i].Summary()
		}
	}

	writeList(w, r, runs, total, limit, offset)
}

// HandleQuotaStatus handles GET /v1/quota.
func (h *Handlers) HandleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	status, err := h.tracker.Status(r.Context(), claims.UserID())
	if err != nil {
		h.writeInternalError(w, r, "failed to read quota status", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.QuotaStatusResponse{
		Used:     status.Used,
		Limit:    status.Limit,
		ResetsAt: status.ResetsAt,
	})
}

// paginationParams reads limit/offset query parameters with a default and cap.
func paginationParams(r *http.Request, def, maxLimit int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// writeList writes the standard paginated list envelope.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   &total,
		HasMore: offset+limit < total,
		Limit:   limit,
		Offset:  offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}
