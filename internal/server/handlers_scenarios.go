package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/search"
	"github.com/shiken-ai/shiken/internal/storage"
)

// HandleCreateScenario handles POST /v1/scenarios.
//
// The similarity check runs before the insert and its result rides along in
// the response as an advisory warning. Creation is never blocked on
// similarity; near-duplicates are a curation concern, not an integrity one.
func (h *Handlers) HandleCreateScenario(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateScenarioRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.CollectionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "collection_id is required")
		return
	}
	if err := model.ValidateScenarioInput(req.Prompt, req.Name, req.Assertions, req.Tags); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	allowed, err := h.checker.CanAccessCollection(r.Context(), claims, req.CollectionID)
	if err != nil {
		h.writeInternalError(w, r, "collection access check failed", err)
		return
	}
	if !allowed {
		// 404 rather than 403 so private collection IDs are not probeable.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "collection not found")
		return
	}

	prompt := strings.TrimSpace(req.Prompt)

	// Advisory duplicate check against the collection's existing prompts.
	var similar *model.SimilarityCheckResponse
	if h.scorer != nil {
		check := h.scorer.Check(r.Context(), prompt, req.CollectionID, nil)
		similar = &check
	}

	// Embed best-effort: a down embedding provider degrades similarity for
	// this scenario but never blocks the write.
	params := storage.CreateScenarioParams{
		CollectionID: req.CollectionID,
		OwnerID:      claims.UserID(),
		Name:         req.Name,
		Description:  req.Description,
		Prompt:       prompt,
		Assertions:   req.Assertions,
		Tags:         req.Tags,
	}
	if h.embedder != nil {
		if vec, embErr := h.embedder.Embed(r.Context(), prompt); embErr == nil {
			params.PromptEmbedding = &vec
		} else {
			h.logger.Warn("prompt embedding failed, storing scenario without vector",
				"error", embErr, "collection_id", req.CollectionID)
		}
	}

	scenario, err := h.db.CreateScenario(r.Context(), params)
	if err != nil {
		h.writeInternalError(w, r, "failed to create scenario", err)
		return
	}

	h.indexScenario(r, scenario)

	writeJSON(w, r, http.StatusCreated, model.CreateScenarioResponse{
		Scenario:   scenario,
		Similarity: similar,
	})
}

// indexScenario mirrors a scenario into the vector index, best-effort.
func (h *Handlers) indexScenario(r *http.Request, scenario model.Scenario) {
	if h.index == nil || scenario.PromptEmbedding == nil {
		return
	}
	collectionID, ok := scenario.Owned()
	if !ok {
		return
	}
	point := search.ScenarioPoint{
		ID:           scenario.ID,
		CollectionID: collectionID,
		OwnerID:      scenario.OwnerID,
		QualityScore: scenario.QualityScore,
		CreatedAt:    scenario.CreatedAt,
		Embedding:    scenario.PromptEmbedding.Slice(),
	}
	if err := h.index.Upsert(r.Context(), []search.ScenarioPoint{point}); err != nil {
		h.logger.Warn("vector index upsert failed", "error", err, "scenario_id", scenario.ID)
	}
}

// HandleSimilarityCheck handles POST /v1/scenarios/similarity.
// A standalone advisory check used by authoring UIs before submission.
func (h *Handlers) HandleSimilarityCheck(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.SimilarityCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.CollectionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "collection_id is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "prompt is required")
		return
	}

	allowed, err := h.checker.CanAccessCollection(r.Context(), claims, req.CollectionID)
	if err != nil {
		h.writeInternalError(w, r, "collection access check failed", err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "collection not found")
		return
	}

	check := h.scorer.Check(r.Context(), strings.TrimSpace(req.Prompt), req.CollectionID, req.ExcludeScenarioID)
	writeJSON(w, r, http.StatusOK, check)
}

// getAccessibleScenario loads a scenario and enforces read access, mapping
// both "missing" and "forbidden" to a 404 write.
// The bool return reports whether the caller may proceed.
func (h *Handlers) getAccessibleScenario(w http.ResponseWriter, r *http.Request, scenarioID uuid.UUID) (model.Scenario, bool) {
	claims := ClaimsFromContext(r.Context())

	scenario, err := h.db.GetScenario(r.Context(), scenarioID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "scenario not found")
		} else {
			h.writeInternalError(w, r, "failed to load scenario", err)
		}
		return model.Scenario{}, false
	}

	allowed, err := h.checker.CanAccessScenario(r.Context(), claims, scenario)
	if err != nil {
		h.writeInternalError(w, r, "scenario access check failed", err)
		return model.Scenario{}, false
	}
	if !allowed {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "scenario not found")
		return model.Scenario{}, false
	}
	return scenario, true
}

// parsePathUUID extracts a UUID path parameter, writing a 400 on failure.
func parsePathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
