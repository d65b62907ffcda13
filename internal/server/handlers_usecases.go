package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/shiken-ai/shiken/internal/model"
)

// HandleListUseCases handles GET /v1/usecases, ordered by rank score.
func (h *Handlers) HandleListUseCases(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r, 50, 100)

	cases, total, err := h.db.ListUseCases(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list use cases", err)
		return
	}

	writeList(w, r, cases, total, limit, offset)
}

// HandleUseCaseView handles POST /v1/usecases/{usecase_id}/view.
// View counts feed the engagement term of rank scoring; the bump is
// fire-and-forget and an unknown ID is a silent no-op.
func (h *Handlers) HandleUseCaseView(w http.ResponseWriter, r *http.Request) {
	h.recordEngagement(w, r, model.EngagementView)
}

// HandleUseCaseLike handles POST /v1/usecases/{usecase_id}/like.
func (h *Handlers) HandleUseCaseLike(w http.ResponseWriter, r *http.Request) {
	h.recordEngagement(w, r, model.EngagementLike)
}

// recordEngagement bumps a use-case counter. When the engagement buffer is
// configured the event is enqueued and flushed in batches; otherwise the
// counter is updated inline.
func (h *Handlers) recordEngagement(w http.ResponseWriter, r *http.Request, kind model.EngagementKind) {
	id, ok := parsePathUUID(w, r, "usecase_id")
	if !ok {
		return
	}

	if h.engagement != nil {
		if err := h.engagement.Record(id, kind); err != nil {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "engagement buffer is full, try again later")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var err error
	switch kind {
	case model.EngagementLike:
		err = h.db.IncrementUseCaseLikes(r.Context(), id)
	default:
		err = h.db.IncrementUseCaseViews(r.Context(), id)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to record engagement", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFeatured handles GET /v1/featured.
func (h *Handlers) HandleFeatured(w http.ResponseWriter, r *http.Request) {
	limit, _ := paginationParams(r, 0, 50)

	scenarios, err := h.featured.Select(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to select featured scenarios", err)
		return
	}

	out := make([]model.FeaturedScenario, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, model.FeaturedScenario{
			ScenarioID:    s.ID,
			CollectionID:  s.CollectionID,
			Name:          s.Name,
			PromptPreview: model.PromptPreview(s.Prompt),
			QualityScore:  s.QualityScore,
			TotalRuns:     s.TotalRuns,
			CreatedAt:     s.CreatedAt,
		})
	}

	writeJSON(w, r, http.StatusOK, out)
}

// HandleGenerateUseCases handles POST /v1/admin/usecases/generate.
//
// Reachable two ways: an admin JWT, or the X-Cron-Secret header for the
// nightly scheduler. The cron path bypasses JWT auth entirely, so the
// secret comparison is constant-time.
func (h *Handlers) HandleGenerateUseCases(w http.ResponseWriter, r *http.Request) {
	if !h.isGenerationAuthorized(r) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
		return
	}

	report, err := h.generator.Generate(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "use case generation failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.GenerateUseCasesResponse{
		Created:      report.Created,
		Updated:      report.Updated,
		Skipped:      report.Skipped,
		Errors:       report.Errors,
		ErrorDetails: report.ErrorDetails,
		RankedCount:  report.RankedCount,
	})
}

func (h *Handlers) isGenerationAuthorized(r *http.Request) bool {
	if claims := ClaimsFromContext(r.Context()); claims != nil &&
		model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true
	}
	if h.cronSecret == "" {
		return false
	}
	secret := r.Header.Get("X-Cron-Secret")
	return subtle.ConstantTimeCompare([]byte(secret), []byte(h.cronSecret)) == 1
}
