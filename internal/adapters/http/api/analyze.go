package api

import (
	"net/http"

	service "github.com/okian/klyro/internal/app"
)

// AnalyzeHandler handles analysis requests.
type AnalyzeHandler struct {
	deps Dependencies
}

// NewAnalyzeHandler creates a new analyze handler.
func NewAnalyzeHandler(deps Dependencies) *AnalyzeHandler {
	return &AnalyzeHandler{deps: deps}
}

// HandleAnalyze handles POST /analyze. A queued job answers 202, a cached
// record 200 and a rejected username 422.
func (h *AnalyzeHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	const op = "api.analyze"
	var req service.AnalyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	res, err := h.deps.Analyze(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, op, err)
		return
	}
	switch {
	case res.Rejected:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	case res.Cached:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}
