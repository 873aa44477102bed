package api

import (
	"errors"
	"net/http"
	"strings"
)

// GatesHandler serves partner gate verification.
type GatesHandler struct {
	deps Dependencies
}

// NewGatesHandler creates a new gates handler.
func NewGatesHandler(deps Dependencies) *GatesHandler {
	return &GatesHandler{deps: deps}
}

type verifyRequest struct {
	Identifier string `json:"identifier"`
}

// HandleVerify handles POST /gates/{gate}/verify. Failing the gate is a
// 200 with passed=false and a reason.
func (h *GatesHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	const op = "api.verify"
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing identifier")))
		return
	}
	d, err := h.deps.Verify(r.Context(), r.PathValue("gate"), req.Identifier)
	if err != nil {
		writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
