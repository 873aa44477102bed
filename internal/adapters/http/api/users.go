package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// UsersHandler serves status and profile reads.
type UsersHandler struct {
	deps Dependencies
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(deps Dependencies) *UsersHandler {
	return &UsersHandler{deps: deps}
}

// HandleStatus handles GET /users/{id}/status.
func (h *UsersHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	const op = "api.status"
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("id must be a UUID")))
		return
	}
	st, err := h.deps.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleProfile handles GET /profile?identifier=. The identifier may be a
// user id, username, address, email, DID or issuer id.
func (h *UsersHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	const op = "api.profile"
	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing identifier")))
		return
	}
	p, err := h.deps.Profile(r.Context(), identifier)
	if err != nil {
		writeServiceError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
