// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/okian/klyro/internal/adapters/mq/queue"
	"github.com/okian/klyro/internal/adapters/repository"
	service "github.com/okian/klyro/internal/app"
	"github.com/okian/klyro/internal/domain/gate"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	Analyze(ctx context.Context, req service.AnalyzeRequest) (service.AnalyzeResult, error)
	Status(ctx context.Context, userID uuid.UUID) (service.StatusView, error)
	Profile(ctx context.Context, identifier string) (model.Profile, error)
	Verify(ctx context.Context, gateName, identifier string) (gate.Decision, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	analyzeHandler *AnalyzeHandler
	usersHandler   *UsersHandler
	gatesHandler   *GatesHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:  NewHealthHandler(statsProvider),
		statsHandler:   NewStatsHandler(statsProvider),
		analyzeHandler: NewAnalyzeHandler(deps),
		usersHandler:   NewUsersHandler(deps),
		gatesHandler:   NewGatesHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	route := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, MetricsMiddleware(RecoverMiddleware(h), endpoint))
	}
	route("/healthz", "healthz", s.healthHandler.HandleHealth)
	route("GET /stats", "stats", s.statsHandler.HandleStats)
	route("POST /analyze", "analyze", s.analyzeHandler.HandleAnalyze)
	route("GET /users/{id}/status", "status", s.usersHandler.HandleStatus)
	route("GET /profile", "profile", s.usersHandler.HandleProfile)
	route("POST /gates/{gate}/verify", "verify", s.gatesHandler.HandleVerify)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil && status < http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps service and store sentinels to a status code.
// Server errors carry only the status text.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", repository.ErrNotFound)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", ErrNotFound)
	case errors.Is(err, repository.ErrAddressOwned):
		writeError(w, http.StatusConflict, "conflict", repository.ErrAddressOwned)
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "backpressure", NewKind(op, ErrBackpressure))
	case errors.Is(err, service.ErrNotStarted), errors.Is(err, queue.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", nil)
	default:
		logger.Get().Named("api").Error(r.Context(), "request failed", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
