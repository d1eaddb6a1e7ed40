// Package api exposes the dispatcher and task queue over HTTP. Job
// management and the long-polling task feed share one router; every
// route is tenant-scoped through the X-Tenant-ID header.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/engine"
	"github.com/crosslist/relister/taskqueue"
)

// tenantHeader carries the tenant id on every request.
const tenantHeader = "X-Tenant-ID"

// API wires HTTP routes to the dispatcher and the task queue.
type API struct {
	dispatcher *engine.Dispatcher
	queue      *taskqueue.Queue
	logger     *slog.Logger
}

// New creates the API over a dispatcher and task queue.
func New(dispatcher *engine.Dispatcher, queue *taskqueue.Queue, logger *slog.Logger) *API {
	return &API{
		dispatcher: dispatcher,
		queue:      queue,
		logger:     logger,
	}
}

// Handler returns the HTTP handler with all routes registered.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.createJob)
		r.Get("/jobs/{jobID}", a.getJob)
		r.Get("/jobs/{jobID}/tasks", a.listJobTasks)
		r.Post("/jobs/{jobID}/cancel", a.cancelJob)
		r.Post("/jobs/{jobID}/resume", a.resumeJob)

		r.Get("/tasks", a.fetchTasks)
		r.Post("/tasks/{taskID}/result", a.submitResult)

		r.Get("/status", a.status)
	})

	return r
}

// tenantID extracts the tenant id header. Requests without a valid
// tenant are rejected before any handler logic runs.
func tenantID(r *http.Request) (int64, error) {
	raw := r.Header.Get(tenantHeader)
	if raw == "" {
		return 0, errors.New("missing " + tenantHeader + " header")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + tenantHeader + " header")
	}
	return id, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// mapError translates domain sentinels to HTTP status codes.
func (a *API) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relister.ErrJobNotFound),
		errors.Is(err, relister.ErrTaskNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, relister.ErrJobTerminal),
		errors.Is(err, relister.ErrInvalidTransition):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, relister.ErrUnknownAction):
		a.writeError(w, http.StatusBadRequest, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}
