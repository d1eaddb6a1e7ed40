package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/job"
)

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Action   job.Action      `json:"action"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	j, err := a.dispatcher.EnqueueJob(r.Context(), tenant, req.Action, req.Priority, req.Payload)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, j)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	tenant, jobID, ok := a.jobParams(w, r)
	if !ok {
		return
	}

	j, err := a.dispatcher.Store().GetJob(r.Context(), tenant, jobID)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

func (a *API) listJobTasks(w http.ResponseWriter, r *http.Request) {
	tenant, jobID, ok := a.jobParams(w, r)
	if !ok {
		return
	}

	tasks, err := a.dispatcher.TasksForJob(r.Context(), tenant, jobID)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, tasks)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	tenant, jobID, ok := a.jobParams(w, r)
	if !ok {
		return
	}

	j, err := a.dispatcher.CancelJob(r.Context(), tenant, jobID)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

func (a *API) resumeJob(w http.ResponseWriter, r *http.Request) {
	tenant, jobID, ok := a.jobParams(w, r)
	if !ok {
		return
	}

	j, err := a.dispatcher.ResumeJob(r.Context(), tenant, jobID)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

// jobParams extracts the tenant header and the jobID path parameter,
// writing the error response itself on failure.
func (a *API) jobParams(w http.ResponseWriter, r *http.Request) (int64, id.JobID, bool) {
	tenant, err := tenantID(r)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return 0, id.JobID{}, false
	}

	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("invalid job id"))
		return 0, id.JobID{}, false
	}
	return tenant, jobID, true
}
