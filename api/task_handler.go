package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crosslist/relister/id"
	"github.com/crosslist/relister/taskqueue"
)

// SubmitResultResponse is the body of POST /v1/tasks/{taskID}/result.
type SubmitResultResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// fetchTasks long-polls for pending tasks. The connection is held open
// until work arrives or the timeout window elapses; an empty response
// carries the interval the client should wait before polling again.
func (a *API) fetchTasks(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	timeout := taskqueue.MaxWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, perr := strconv.Atoi(raw)
		if perr != nil || secs < 0 {
			a.writeError(w, http.StatusBadRequest, errors.New("invalid timeout parameter"))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	limit := 1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 1 {
			a.writeError(w, http.StatusBadRequest, errors.New("invalid limit parameter"))
			return
		}
		limit = n
	}

	resp, err := a.queue.Fetch(r.Context(), tenant, timeout, limit)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) submitResult(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	taskID, err := id.ParseTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("invalid task id"))
		return
	}

	var res taskqueue.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	t, err := a.queue.SubmitResult(r.Context(), tenant, taskID, res)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, SubmitResultResponse{
		Success: true,
		TaskID:  t.ID.String(),
		Status:  string(t.Status),
	})
}
