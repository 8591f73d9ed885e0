package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/clausewatch/internal/api/response"
	"github.com/kiranshivaraju/clausewatch/internal/dispatch"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// Dispatcher is the part of the dispatcher the task endpoints use.
type Dispatcher interface {
	Submit(ctx context.Context, task models.Task) (uuid.UUID, error)
	Poll(ctx context.Context, jobID uuid.UUID) (models.Status, error)
}

type submitResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

// taskStatus carries exactly one of Activity, Result or Trace.
type taskStatus struct {
	JobID    uuid.UUID        `json:"job_id"`
	Activity *models.Activity `json:"activity,omitempty"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Trace    *models.Trace    `json:"trace,omitempty"`
}

// NewSubmitTaskHandler returns an http.HandlerFunc for POST /api/v1/tasks.
func NewSubmitTaskHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var task models.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		jobID, err := d.Submit(r.Context(), task)
		if err != nil {
			if errors.Is(err, models.ErrInvalidTask) {
				response.Error(w, http.StatusBadRequest, models.CodeInvalidTask, err.Error(), nil)
				return
			}
			slog.Error("submitting task failed", "type", task.Type, "scope", task.Scope, "error", err)
			response.Error(w, http.StatusServiceUnavailable, models.CodeUnavailable,
				"The task could not be scheduled", nil)
			return
		}

		response.Accepted(w, submitResponse{JobID: jobID})
	}
}

// NewPollTaskHandler returns an http.HandlerFunc for GET /api/v1/tasks/{jobID}.
// A job still in progress answers 202; a finished job answers 200 once and is
// then forgotten.
func NewPollTaskHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
			return
		}

		st, err := d.Poll(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, dispatch.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			slog.Error("polling job failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		out := taskStatus{JobID: jobID}
		switch st.Kind {
		case models.StatusActivity:
			activity := st.Activity
			out.Activity = &activity
			response.Accepted(w, out)
		case models.StatusResult:
			out.Result = st.Result
			response.JSON(w, out)
		default:
			out.Trace = st.Trace
			response.JSON(w, out)
		}
	}
}
