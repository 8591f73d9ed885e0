package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/clausewatch/internal/api/response"
	"github.com/kiranshivaraju/clausewatch/internal/store"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobStore reads the job history.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Supported query parameters: scope, type, status, page, limit.
func NewListJobsHandler(s JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, err := intParam(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := intParam(q.Get("limit"), defaultPageLimit)
		if err != nil || limit < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(limit, maxPageLimit)

		filter := store.JobFilter{
			Scope:  q.Get("scope"),
			Type:   models.TaskType(q.Get("type")),
			Status: q.Get("status"),
			Page:   page,
			Limit:  limit,
		}
		jobs, total, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("listing jobs failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(s JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
			return
		}

		job, err := s.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			slog.Error("getting job failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, job)
	}
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
