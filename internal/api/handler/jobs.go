package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/schemaforge/internal/api/middleware"
	"github.com/kiranshivaraju/schemaforge/internal/api/response"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type JobCanceller interface {
	JobReader
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(q JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadVisibleJob(w, r, q)
		if !ok {
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. Cancelling a finished job returns it
// unchanged.
func NewCancelJobHandler(q JobCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadVisibleJob(w, r, q)
		if !ok {
			return
		}

		cancelled, err := q.Cancel(r.Context(), job.ID)
		if err != nil {
			writeJobError(w, job.ID, err)
			return
		}
		response.JSON(w, cancelled)
	}
}

// loadVisibleJob fetches the job named by the route. Jobs another principal
// originated are reported as missing.
func loadVisibleJob(w http.ResponseWriter, r *http.Request, q JobReader) (*models.Job, bool) {
	jobID, ok := uuidParam(w, r, "jobID")
	if !ok {
		return nil, false
	}

	job, err := q.GetJob(r.Context(), jobID)
	if err != nil {
		writeJobError(w, jobID, err)
		return nil, false
	}
	if !visibleTo(r, job) {
		writeJobError(w, jobID, jobs.ErrNotFound)
		return nil, false
	}
	return job, true
}

func visibleTo(r *http.Request, job *models.Job) bool {
	if job.PrincipalID == nil {
		return true
	}
	principalID, ok := mw.GetPrincipalID(r)
	return ok && principalID == *job.PrincipalID
}

func writeJobError(w http.ResponseWriter, jobID uuid.UUID, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return
	}
	slog.Error("job lookup failed", "job_id", jobID, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred", nil)
}
