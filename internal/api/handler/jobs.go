package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/internal/pipeline"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// JobService is the job surface of the pipeline.
type JobService interface {
	JobStatus(ctx context.Context, tenantID, jobID uuid.UUID) (*pipeline.JobView, error)
	JobState(ctx context.Context, tenantID, jobID uuid.UUID) (models.JobState, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*models.Job, int, error)
	Stats(ctx context.Context, tenantID uuid.UUID) (*models.JobStats, error)
	CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error)
	MarkDelivered(ctx context.Context, tenantID, jobID uuid.UUID, status, deliveryErr string) (*models.Result, error)
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		page, limit := pageParams(r, 20, 100)
		q := r.URL.Query()
		jobs, total, err := svc.ListJobs(r.Context(), store.JobFilter{
			TenantID: tenantID,
			State:    models.JobState(q.Get("state")),
			Kind:     models.JobKind(q.Get("kind")),
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Collection(w, jobs, response.Page(page, limit, total, len(jobs)))
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		view, err := svc.JobStatus(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewJobStateHandler returns the handler for GET /api/v1/jobs/{jobID}/state, the
// cheap polling endpoint.
func NewJobStateHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		state, err := svc.JobState(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"job_id": jobID, "state": state, "terminal": state.Terminal()})
	}
}

// NewCancelJobHandler returns the handler for POST /api/v1/jobs/{jobID}/cancel.
// Running jobs answer 202 because cancellation completes asynchronously.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.CancelJob(r.Context(), tenantID, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if job.State == models.JobStateRunning {
			response.Accepted(w, job)
			return
		}
		response.JSON(w, job)
	}
}

type deliveryRequest struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewDeliveryHandler returns the handler for POST /api/v1/jobs/{jobID}/delivery.
func NewDeliveryHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		var req deliveryRequest
		if !decode(w, r, &req) {
			return
		}
		switch req.Status {
		case models.DeliveryDelivered, models.DeliveryFailed, models.DeliverySkipped:
		default:
			response.Error(w, response.CodeInvalidRequest,
				"status must be one of delivered, failed, skipped", nil)
			return
		}
		result, err := svc.MarkDelivered(r.Context(), tenantID, jobID, req.Status, req.Error)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

// NewStatsHandler returns the handler for GET /api/v1/stats.
func NewStatsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		stats, err := svc.Stats(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, stats)
	}
}
