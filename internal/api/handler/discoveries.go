package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/internal/pipeline"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Enqueuer accepts discovered messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, in pipeline.DiscoveryInput) (*pipeline.EnqueueResult, error)
}

type discoveryRequest struct {
	ExternalMessageID string           `json:"external_message_id"`
	Sender            string           `json:"sender"`
	Subject           string           `json:"subject"`
	Body              string           `json:"body"`
	ReceivedAt        *time.Time       `json:"received_at"`
	Priority          *int             `json:"priority"`
	Kinds             []models.JobKind `json:"kinds"`
}

// NewEnqueueHandler returns the handler for POST /api/v1/discoveries. A new
// discovery answers 201, a repeated one 200 with the original jobs.
func NewEnqueueHandler(svc Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		var req discoveryRequest
		if !decode(w, r, &req) {
			return
		}

		in := pipeline.DiscoveryInput{
			TenantID:          tenantID,
			ExternalMessageID: req.ExternalMessageID,
			Message: models.EmailMessage{
				Sender:  req.Sender,
				Subject: req.Subject,
				Body:    req.Body,
			},
			Priority: models.PriorityNormal,
			Kinds:    req.Kinds,
		}
		if req.ReceivedAt != nil {
			in.Message.ReceivedAt = req.ReceivedAt.UTC()
		}
		if req.Priority != nil {
			in.Priority = *req.Priority
		}

		result, err := svc.Enqueue(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if result.Created {
			response.Created(w, result)
			return
		}
		response.JSON(w, result)
	}
}
