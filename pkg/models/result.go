package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"
)

// Result holds the durable AI output of a completed job. Exactly one per completed job.
type Result struct {
	ID                uuid.UUID     `db:"id"                  json:"id"`
	JobID             uuid.UUID     `db:"job_id"              json:"job_id"`
	TenantID          uuid.UUID     `db:"tenant_id"           json:"tenant_id"`
	Kind              JobKind       `db:"kind"                json:"kind"`
	Payload           ResultPayload `db:"payload"             json:"payload"`
	Provider          string        `db:"provider"            json:"provider"`
	Model             string        `db:"model"               json:"model"`
	DeliveryStatus    string        `db:"delivery_status"     json:"delivery_status"`
	DeliveryAttempts  int           `db:"delivery_attempts"   json:"delivery_attempts"`
	LastDeliveryError *string       `db:"last_delivery_error" json:"last_delivery_error,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at"        json:"delivered_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"          json:"updated_at"`
}

// ResultPayload is the model output. Which fields are populated depends on the job kind.
type ResultPayload struct {
	Summary        string   `json:"summary,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	ActionItems    []string `json:"action_items,omitempty"`
	Classification string   `json:"classification,omitempty"`
}
