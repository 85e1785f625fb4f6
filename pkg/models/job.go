package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateRetrying  JobState = "retrying"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Schedulable reports whether a job in state s may be claimed once due.
func (s JobState) Schedulable() bool {
	return s == JobStatePending || s == JobStateRetrying
}

type JobKind string

const (
	JobKindSummary          JobKind = "summary"
	JobKindClassification   JobKind = "classification"
	JobKindActionExtraction JobKind = "action_extraction"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindSummary, JobKindClassification, JobKindActionExtraction:
		return true
	}
	return false
}

const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// Job is one unit of AI work derived from a discovery. The API returns it on enqueue;
// clients poll GET /api/v1/jobs/{job_id} until state is terminal.
type Job struct {
	ID              uuid.UUID      `db:"id"                json:"id"`
	TenantID        uuid.UUID      `db:"tenant_id"         json:"tenant_id"`
	DiscoveryID     uuid.UUID      `db:"discovery_id"      json:"discovery_id"`
	Kind            JobKind        `db:"kind"              json:"kind"`
	State           JobState       `db:"state"             json:"state"`
	Priority        int            `db:"priority"          json:"priority"`
	AttemptCount    int            `db:"attempt_count"     json:"attempt_count"`
	MaxAttempts     int            `db:"max_attempts"      json:"max_attempts"`
	NextAttemptAt   time.Time      `db:"next_attempt_at"   json:"next_attempt_at"`
	ClaimedBy       *string        `db:"claimed_by"        json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time     `db:"claimed_at"        json:"claimed_at,omitempty"`
	ClaimToken      *uuid.UUID     `db:"claim_token"       json:"-"`
	LeaseExpiresAt  *time.Time     `db:"lease_expires_at"  json:"lease_expires_at,omitempty"`
	CancelRequested bool           `db:"cancel_requested"  json:"cancel_requested"`
	StartedAt       *time.Time     `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at"      json:"completed_at,omitempty"`
	DurationMS      *int64         `db:"duration_ms"       json:"duration_ms,omitempty"`
	LastError       *string        `db:"last_error"        json:"last_error,omitempty"`
	LastErrorDetail map[string]any `db:"last_error_detail" json:"last_error_detail,omitempty"`
	Usage           *Usage         `db:"usage"             json:"usage,omitempty"`
	CreditsRequired int64          `db:"credits_required"  json:"credits_required"`
	CreditsCharged  *int64         `db:"credits_charged"   json:"credits_charged,omitempty"`
	CreatedAt       time.Time      `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"        json:"updated_at"`
}

// AttemptsExhausted reports whether no further claim is allowed.
func (j *Job) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// Usage is the cost signal reported by the summarizer for one successful call.
type Usage struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
}

// JobStats aggregates job counts for one tenant.
type JobStats struct {
	TenantID          uuid.UUID        `json:"tenant_id"`
	ByState           map[JobState]int `json:"by_state"`
	Total             int              `json:"total"`
	SuccessRate       float64          `json:"success_rate"`
	AverageDurationMS float64          `json:"average_duration_ms"`
	CreditsCharged    int64            `json:"credits_charged"`
}
