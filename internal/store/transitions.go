package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

const (
	cancelledByRequest = "cancelled by request"
	leaseExpiredError  = "lease expired"
)

// transition is the computed outcome for a running job. Both store implementations
// apply the same decisions.
type transition struct {
	State         models.JobState
	NextAttemptAt time.Time
	CompletedAt   *time.Time
	DurationMS    *int64
	Error         *string
	Detail        map[string]any
	Now           time.Time
}

func holdsClaim(j *models.Job, token uuid.UUID) bool {
	return j.State == models.JobStateRunning && j.ClaimToken != nil && *j.ClaimToken == token
}

// retryTransition schedules another attempt. A pending cancellation wins over the retry,
// and exhausted attempts force the job to failed.
func retryTransition(j *models.Job, p TransitionParams) transition {
	t := transition{
		Now:           p.Now,
		NextAttemptAt: j.NextAttemptAt,
		DurationMS:    durationMS(j.StartedAt, p.Now),
		Error:         optionalString(p.Error),
		Detail:        p.Detail,
	}
	switch {
	case j.CancelRequested:
		t.State = models.JobStateCancelled
	case j.AttemptsExhausted():
		t.State = models.JobStateFailed
		t.Detail = withDetail(p.Detail, "attempts_exhausted", true)
	default:
		t.State = models.JobStateRetrying
		t.NextAttemptAt = p.NextAttemptAt
	}
	if t.State.Terminal() {
		now := p.Now
		t.CompletedAt = &now
	}
	return t
}

func failTransition(j *models.Job, p TransitionParams) transition {
	now := p.Now
	return transition{
		State:         models.JobStateFailed,
		Now:           p.Now,
		NextAttemptAt: j.NextAttemptAt,
		CompletedAt:   &now,
		DurationMS:    durationMS(j.StartedAt, p.Now),
		Error:         optionalString(p.Error),
		Detail:        p.Detail,
	}
}

// leaseExpiry treats an expired lease exactly like a retryable failure.
func leaseExpiry(j *models.Job, p ReclaimParams) transition {
	detail := map[string]any{"reason": "lease_expired"}
	if j.ClaimedBy != nil {
		detail["claimed_by"] = *j.ClaimedBy
	}
	if j.LeaseExpiresAt != nil {
		detail["lease_expires_at"] = j.LeaseExpiresAt.UTC()
	}
	return retryTransition(j, TransitionParams{
		JobID:         j.ID,
		Now:           p.Now,
		NextAttemptAt: p.Now.Add(p.Delay(j.AttemptCount)),
		Error:         leaseExpiredError,
		Detail:        detail,
	})
}

func withDetail(detail map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		out[k] = v
	}
	out[key] = value
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
