// Package executor runs one claimed job: it calls the summarizer under a timeout,
// classifies the outcome and commits the matching state transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kiranshivaraju/mailpilot/internal/ai"
	"github.com/kiranshivaraju/mailpilot/internal/cache"
	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/observability"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Outcome is what happened to a job during one execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeLost means another worker owns the job now; nothing was written.
	OutcomeLost Outcome = "lost"
	// OutcomeStalled means storage kept failing; the job stays running until its lease expires.
	OutcomeStalled Outcome = "stalled"
)

const (
	errTenantDeleted     = "tenant deleted"
	errDiscoveryNotFound = "discovery not found"
)

// Options configures an Executor. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds one summarizer call. It must be shorter than the claim lease.
	Timeout   time.Duration
	Retry     RetryPolicy
	Clock     clock.Clock
	Cache     cache.Cache
	StatusTTL time.Duration
	Logger    *slog.Logger
	// CommitBackOff builds the retry schedule for transient storage errors.
	CommitBackOff func() backoff.BackOff
}

type Executor struct {
	store      store.Store
	summarizer models.Summarizer
	cache      cache.Cache
	clock      clock.Clock
	retry      RetryPolicy
	timeout    time.Duration
	statusTTL  time.Duration
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

func New(st store.Store, summarizer models.Summarizer, opts Options) *Executor {
	e := &Executor{
		store:      st,
		summarizer: summarizer,
		cache:      opts.Cache,
		clock:      opts.Clock,
		retry:      opts.Retry,
		timeout:    opts.Timeout,
		statusTTL:  opts.StatusTTL,
		newBackOff: opts.CommitBackOff,
		logger:     opts.Logger,
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.retry.Base <= 0 || e.retry.Max <= 0 {
		e.retry = DefaultRetryPolicy
	}
	if e.timeout <= 0 {
		e.timeout = 60 * time.Second
	}
	if e.statusTTL <= 0 {
		e.statusTTL = 24 * time.Hour
	}
	if e.newBackOff == nil {
		e.newBackOff = defaultCommitBackOff
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func defaultCommitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// Execute runs a job previously claimed by this worker. It never returns an error:
// every failure is recorded on the job or, when storage is unavailable, left for
// lease reclaim.
func (e *Executor) Execute(ctx context.Context, job *models.Job) Outcome {
	ctx, span := observability.StartSpan(ctx, "executor.execute",
		attribute.String("job_id", job.ID.String()),
		attribute.String("tenant_id", job.TenantID.String()),
		attribute.String("kind", string(job.Kind)),
		attribute.Int("attempt", job.AttemptCount),
	)
	defer span.End()

	log := e.logger.With("job_id", job.ID, "tenant_id", job.TenantID, "attempt", job.AttemptCount)
	outcome := e.execute(ctx, log, job)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome
}

func (e *Executor) execute(ctx context.Context, log *slog.Logger, job *models.Job) Outcome {
	if job.ClaimToken == nil {
		log.Warn("job handed to executor without a claim")
		return OutcomeLost
	}
	token := *job.ClaimToken

	// Re-read so a cancellation requested after the claim is observed before the call.
	current, err := e.store.GetJob(ctx, job.ID, job.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeLost
		}
		log.Error("failed to load job", "error", err)
		return OutcomeStalled
	}
	if current.State != models.JobStateRunning || current.ClaimToken == nil || *current.ClaimToken != token {
		log.Info("claim superseded before execution", "state", current.State)
		return OutcomeLost
	}
	e.mirror(ctx, log, current)

	if current.CancelRequested {
		return e.retryJob(ctx, log, current, token, "cancellation requested before execution", nil)
	}

	tenant, err := e.store.GetTenant(ctx, current.TenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.failJob(ctx, log, current, token, errTenantDeleted, map[string]any{"reason": "tenant_missing"})
	case err != nil:
		log.Error("failed to load tenant", "error", err)
		return OutcomeStalled
	case !tenant.Active():
		return e.failJob(ctx, log, current, token, errTenantDeleted, map[string]any{"reason": "tenant_deleted"})
	}

	disc, err := e.store.GetDiscovery(ctx, current.DiscoveryID, current.TenantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.failJob(ctx, log, current, token, errDiscoveryNotFound, map[string]any{
			"reason":       "discovery_missing",
			"discovery_id": current.DiscoveryID.String(),
		})
	case err != nil:
		log.Error("failed to load discovery", "error", err)
		return OutcomeStalled
	}

	resp, err := e.summarize(ctx, current, disc)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the lease brings the job back.
			log.Warn("execution interrupted", "error", err)
			return OutcomeStalled
		}
		detail := map[string]any{
			"provider":  e.summarizer.Name(),
			"retryable": ai.IsRetryable(err),
		}
		if ai.IsRetryable(err) {
			log.Warn("summarizer failed, scheduling retry", "error", err)
			return e.retryJob(ctx, log, current, token, err.Error(), detail)
		}
		log.Error("summarizer failed permanently", "error", err)
		return e.failJob(ctx, log, current, token, err.Error(), detail)
	}

	return e.complete(ctx, log, current, token, resp)
}

func (e *Executor) summarize(ctx context.Context, job *models.Job, disc *models.Discovery) (models.SummarizeResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	callCtx, span := observability.StartSpan(callCtx, "executor.summarize",
		attribute.String("provider", e.summarizer.Name()))
	defer span.End()

	resp, err := e.summarizer.Summarize(callCtx, models.SummarizeRequest{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Kind:     job.Kind,
		Message:  disc.Message,
	})
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		!errors.Is(err, ai.ErrInferenceTimeout) {
		err = fmt.Errorf("%w after %s: %v", ai.ErrInferenceTimeout, e.timeout, err)
	}
	observability.RecordError(span, err)
	return resp, err
}

func (e *Executor) complete(ctx context.Context, log *slog.Logger, job *models.Job, token uuid.UUID, resp models.SummarizeResponse) Outcome {
	ctx, span := observability.StartSpan(ctx, "executor.commit",
		attribute.Int64("credits", job.CreditsRequired))
	defer span.End()

	var (
		updated *models.Job
		result  *models.Result
	)
	err := e.withRetry(ctx, func() error {
		var err error
		updated, result, err = e.store.CompleteJob(ctx, store.CompleteParams{
			JobID:      job.ID,
			ClaimToken: token,
			Now:        e.clock.Now(),
			Credits:    job.CreditsRequired,
			Usage:      resp.Usage,
			Payload:    resp.Payload,
		})
		return err
	}, store.ErrLeaseLost, store.ErrJobCancelled, store.ErrInsufficientBalance, store.ErrDuplicateCharge, store.ErrNotFound)
	observability.RecordError(span, err)

	switch {
	case err == nil:
		log.Info("job completed", "result_id", result.ID, "credits", job.CreditsRequired)
		e.mirror(ctx, log, updated)
		return OutcomeCompleted
	case errors.Is(err, store.ErrJobCancelled):
		log.Info("job cancelled at commit")
		if updated != nil {
			e.mirror(ctx, log, updated)
		}
		return OutcomeCancelled
	case errors.Is(err, store.ErrLeaseLost), errors.Is(err, store.ErrNotFound):
		log.Info("lease lost before commit")
		return OutcomeLost
	case errors.Is(err, store.ErrInsufficientBalance):
		return e.failJob(ctx, log, job, token, err.Error(), map[string]any{
			"reason":           "insufficient_balance",
			"credits_required": job.CreditsRequired,
		})
	case errors.Is(err, store.ErrDuplicateCharge):
		return e.failJob(ctx, log, job, token, err.Error(), map[string]any{"reason": "duplicate_charge"})
	default:
		log.Error("commit failed, leaving job for lease reclaim", "error", err)
		return OutcomeStalled
	}
}

func (e *Executor) retryJob(ctx context.Context, log *slog.Logger, job *models.Job, token uuid.UUID, msg string, detail map[string]any) Outcome {
	now := e.clock.Now()
	return e.transition(ctx, log, func() (*models.Job, error) {
		return e.store.RetryJob(ctx, store.TransitionParams{
			JobID:         job.ID,
			ClaimToken:    token,
			Now:           now,
			NextAttemptAt: now.Add(e.retry.Delay(job.AttemptCount)),
			Error:         msg,
			Detail:        detail,
		})
	})
}

func (e *Executor) failJob(ctx context.Context, log *slog.Logger, job *models.Job, token uuid.UUID, msg string, detail map[string]any) Outcome {
	return e.transition(ctx, log, func() (*models.Job, error) {
		return e.store.FailJob(ctx, store.TransitionParams{
			JobID:      job.ID,
			ClaimToken: token,
			Now:        e.clock.Now(),
			Error:      msg,
			Detail:     detail,
		})
	})
}

func (e *Executor) transition(ctx context.Context, log *slog.Logger, apply func() (*models.Job, error)) Outcome {
	var updated *models.Job
	err := e.withRetry(ctx, func() error {
		var err error
		updated, err = apply()
		return err
	}, store.ErrLeaseLost, store.ErrNotFound)

	switch {
	case errors.Is(err, store.ErrLeaseLost), errors.Is(err, store.ErrNotFound):
		log.Info("lease lost before transition")
		return OutcomeLost
	case err != nil:
		log.Error("transition failed, leaving job for lease reclaim", "error", err)
		return OutcomeStalled
	}

	log.Info("job transitioned", "state", updated.State, "next_attempt_at", updated.NextAttemptAt)
	e.mirror(ctx, log, updated)
	return outcomeFor(updated.State)
}

// withRetry retries op on storage errors. Errors matching any of permanent are
// returned immediately.
func (e *Executor) withRetry(ctx context.Context, op func() error, permanent ...error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		for _, p := range permanent {
			if errors.Is(err, p) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(e.newBackOff(), ctx))
}

// mirror writes the job state to the status cache. Cache failures are only logged.
func (e *Executor) mirror(ctx context.Context, log *slog.Logger, job *models.Job) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetJobStatus(ctx, job.TenantID, job.ID, string(job.State), e.statusTTL); err != nil {
		log.Warn("failed to cache job status", "error", err)
	}
}

func outcomeFor(state models.JobState) Outcome {
	switch state {
	case models.JobStateCompleted:
		return OutcomeCompleted
	case models.JobStateRetrying:
		return OutcomeRetrying
	case models.JobStateFailed:
		return OutcomeFailed
	case models.JobStateCancelled:
		return OutcomeCancelled
	}
	return OutcomeStalled
}
