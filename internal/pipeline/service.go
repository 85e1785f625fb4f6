// Package pipeline is the enqueue and status surface of the job pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/internal/cache"
	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/internal/filter"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var (
	ErrInvalidMessageID = errors.New("external message id must be non-empty and contain no whitespace")
	ErrInvalidInput     = errors.New("invalid discovery input")
)

const maxBodyLength = 1 << 20

// DiscoveryInput is what a discovery source reports for one message.
type DiscoveryInput struct {
	TenantID          uuid.UUID
	ExternalMessageID string
	Message           models.EmailMessage
	Priority          int
	// Kinds overrides the configured job kinds when non-empty.
	Kinds []models.JobKind
}

func (in DiscoveryInput) validate() error {
	if in.ExternalMessageID == "" || strings.IndexFunc(in.ExternalMessageID, unicode.IsSpace) >= 0 {
		return ErrInvalidMessageID
	}
	err := validation.ValidateStruct(&in,
		validation.Field(&in.TenantID, validation.By(requireID)),
		validation.Field(&in.ExternalMessageID, validation.Length(1, 512)),
		validation.Field(&in.Priority, validation.In(models.PriorityLow, models.PriorityNormal, models.PriorityHigh)),
		validation.Field(&in.Kinds, validation.Each(validation.By(validKind))),
	)
	if err == nil {
		err = validation.ValidateStruct(&in.Message,
			validation.Field(&in.Message.Sender, validation.Length(0, 320)),
			validation.Field(&in.Message.Subject, validation.Length(0, 998)),
			validation.Field(&in.Message.Body, validation.Length(0, maxBodyLength)),
		)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func requireID(value interface{}) error {
	if id, _ := value.(uuid.UUID); id == uuid.Nil {
		return errors.New("cannot be blank")
	}
	return nil
}

func validKind(value interface{}) error {
	k, _ := value.(models.JobKind)
	if !k.Valid() {
		return fmt.Errorf("unknown job kind %q", k)
	}
	return nil
}

// EnqueueResult reports what Enqueue recorded.
type EnqueueResult struct {
	Discovery *models.Discovery `json:"discovery"`
	Jobs      []*models.Job     `json:"jobs"`
	// Created is false when the message had been reported before.
	Created bool `json:"created"`
}

// JobView is a job with its result, when one exists.
type JobView struct {
	Job    *models.Job    `json:"job"`
	Result *models.Result `json:"result,omitempty"`
}

type Options struct {
	Cache       cache.Cache
	StatusTTL   time.Duration
	MaxAttempts int
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Service struct {
	store       store.Store
	billing     config.BillingConfig
	cache       cache.Cache
	statusTTL   time.Duration
	maxAttempts int
	clock       clock.Clock
	logger      *slog.Logger
}

func NewService(st store.Store, billing config.BillingConfig, opts Options) *Service {
	s := &Service{
		store:       st,
		billing:     billing,
		cache:       opts.Cache,
		statusTTL:   opts.StatusTTL,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if s.statusTTL <= 0 {
		s.statusTTL = 24 * time.Hour
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if len(s.billing.Kinds) == 0 {
		s.billing.Kinds = []models.JobKind{models.JobKindSummary}
	}
	return s
}

// Enqueue records a discovered message and, when the tenant's filters accept it,
// creates one job per kind. Reporting the same message again creates nothing and
// returns the jobs created the first time, whatever kinds the new report asks for.
func (s *Service) Enqueue(ctx context.Context, in DiscoveryInput) (*EnqueueResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tenant, err := s.store.GetTenant(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.Active() {
		return nil, store.ErrTenantInactive
	}

	now := s.clock.Now()
	verdict := filter.Evaluate(tenant.Filters, in.Message)
	status := models.DiscoveryStatusDiscovered
	if !verdict.ShouldProcess {
		status = models.DiscoveryStatusFilteredOut
	}

	disc, created, err := s.store.RecordDiscovery(ctx, &models.Discovery{
		ID:                uuid.New(),
		TenantID:          tenant.ID,
		ExternalMessageID: in.ExternalMessageID,
		Status:            status,
		FilterResult:      verdict,
		Message:           in.Message,
		DiscoveredAt:      now,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("record discovery: %w", err)
	}
	log := s.logger.With("tenant_id", tenant.ID, "discovery_id", disc.ID, "external_message_id", disc.ExternalMessageID)

	result := &EnqueueResult{Discovery: disc, Created: created, Jobs: []*models.Job{}}
	if disc.Status == models.DiscoveryStatusFilteredOut {
		log.Info("message filtered out", "reason", disc.FilterResult.Reason, "matched_rules", disc.FilterResult.MatchedRules)
		return result, nil
	}

	// A message that was already queued keeps the jobs it was queued with. One whose
	// first report stopped before queueing gets its jobs now.
	var kinds []models.JobKind
	if created || disc.Status != models.DiscoveryStatusQueued {
		kinds = in.Kinds
		if len(kinds) == 0 {
			kinds = s.billing.Kinds
		}
	}
	jobs := make([]*models.Job, 0, len(kinds))
	for _, kind := range kinds {
		jobs = append(jobs, &models.Job{
			ID:              uuid.New(),
			TenantID:        tenant.ID,
			DiscoveryID:     disc.ID,
			Kind:            kind,
			State:           models.JobStatePending,
			Priority:        in.Priority,
			MaxAttempts:     s.maxAttempts,
			NextAttemptAt:   now,
			CreditsRequired: s.billing.CreditCosts[kind],
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	queued, err := s.store.QueueDiscovery(ctx, disc.ID, jobs)
	if err != nil {
		return nil, fmt.Errorf("queue discovery: %w", err)
	}
	result.Jobs = queued
	disc.Status = models.DiscoveryStatusQueued
	for _, j := range queued {
		s.mirror(ctx, j)
	}
	if created {
		log.Info("discovery queued", "jobs", len(queued))
	} else {
		log.Info("discovery reported again", "discovery_count", disc.DiscoveryCount)
	}
	return result, nil
}

// JobStatus returns the job and, once completed, its result.
func (s *Service) JobStatus(ctx context.Context, tenantID, jobID uuid.UUID) (*JobView, error) {
	job, err := s.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	view := &JobView{Job: job}
	if job.State == models.JobStateCompleted {
		result, err := s.store.GetResultByJobID(ctx, jobID, tenantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("get result: %w", err)
		}
		view.Result = result
	}
	return view, nil
}

// JobState answers from the status cache when possible and falls back to the store.
func (s *Service) JobState(ctx context.Context, tenantID, jobID uuid.UUID) (models.JobState, error) {
	if s.cache != nil {
		state, found, err := s.cache.GetJobStatus(ctx, tenantID, jobID)
		if err != nil {
			s.logger.Warn("job status cache read failed", "job_id", jobID, "error", err)
		}
		if found {
			return models.JobState(state), nil
		}
	}
	job, err := s.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return "", fmt.Errorf("get job: %w", err)
	}
	s.mirror(ctx, job)
	return job.State, nil
}

func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	if f.State != "" && !validState(f.State) {
		return nil, 0, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, f.State)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, f.Kind)
	}
	jobs, total, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *Service) Stats(ctx context.Context, tenantID uuid.UUID) (*models.JobStats, error) {
	stats, err := s.store.JobStats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// CancelJob cancels a queued job immediately or flags a running one; the executor
// observes the flag. Terminal jobs return store.ErrInvalidTransition.
func (s *Service) CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.CancelJob(ctx, jobID, tenantID, s.clock.Now())
	if err != nil {
		return job, fmt.Errorf("cancel job: %w", err)
	}
	s.mirror(ctx, job)
	s.logger.Info("job cancellation requested", "tenant_id", tenantID, "job_id", jobID, "state", job.State)
	return job, nil
}

// DeleteTenant soft-deletes the tenant and cancels its outstanding work.
func (s *Service) DeleteTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	n, err := s.store.DeleteTenant(ctx, tenantID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delete tenant: %w", err)
	}
	s.logger.Info("tenant deleted", "tenant_id", tenantID, "jobs_cancelled", n)
	return n, nil
}

// MarkDelivered records the delivery collaborator's outcome for a completed job.
func (s *Service) MarkDelivered(ctx context.Context, tenantID, jobID uuid.UUID, status, deliveryErr string) (*models.Result, error) {
	var errPtr *string
	if deliveryErr != "" {
		errPtr = &deliveryErr
	}
	result, err := s.store.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		JobID:    jobID,
		TenantID: tenantID,
		Status:   status,
		Error:    errPtr,
		Now:      s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}
	return result, nil
}

func (s *Service) mirror(ctx context.Context, job *models.Job) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, job.TenantID, job.ID, string(job.State), s.statusTTL); err != nil {
		s.logger.Warn("failed to cache job status", "job_id", job.ID, "error", err)
	}
}

func validState(st models.JobState) bool {
	switch st {
	case models.JobStatePending, models.JobStateRunning, models.JobStateRetrying,
		models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled:
		return true
	}
	return false
}
