package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

var (
	// ErrInsufficientBalance is returned when a debit would drive a tenant's balance below zero.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrDuplicateCharge is returned when a job already has a usage entry.
	ErrDuplicateCharge = errors.New("job already charged")
	// ErrLeaseLost is returned when the caller no longer holds the job's claim.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobCancelled is returned by CompleteJob when cancellation won the race.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrInvalidTransition is returned when a transition is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrRefundExceedsCharge = errors.New("refund exceeds charged credits")
	ErrTenantInactive      = errors.New("tenant is deleted")

	errLedgerConflict = errors.New("ledger sequence conflict")
)

// Store is the data access interface. All database operations go through here.
//
// Every running → * transition is guarded by the claim token handed out at claim time;
// a caller holding a stale token gets ErrLeaseLost and must drop the job.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	UpdateTenantFilters(ctx context.Context, id uuid.UUID, rules models.FilterRules) error
	DeleteTenant(ctx context.Context, id uuid.UUID, now time.Time) (int, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// RecordDiscovery inserts the discovery or, when the (tenant, external id) pair is
	// already known, bumps its discovery count. The bool reports whether a row was created.
	RecordDiscovery(ctx context.Context, d *models.Discovery) (*models.Discovery, bool, error)
	GetDiscovery(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Discovery, error)
	// QueueDiscovery creates the given jobs and flips the discovery to queued in one
	// transaction. Jobs that already exist for (discovery, kind) are returned unchanged.
	QueueDiscovery(ctx context.Context, discoveryID uuid.UUID, jobs []*models.Job) ([]*models.Job, error)

	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	JobStats(ctx context.Context, tenantID uuid.UUID) (*models.JobStats, error)

	ClaimDueJobs(ctx context.Context, p ClaimParams) ([]*models.Job, error)
	// ClaimJob claims one specific job. A lost race returns (nil, false, nil).
	ClaimJob(ctx context.Context, id uuid.UUID, p ClaimParams) (*models.Job, bool, error)
	ReclaimExpired(ctx context.Context, p ReclaimParams) ([]*models.Job, error)
	// CompleteJob charges the tenant, stores the result and marks the job completed
	// atomically. If cancellation was requested the job is cancelled instead and
	// ErrJobCancelled is returned alongside the updated job.
	CompleteJob(ctx context.Context, p CompleteParams) (*models.Job, *models.Result, error)
	// RetryJob schedules another attempt, or fails the job when attempts are exhausted.
	RetryJob(ctx context.Context, p TransitionParams) (*models.Job, error)
	FailJob(ctx context.Context, p TransitionParams) (*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, now time.Time) (*models.Job, error)

	GetResultByJobID(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) (*models.Result, error)
	UpdateResultDelivery(ctx context.Context, u DeliveryUpdate) (*models.Result, error)

	// AppendTransaction assigns the next sequence and balance snapshot to entry and stores it.
	AppendTransaction(ctx context.Context, entry *models.CreditTransaction) (*models.CreditTransaction, error)
	// JobCharge returns the usage entry CompleteJob wrote for a job. It never writes.
	// Jobs that have not completed return ErrInvalidTransition; completed jobs that cost
	// nothing return ErrNotFound.
	JobCharge(ctx context.Context, jobID, tenantID uuid.UUID) (*models.CreditTransaction, error)
	RefundJob(ctx context.Context, p RefundParams) (*models.CreditTransaction, error)
	LatestTransaction(ctx context.Context, tenantID uuid.UUID) (*models.CreditTransaction, error)
	FindPurchase(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.CreditTransaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.CreditTransaction, int, error)
	LedgerTotals(ctx context.Context, tenantID uuid.UUID) (*models.LedgerTotals, error)
}

type JobFilter struct {
	TenantID uuid.UUID
	State    models.JobState
	Kind     models.JobKind
	Page     int
	Limit    int
}

type TransactionFilter struct {
	TenantID uuid.UUID
	Type     models.TransactionType
	Page     int
	Limit    int
}

type ClaimParams struct {
	WorkerID string
	Now      time.Time
	Lease    time.Duration
	Limit    int
}

type ReclaimParams struct {
	Now   time.Time
	Limit int
	// Delay returns the backoff before the next attempt given the attempts made so far.
	Delay func(attempt int) time.Duration
}

type TransitionParams struct {
	JobID         uuid.UUID
	ClaimToken    uuid.UUID
	Now           time.Time
	NextAttemptAt time.Time
	Error         string
	Detail        map[string]any
}

type CompleteParams struct {
	JobID       uuid.UUID
	ClaimToken  uuid.UUID
	Now         time.Time
	Credits     int64
	Usage       models.Usage
	Payload     models.ResultPayload
	Description string
}

type RefundParams struct {
	TenantID uuid.UUID
	JobID    uuid.UUID
	Amount   int64
	Reason   string
	Now      time.Time
}

type DeliveryUpdate struct {
	JobID    uuid.UUID
	TenantID uuid.UUID
	Status   string
	Error    *string
	Now      time.Time
}

const (
	defaultPageLimit        = 20
	maxJobPageLimit         = 100
	defaultTransactionLimit = 50
	maxTransactionLimit     = 1000
)

// normalizePage clamps pagination input and returns (page, limit, offset).
func normalizePage(page, limit, def, max int) (int, int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if page <= 0 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}

func durationMS(start *time.Time, now time.Time) *int64 {
	if start == nil {
		return nil
	}
	ms := now.Sub(*start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}
