package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// runStoreContract exercises behaviour both Store implementations must share.
// newStore must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"TenantLifecycle", testTenantLifecycle},
		{"APIKeys", testAPIKeys},
		{"DiscoveryDedupe", testDiscoveryDedupe},
		{"QueueDiscoveryIdempotent", testQueueDiscoveryIdempotent},
		{"QueueFilteredDiscovery", testQueueFilteredDiscovery},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ClaimOrderAndDueTime", testClaimOrderAndDueTime},
		{"ClaimJobLostRace", testClaimJobLostRace},
		{"CompleteChargesOnce", testCompleteChargesOnce},
		{"CompleteZeroCredits", testCompleteZeroCredits},
		{"CompleteInsufficientBalance", testCompleteInsufficientBalance},
		{"RetryThenExhaust", testRetryThenExhaust},
		{"ReclaimExpiredLease", testReclaimExpiredLease},
		{"CancelPendingAndRunning", testCancelPendingAndRunning},
		{"CancelTerminal", testCancelTerminal},
		{"JobChargeReplaysCompletion", testJobChargeReplaysCompletion},
		{"ChargeBeforeCompletionLeavesNoDebit", testChargeBeforeCompletionLeavesNoDebit},
		{"JobChargeZeroCredits", testJobChargeZeroCredits},
		{"LedgerSequenceUnderConcurrency", testLedgerSequenceUnderConcurrency},
		{"LedgerRejectsOverdraft", testLedgerRejectsOverdraft},
		{"PurchaseExternalRefUnique", testPurchaseExternalRefUnique},
		{"RefundBoundedByCharge", testRefundBoundedByCharge},
		{"ListTransactions", testListTransactions},
		{"LedgerTotals", testLedgerTotals},
		{"ResultDelivery", testResultDelivery},
		{"ListJobsAndStats", testListJobsAndStats},
		{"DeleteTenantCancelsWork", testDeleteTenantCancelsWork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testNow() time.Time {
	return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
}

func seedTenant(t *testing.T, s store.Store) *models.Tenant {
	t.Helper()
	now := testNow()
	tenant := &models.Tenant{ID: uuid.New(), Name: "tenant-" + uuid.NewString()[:8], CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

type jobOpts struct {
	kind        models.JobKind
	priority    int
	credits     int64
	maxAttempts int
	dueAt       time.Time
	createdAt   time.Time
}

func seedJob(t *testing.T, s store.Store, tenantID uuid.UUID, o jobOpts) *models.Job {
	t.Helper()
	ctx := context.Background()
	now := testNow()
	if o.kind == "" {
		o.kind = models.JobKindSummary
	}
	if o.maxAttempts == 0 {
		o.maxAttempts = 3
	}
	if o.dueAt.IsZero() {
		o.dueAt = now
	}
	if o.createdAt.IsZero() {
		o.createdAt = now
	}

	d, _, err := s.RecordDiscovery(ctx, &models.Discovery{
		ID:                uuid.New(),
		TenantID:          tenantID,
		ExternalMessageID: "msg-" + uuid.NewString(),
		Status:            models.DiscoveryStatusDiscovered,
		FilterResult:      models.FilterResult{ShouldProcess: true},
		Message:           models.EmailMessage{Sender: "a@example.com", Subject: "hello", Body: "body"},
		DiscoveredAt:      now,
		CreatedAt:         now,
	})
	require.NoError(t, err)

	jobs, err := s.QueueDiscovery(ctx, d.ID, []*models.Job{{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Kind:            o.kind,
		Priority:        o.priority,
		MaxAttempts:     o.maxAttempts,
		NextAttemptAt:   o.dueAt,
		CreditsRequired: o.credits,
		CreatedAt:       o.createdAt,
	}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func grant(t *testing.T, s store.Store, tenantID uuid.UUID, amount int64) *models.CreditTransaction {
	t.Helper()
	tx, err := s.AppendTransaction(context.Background(), &models.CreditTransaction{
		TenantID:    tenantID,
		Type:        models.TransactionBonus,
		Amount:      amount,
		Description: "test grant",
		CreatedAt:   testNow(),
	})
	require.NoError(t, err)
	return tx
}

func claimOne(t *testing.T, s store.Store, jobID uuid.UUID, now time.Time) *models.Job {
	t.Helper()
	j, ok, err := s.ClaimJob(context.Background(), jobID, store.ClaimParams{WorkerID: "w1", Now: now, Lease: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, j.ClaimToken)
	return j
}

func complete(s store.Store, j *models.Job, credits int64, now time.Time) (*models.Job, *models.Result, error) {
	return s.CompleteJob(context.Background(), store.CompleteParams{
		JobID:      j.ID,
		ClaimToken: *j.ClaimToken,
		Now:        now,
		Credits:    credits,
		Usage: models.Usage{Provider: "mock", Model: "mock-1", InputTokens: 10, OutputTokens: 5,
			CostUSD: decimal.RequireFromString("0.0012")},
		Payload: models.ResultPayload{Summary: "short summary"},
	})
}

func balance(t *testing.T, s store.Store, tenantID uuid.UUID) int64 {
	t.Helper()
	totals, err := s.LedgerTotals(context.Background(), tenantID)
	require.NoError(t, err)
	return totals.Balance
}

// --- Tenants and keys ---

func testTenantLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Name, got.Name)
	assert.True(t, got.Active())

	rules := models.FilterRules{ExcludeDomains: []string{"spam.example"}, MinBodyLength: 20}
	require.NoError(t, s.UpdateTenantFilters(ctx, tenant.ID, rules))
	got, err = s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, rules, got.Filters)

	assert.ErrorIs(t, s.CreateTenant(ctx, tenant), store.ErrDuplicateKey)

	_, err = s.GetTenant(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAPIKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	now := testNow()

	key := &models.APIKey{
		ID: uuid.New(), TenantID: tenant.ID, Name: "ingest", KeyHash: "hash", KeyPrefix: "mp_abcd",
		Scopes: []string{models.ScopeWrite}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, "mp_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.ListAPIKeys(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, tenant.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "mp_abcd")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, tenant.ID), store.ErrNotFound)
}

// --- Discoveries ---

func testDiscoveryDedupe(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	now := testNow()

	record := func() (*models.Discovery, bool) {
		d, created, err := s.RecordDiscovery(ctx, &models.Discovery{
			ID: uuid.New(), TenantID: tenant.ID, ExternalMessageID: "msg-1",
			Status: models.DiscoveryStatusDiscovered, DiscoveredAt: now, CreatedAt: now,
		})
		require.NoError(t, err)
		return d, created
	}

	first, created := record()
	assert.True(t, created)
	assert.Equal(t, 1, first.DiscoveryCount)

	second, created := record()
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.DiscoveryCount)

	other := seedTenant(t, s)
	d, created, err := s.RecordDiscovery(ctx, &models.Discovery{
		ID: uuid.New(), TenantID: other.ID, ExternalMessageID: "msg-1",
		Status: models.DiscoveryStatusDiscovered, DiscoveredAt: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, d.ID)
}

func testQueueDiscoveryIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 1})
	assert.Equal(t, models.JobStatePending, job.State)
	assert.Equal(t, 0, job.AttemptCount)

	again, err := s.QueueDiscovery(ctx, job.DiscoveryID, []*models.Job{{
		ID: uuid.New(), TenantID: tenant.ID, Kind: models.JobKindSummary, MaxAttempts: 3,
		NextAttemptAt: testNow(), CreditsRequired: 1, CreatedAt: testNow(),
	}})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, job.ID, again[0].ID)

	d, err := s.GetDiscovery(ctx, job.DiscoveryID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DiscoveryStatusQueued, d.Status)
}

func testQueueFilteredDiscovery(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	now := testNow()
	d, _, err := s.RecordDiscovery(ctx, &models.Discovery{
		ID: uuid.New(), TenantID: tenant.ID, ExternalMessageID: "filtered",
		Status:       models.DiscoveryStatusFilteredOut,
		FilterResult: models.FilterResult{ShouldProcess: false, Reason: "sender excluded"},
		DiscoveredAt: now, CreatedAt: now,
	})
	require.NoError(t, err)

	_, err = s.QueueDiscovery(ctx, d.ID, []*models.Job{{
		ID: uuid.New(), TenantID: tenant.ID, Kind: models.JobKindSummary, MaxAttempts: 3,
		NextAttemptAt: now, CreatedAt: now,
	}})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

// --- Claiming ---

func testClaimIsExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	const jobCount = 30
	for i := 0; i < jobCount; i++ {
		seedJob(t, s, tenant.ID, jobOpts{})
	}

	var (
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				jobs, err := s.ClaimDueJobs(ctx, store.ClaimParams{
					WorkerID: "worker-" + string(rune('a'+worker)), Now: testNow(), Lease: time.Minute, Limit: 4,
				})
				if err != nil || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					claimed[j.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testClaimOrderAndDueTime(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	now := testNow()

	low := seedJob(t, s, tenant.ID, jobOpts{priority: models.PriorityLow, createdAt: now.Add(-time.Hour)})
	high := seedJob(t, s, tenant.ID, jobOpts{priority: models.PriorityHigh})
	future := seedJob(t, s, tenant.ID, jobOpts{priority: models.PriorityHigh, dueAt: now.Add(time.Hour)})

	jobs, err := s.ClaimDueJobs(ctx, store.ClaimParams{WorkerID: "w1", Now: now, Lease: time.Minute, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high.ID, jobs[0].ID)
	assert.Equal(t, low.ID, jobs[1].ID)

	for _, j := range jobs {
		assert.Equal(t, models.JobStateRunning, j.State)
		assert.Equal(t, 1, j.AttemptCount)
		require.NotNil(t, j.ClaimedBy)
		assert.Equal(t, "w1", *j.ClaimedBy)
		require.NotNil(t, j.LeaseExpiresAt)
		assert.True(t, j.LeaseExpiresAt.Equal(now.Add(time.Minute)))
	}

	got, err := s.GetJob(ctx, future.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, got.State)
}

func testClaimJobLostRace(t *testing.T, s store.Store) {
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{})
	claimOne(t, s, job.ID, testNow())

	j, ok, err := s.ClaimJob(context.Background(), job.ID, store.ClaimParams{WorkerID: "w2", Now: testNow(), Lease: time.Minute})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, j)
}

// --- Completion and billing ---

func testCompleteChargesOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 10)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 2})
	running := claimOne(t, s, job.ID, testNow())

	done, result, err := complete(s, running, 2, testNow().Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, done.State)
	require.NotNil(t, done.CreditsCharged)
	assert.Equal(t, int64(2), *done.CreditsCharged)
	require.NotNil(t, done.DurationMS)
	assert.Equal(t, int64(3000), *done.DurationMS)
	assert.Nil(t, done.ClaimToken)
	require.NotNil(t, result)
	assert.Equal(t, "short summary", result.Payload.Summary)
	assert.Equal(t, models.DeliveryPending, result.DeliveryStatus)

	// A replay with the same token is rejected and charges nothing.
	_, _, err = complete(s, running, 2, testNow().Add(4*time.Second))
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	assert.Equal(t, int64(8), balance(t, s, tenant.ID))

	usage, _, err := s.ListTransactions(ctx, store.TransactionFilter{TenantID: tenant.ID, Type: models.TransactionUsage})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(-2), usage[0].Amount)
	require.NotNil(t, usage[0].ReferenceID)
	assert.Equal(t, job.ID, *usage[0].ReferenceID)

	stored, err := s.GetResultByJobID(ctx, job.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, stored.ID)
}

func testCompleteZeroCredits(t *testing.T, s store.Store) {
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{})
	running := claimOne(t, s, job.ID, testNow())

	done, _, err := complete(s, running, 0, testNow())
	require.NoError(t, err)
	require.NotNil(t, done.CreditsCharged)
	assert.Equal(t, int64(0), *done.CreditsCharged)

	totals, err := s.LedgerTotals(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals.Count)
}

func testCompleteInsufficientBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 1)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 2})
	running := claimOne(t, s, job.ID, testNow())

	_, _, err := complete(s, running, 2, testNow())
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)

	got, err := s.GetJob(ctx, job.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, got.State)
	assert.Nil(t, got.CreditsCharged)
	_, err = s.GetResultByJobID(ctx, job.ID, tenant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int64(1), balance(t, s, tenant.ID))

	failed, err := s.FailJob(ctx, store.TransitionParams{
		JobID: job.ID, ClaimToken: *running.ClaimToken, Now: testNow(),
		Error: "insufficient balance", Detail: map[string]any{"required": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, failed.State)
	assert.NotNil(t, failed.CompletedAt)
}

func testRetryThenExhaust(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{maxAttempts: 2})
	now := testNow()

	running := claimOne(t, s, job.ID, now)
	next := now.Add(30 * time.Second)
	retried, err := s.RetryJob(ctx, store.TransitionParams{
		JobID: job.ID, ClaimToken: *running.ClaimToken, Now: now, NextAttemptAt: next, Error: "provider unavailable",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRetrying, retried.State)
	assert.True(t, retried.NextAttemptAt.Equal(next))
	require.NotNil(t, retried.LastError)
	assert.Equal(t, "provider unavailable", *retried.LastError)
	assert.Nil(t, retried.ClaimToken)

	// Not yet due.
	_, ok, err := s.ClaimJob(ctx, job.ID, store.ClaimParams{WorkerID: "w1", Now: now, Lease: time.Minute})
	require.NoError(t, err)
	assert.False(t, ok)

	running = claimOne(t, s, job.ID, next)
	assert.Equal(t, 2, running.AttemptCount)

	final, err := s.RetryJob(ctx, store.TransitionParams{
		JobID: job.ID, ClaimToken: *running.ClaimToken, Now: next, NextAttemptAt: next.Add(time.Minute), Error: "timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, final.State)
	assert.Equal(t, true, final.LastErrorDetail["attempts_exhausted"])
	assert.True(t, final.AttemptsExhausted())
}

func testReclaimExpiredLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 5)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 1})
	now := testNow()
	stale := claimOne(t, s, job.ID, now)

	later := now.Add(2 * time.Minute)
	reclaimed, err := s.ReclaimExpired(ctx, store.ReclaimParams{
		Now: later, Limit: 10, Delay: func(int) time.Duration { return 30 * time.Second },
	})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, models.JobStateRetrying, reclaimed[0].State)
	assert.True(t, reclaimed[0].NextAttemptAt.Equal(later.Add(30*time.Second)))
	assert.Equal(t, "lease_expired", reclaimed[0].LastErrorDetail["reason"])

	// The original holder can no longer complete.
	_, _, err = complete(s, stale, 1, later)
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	assert.Equal(t, int64(5), balance(t, s, tenant.ID))

	fresh := claimOne(t, s, job.ID, later.Add(time.Minute))
	assert.Equal(t, 2, fresh.AttemptCount)
	_, _, err = complete(s, fresh, 1, later.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance(t, s, tenant.ID))
}

func testCancelPendingAndRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 5)
	pending := seedJob(t, s, tenant.ID, jobOpts{credits: 1})
	runningJob := seedJob(t, s, tenant.ID, jobOpts{credits: 1, kind: models.JobKindClassification})
	running := claimOne(t, s, runningJob.ID, testNow())

	cancelled, err := s.CancelJob(ctx, pending.ID, tenant.ID, testNow())
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, cancelled.State)

	requested, err := s.CancelJob(ctx, runningJob.ID, tenant.ID, testNow())
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, requested.State)
	assert.True(t, requested.CancelRequested)

	final, result, err := complete(s, running, 1, testNow())
	assert.ErrorIs(t, err, store.ErrJobCancelled)
	assert.Nil(t, result)
	require.NotNil(t, final)
	assert.Equal(t, models.JobStateCancelled, final.State)
	assert.Nil(t, final.CreditsCharged)
	assert.Equal(t, int64(5), balance(t, s, tenant.ID))
}

func testCancelTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{})
	running := claimOne(t, s, job.ID, testNow())
	_, _, err := complete(s, running, 0, testNow())
	require.NoError(t, err)

	got, err := s.CancelJob(ctx, job.ID, tenant.ID, testNow())
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStateCompleted, got.State)

	_, err = s.CancelJob(ctx, job.ID, uuid.New(), testNow())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Ledger ---

func testJobChargeReplaysCompletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 10)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 3})

	_, err := s.JobCharge(ctx, job.ID, tenant.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	running := claimOne(t, s, job.ID, testNow())
	_, err = s.JobCharge(ctx, job.ID, tenant.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	done, _, err := complete(s, running, 3, testNow())
	require.NoError(t, err)

	first, err := s.JobCharge(ctx, job.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), first.Amount)
	assert.Equal(t, int64(7), first.BalanceAfter)
	second, err := s.JobCharge(ctx, job.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(7), balance(t, s, tenant.ID))
	require.NotNil(t, done.CreditsCharged)
	assert.Equal(t, int64(3), *done.CreditsCharged)

	_, err = s.JobCharge(ctx, job.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.JobCharge(ctx, uuid.New(), tenant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testChargeBeforeCompletionLeavesNoDebit(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 10)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 5})

	_, err := s.JobCharge(ctx, job.ID, tenant.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	for _, typ := range []models.TransactionType{models.TransactionUsage, models.TransactionRefund} {
		ref := job.ID
		amount := int64(5)
		if typ == models.TransactionUsage {
			amount = -5
		}
		_, err = s.AppendTransaction(ctx, &models.CreditTransaction{
			TenantID: tenant.ID, Type: typ, Amount: amount, ReferenceID: &ref, CreatedAt: testNow(),
		})
		assert.ErrorIs(t, err, store.ErrInvalidTransition, typ)
	}
	assert.Equal(t, int64(10), balance(t, s, tenant.ID))

	done, _, err := complete(s, claimOne(t, s, job.ID, testNow()), 5, testNow())
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, done.State)
	assert.Equal(t, int64(5), balance(t, s, tenant.ID))

	usage, total, err := s.ListTransactions(ctx, store.TransactionFilter{TenantID: tenant.ID, Type: models.TransactionUsage})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, usage, 1)
	assert.Equal(t, job.ID, *usage[0].ReferenceID)
}

func testJobChargeZeroCredits(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{})

	_, _, err := complete(s, claimOne(t, s, job.ID, testNow()), 0, testNow())
	require.NoError(t, err)

	_, err = s.JobCharge(ctx, job.ID, tenant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLedgerSequenceUnderConcurrency(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	const appends = 25

	var wg sync.WaitGroup
	errs := make(chan error, appends)
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTransaction(ctx, &models.CreditTransaction{
				TenantID: tenant.ID, Type: models.TransactionBonus, Amount: 2, CreatedAt: testNow(),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, total, err := s.ListTransactions(ctx, store.TransactionFilter{TenantID: tenant.ID, Limit: 1000})
	require.NoError(t, err)
	require.Equal(t, appends, total)
	// Newest first: sequence n has balance 2n.
	for i, e := range entries {
		seq := int64(appends - i)
		assert.Equal(t, seq, e.Sequence)
		assert.Equal(t, 2*seq, e.BalanceAfter)
	}
}

func testLedgerRejectsOverdraft(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 3)

	_, err := s.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID: tenant.ID, Type: models.TransactionAdjustment, Amount: -4, CreatedAt: testNow(),
	})
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)

	_, err = s.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID: tenant.ID, Type: models.TransactionBonus, Amount: -1, CreatedAt: testNow(),
	})
	assert.ErrorIs(t, err, store.ErrInvalidAmount)

	assert.Equal(t, int64(3), balance(t, s, tenant.ID))
}

func testPurchaseExternalRefUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	ref := "pay_123"
	usd := decimal.RequireFromString("5.00")
	purchase := func() (*models.CreditTransaction, error) {
		return s.AppendTransaction(ctx, &models.CreditTransaction{
			TenantID: tenant.ID, Type: models.TransactionPurchase, Amount: 100, ExternalRef: &ref,
			USDAmount: &usd, CreatedAt: testNow(),
		})
	}

	first, err := purchase()
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.BalanceAfter)

	_, err = purchase()
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	found, err := s.FindPurchase(ctx, tenant.ID, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	require.NotNil(t, found.USDAmount)
	assert.True(t, usd.Equal(*found.USDAmount))

	_, err = s.FindPurchase(ctx, tenant.ID, "pay_unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRefundBoundedByCharge(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 10)
	job := seedJob(t, s, tenant.ID, jobOpts{credits: 3})

	_, err := s.RefundJob(ctx, store.RefundParams{TenantID: tenant.ID, JobID: job.ID, Amount: 1, Now: testNow()})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	running := claimOne(t, s, job.ID, testNow())
	_, _, err = complete(s, running, 3, testNow())
	require.NoError(t, err)

	refund, err := s.RefundJob(ctx, store.RefundParams{TenantID: tenant.ID, JobID: job.ID, Amount: 2, Reason: "bad summary", Now: testNow()})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRefund, refund.Type)
	assert.Equal(t, int64(9), refund.BalanceAfter)

	_, err = s.RefundJob(ctx, store.RefundParams{TenantID: tenant.ID, JobID: job.ID, Amount: 2, Now: testNow()})
	assert.ErrorIs(t, err, store.ErrRefundExceedsCharge)

	_, err = s.RefundJob(ctx, store.RefundParams{TenantID: tenant.ID, JobID: job.ID, Amount: 1, Now: testNow()})
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance(t, s, tenant.ID))
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	for i := 0; i < 5; i++ {
		grant(t, s, tenant.ID, 1)
	}

	page, total, err := s.ListTransactions(ctx, store.TransactionFilter{TenantID: tenant.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Sequence)
	assert.Equal(t, int64(4), page[1].Sequence)

	page, _, err = s.ListTransactions(ctx, store.TransactionFilter{TenantID: tenant.ID, Limit: 2, Page: 3})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Sequence)

	page, _, err = s.ListTransactions(ctx, store.TransactionFilter{TenantID: tenant.ID, Type: models.TransactionPurchase})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testLedgerTotals(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	usd := decimal.RequireFromString("40.00")
	ref := "pay_pro"
	_, err := s.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID: tenant.ID, Type: models.TransactionPurchase, Amount: 1000, ExternalRef: &ref, USDAmount: &usd,
		CreatedAt: testNow(),
	})
	require.NoError(t, err)
	grant(t, s, tenant.ID, 50)
	_, err = s.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID: tenant.ID, Type: models.TransactionAdjustment, Amount: -25, CreatedAt: testNow(),
	})
	require.NoError(t, err)

	totals, err := s.LedgerTotals(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Count)
	assert.Equal(t, int64(1025), totals.Sum)
	assert.Equal(t, int64(1025), totals.Balance)
	assert.Equal(t, int64(3), totals.LastSequence)
	assert.Equal(t, int64(1000), totals.ByType[models.TransactionPurchase])
	assert.Equal(t, int64(-25), totals.ByType[models.TransactionAdjustment])
	assert.True(t, usd.Equal(totals.USDPurchased))
}

// --- Results ---

func testResultDelivery(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	job := seedJob(t, s, tenant.ID, jobOpts{})
	running := claimOne(t, s, job.ID, testNow())
	_, _, err := complete(s, running, 0, testNow())
	require.NoError(t, err)

	msg := "smtp 451"
	r, err := s.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		JobID: job.ID, TenantID: tenant.ID, Status: models.DeliveryFailed, Error: &msg, Now: testNow(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, r.DeliveryStatus)
	assert.Equal(t, 1, r.DeliveryAttempts)

	r, err = s.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		JobID: job.ID, TenantID: tenant.ID, Status: models.DeliveryDelivered, Now: testNow(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.DeliveryAttempts)
	assert.NotNil(t, r.DeliveredAt)

	_, err = s.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		JobID: job.ID, TenantID: tenant.ID, Status: models.DeliveryFailed, Now: testNow(),
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateResultDelivery(ctx, store.DeliveryUpdate{
		JobID: job.ID, TenantID: tenant.ID, Status: "bounced", Now: testNow(),
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

// --- Reporting ---

func testListJobsAndStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	grant(t, s, tenant.ID, 10)
	now := testNow()

	ok := seedJob(t, s, tenant.ID, jobOpts{credits: 1})
	bad := seedJob(t, s, tenant.ID, jobOpts{credits: 1})
	seedJob(t, s, tenant.ID, jobOpts{credits: 1, createdAt: now.Add(time.Second)})

	r1 := claimOne(t, s, ok.ID, now)
	_, _, err := complete(s, r1, 1, now.Add(2*time.Second))
	require.NoError(t, err)
	r2 := claimOne(t, s, bad.ID, now)
	_, err = s.FailJob(ctx, store.TransitionParams{JobID: bad.ID, ClaimToken: *r2.ClaimToken, Now: now, Error: "invalid input"})
	require.NoError(t, err)

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{TenantID: tenant.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 3)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{TenantID: tenant.ID, State: models.JobStatePending})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)

	stats, err := s.JobStats(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByState[models.JobStateCompleted])
	assert.Equal(t, 1, stats.ByState[models.JobStateFailed])
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.0001)
	assert.InDelta(t, 2000, stats.AverageDurationMS, 0.0001)
	assert.Equal(t, int64(1), stats.CreditsCharged)
}

func testDeleteTenantCancelsWork(t *testing.T, s store.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	pending := seedJob(t, s, tenant.ID, jobOpts{})
	runningJob := seedJob(t, s, tenant.ID, jobOpts{})
	claimOne(t, s, runningJob.ID, testNow())

	affected, err := s.DeleteTenant(ctx, tenant.ID, testNow())
	require.NoError(t, err)
	assert.Equal(t, 2, affected)

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())

	p, err := s.GetJob(ctx, pending.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, p.State)

	r, err := s.GetJob(ctx, runningJob.ID, tenant.ID)
	require.NoError(t, err)
	assert.True(t, r.CancelRequested)

	_, err = s.DeleteTenant(ctx, tenant.ID, testNow())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
