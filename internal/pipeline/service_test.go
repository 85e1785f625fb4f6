package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/mailpilot/internal/cache"
	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/internal/filter"
	"github.com/kiranshivaraju/mailpilot/internal/pipeline"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var testBilling = config.BillingConfig{
	Kinds: []models.JobKind{models.JobKindSummary, models.JobKindActionExtraction},
	CreditCosts: map[models.JobKind]int64{
		models.JobKindSummary:          1,
		models.JobKindClassification:   1,
		models.JobKindActionExtraction: 2,
	},
}

type env struct {
	svc    *pipeline.Service
	store  *store.MemoryStore
	cache  *cache.RedisCache
	redis  *miniredis.Miniredis
	clock  *clock.Fixed
	tenant *models.Tenant
}

func newEnv(t *testing.T, rules models.FilterRules) *env {
	t.Helper()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	tenant := &models.Tenant{ID: uuid.New(), Name: gofakeit.Company(), Filters: rules, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateTenant(context.Background(), tenant))

	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	clk := clock.NewFixed(now)
	svc := pipeline.NewService(st, testBilling, pipeline.Options{
		Cache: rc, StatusTTL: time.Hour, MaxAttempts: 4, Clock: clk,
	})
	return &env{svc: svc, store: st, cache: rc, redis: mr, clock: clk, tenant: tenant}
}

func fakeMessage() models.EmailMessage {
	return models.EmailMessage{
		Sender:     gofakeit.Email(),
		Subject:    gofakeit.Sentence(6),
		Body:       gofakeit.Paragraph(2, 4, 12, " "),
		ReceivedAt: gofakeit.Date().UTC(),
	}
}

func (e *env) input(msg models.EmailMessage) pipeline.DiscoveryInput {
	return pipeline.DiscoveryInput{
		TenantID:          e.tenant.ID,
		ExternalMessageID: "<" + gofakeit.UUID() + "@mail.example.com>",
		Message:           msg,
		Priority:          models.PriorityNormal,
	}
}

func TestEnqueue_CreatesOneJobPerKind(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()

	res, err := e.svc.Enqueue(ctx, e.input(fakeMessage()))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, models.DiscoveryStatusQueued, res.Discovery.Status)
	require.Len(t, res.Jobs, 2)

	byKind := map[models.JobKind]*models.Job{}
	for _, j := range res.Jobs {
		byKind[j.Kind] = j
		assert.Equal(t, models.JobStatePending, j.State)
		assert.Equal(t, 4, j.MaxAttempts)
		assert.Equal(t, 0, j.AttemptCount)
		assert.Equal(t, models.PriorityNormal, j.Priority)
		assert.True(t, j.NextAttemptAt.Equal(e.clock.Now()))
		assert.Nil(t, j.CreditsCharged)
	}
	assert.Equal(t, int64(1), byKind[models.JobKindSummary].CreditsRequired)
	assert.Equal(t, int64(2), byKind[models.JobKindActionExtraction].CreditsRequired)

	state, err := e.svc.JobState(ctx, e.tenant.ID, res.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, state)
}

func TestEnqueue_SameMessageTwiceCreatesNothing(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	in := e.input(fakeMessage())

	first, err := e.svc.Enqueue(ctx, in)
	require.NoError(t, err)
	second, err := e.svc.Enqueue(ctx, in)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Discovery.ID, second.Discovery.ID)
	assert.Equal(t, 2, second.Discovery.DiscoveryCount)
	require.Len(t, second.Jobs, len(first.Jobs))
	ids := map[uuid.UUID]bool{}
	for _, j := range first.Jobs {
		ids[j.ID] = true
	}
	for _, j := range second.Jobs {
		assert.True(t, ids[j.ID], "job %s should be one of the original jobs", j.ID)
	}

	_, total, err := e.svc.ListJobs(ctx, store.JobFilter{TenantID: e.tenant.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestEnqueue_ReportAgainWithOtherKindsCreatesNothing(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	in := e.input(fakeMessage())
	in.Kinds = []models.JobKind{models.JobKindSummary}

	first, err := e.svc.Enqueue(ctx, in)
	require.NoError(t, err)
	require.Len(t, first.Jobs, 1)

	in.Kinds = []models.JobKind{models.JobKindSummary, models.JobKindClassification}
	second, err := e.svc.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.Created)
	require.Len(t, second.Jobs, 1)
	assert.Equal(t, first.Jobs[0].ID, second.Jobs[0].ID)
	assert.Equal(t, models.JobKindSummary, second.Jobs[0].Kind)

	_, total, err := e.svc.ListJobs(ctx, store.JobFilter{TenantID: e.tenant.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestEnqueue_KindOverride(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	in := e.input(fakeMessage())
	in.Kinds = []models.JobKind{models.JobKindClassification}

	res, err := e.svc.Enqueue(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, models.JobKindClassification, res.Jobs[0].Kind)
}

func TestEnqueue_FilteredMessageCreatesNoJobs(t *testing.T) {
	e := newEnv(t, models.FilterRules{ExcludeDomains: []string{"newsletter.example"}})
	msg := fakeMessage()
	msg.Sender = "Weekly Digest <digest@newsletter.example>"

	res, err := e.svc.Enqueue(context.Background(), e.input(msg))
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	assert.Equal(t, models.DiscoveryStatusFilteredOut, res.Discovery.Status)
	assert.False(t, res.Discovery.FilterResult.ShouldProcess)
	assert.Equal(t, filter.ReasonDomainExcluded, res.Discovery.FilterResult.Reason)
}

func TestEnqueue_Validation(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*pipeline.DiscoveryInput)
		wantErr error
	}{
		{"empty message id", func(in *pipeline.DiscoveryInput) { in.ExternalMessageID = "" }, pipeline.ErrInvalidMessageID},
		{"whitespace in message id", func(in *pipeline.DiscoveryInput) { in.ExternalMessageID = "abc def" }, pipeline.ErrInvalidMessageID},
		{"tab in message id", func(in *pipeline.DiscoveryInput) { in.ExternalMessageID = "abc\tdef" }, pipeline.ErrInvalidMessageID},
		{"missing tenant", func(in *pipeline.DiscoveryInput) { in.TenantID = uuid.Nil }, pipeline.ErrInvalidInput},
		{"bad priority", func(in *pipeline.DiscoveryInput) { in.Priority = 7 }, pipeline.ErrInvalidInput},
		{"unknown kind", func(in *pipeline.DiscoveryInput) { in.Kinds = []models.JobKind{"translate"} }, pipeline.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := e.input(fakeMessage())
			tt.mutate(&in)
			_, err := e.svc.Enqueue(ctx, in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, total, err := e.svc.ListJobs(ctx, store.JobFilter{TenantID: e.tenant.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestEnqueue_UnknownOrDeletedTenant(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()

	in := e.input(fakeMessage())
	in.TenantID = uuid.New()
	_, err := e.svc.Enqueue(ctx, in)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.svc.DeleteTenant(ctx, e.tenant.ID)
	require.NoError(t, err)
	_, err = e.svc.Enqueue(ctx, e.input(fakeMessage()))
	assert.ErrorIs(t, err, store.ErrTenantInactive)
}

func TestJobStatus_IncludesResultOnceCompleted(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	in := e.input(fakeMessage())
	in.Kinds = []models.JobKind{models.JobKindSummary}
	res, err := e.svc.Enqueue(ctx, in)
	require.NoError(t, err)
	job := res.Jobs[0]

	view, err := e.svc.JobStatus(ctx, e.tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Result)

	_, err = e.store.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID: e.tenant.ID, Type: models.TransactionBonus, Amount: 5, CreatedAt: e.clock.Now(),
	})
	require.NoError(t, err)
	running, ok, err := e.store.ClaimJob(ctx, job.ID, store.ClaimParams{WorkerID: "w", Now: e.clock.Now(), Lease: time.Minute})
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = e.store.CompleteJob(ctx, store.CompleteParams{
		JobID: job.ID, ClaimToken: *running.ClaimToken, Now: e.clock.Now(), Credits: 1,
		Payload: models.ResultPayload{Summary: "done"},
	})
	require.NoError(t, err)

	view, err = e.svc.JobStatus(ctx, e.tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, view.Job.State)
	require.NotNil(t, view.Result)
	assert.Equal(t, "done", view.Result.Payload.Summary)

	delivered, err := e.svc.MarkDelivered(ctx, e.tenant.ID, job.ID, models.DeliveryDelivered, "")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, delivered.DeliveryStatus)

	_, err = e.svc.JobStatus(ctx, uuid.New(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobState_FallsBackToStoreAndRepopulatesCache(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	res, err := e.svc.Enqueue(ctx, e.input(fakeMessage()))
	require.NoError(t, err)
	job := res.Jobs[0]

	e.redis.FlushAll()
	state, err := e.svc.JobState(ctx, e.tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, state)

	cached, found, err := e.cache.GetJobStatus(ctx, e.tenant.ID, job.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pending", cached)
}

func TestJobState_CacheDownStillAnswers(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	res, err := e.svc.Enqueue(ctx, e.input(fakeMessage()))
	require.NoError(t, err)

	e.redis.Close()
	state, err := e.svc.JobState(ctx, e.tenant.ID, res.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, state)
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	res, err := e.svc.Enqueue(ctx, e.input(fakeMessage()))
	require.NoError(t, err)
	job := res.Jobs[0]

	cancelled, err := e.svc.CancelJob(ctx, e.tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, cancelled.State)

	state, err := e.svc.JobState(ctx, e.tenant.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, state)

	_, err = e.svc.CancelJob(ctx, e.tenant.ID, job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestListJobsAndStats(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.svc.Enqueue(ctx, e.input(fakeMessage()))
		require.NoError(t, err)
	}

	jobs, total, err := e.svc.ListJobs(ctx, store.JobFilter{TenantID: e.tenant.ID, Kind: models.JobKindSummary})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, jobs, 3)

	_, _, err = e.svc.ListJobs(ctx, store.JobFilter{TenantID: e.tenant.ID, State: "done"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
	_, _, err = e.svc.ListJobs(ctx, store.JobFilter{TenantID: e.tenant.ID, Kind: "translate"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidInput)

	stats, err := e.svc.Stats(ctx, e.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 6, stats.ByState[models.JobStatePending])
}

func TestDeleteTenant_CancelsQueuedJobs(t *testing.T) {
	e := newEnv(t, models.FilterRules{})
	ctx := context.Background()
	res, err := e.svc.Enqueue(ctx, e.input(fakeMessage()))
	require.NoError(t, err)

	n, err := e.svc.DeleteTenant(ctx, e.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	view, err := e.svc.JobStatus(ctx, e.tenant.ID, res.Jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, view.Job.State)
}
