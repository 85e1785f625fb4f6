package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// MemoryStore is an in-process Store. A single mutex stands in for row locks, so every
// method is atomic with respect to the others. It backs unit tests and local runs
// without Postgres.
type MemoryStore struct {
	mu           sync.Mutex
	tenants      map[uuid.UUID]*models.Tenant
	apiKeys      map[uuid.UUID]*models.APIKey
	discoveries  map[uuid.UUID]*models.Discovery
	jobs         map[uuid.UUID]*models.Job
	results      map[uuid.UUID]*models.Result // by job id
	transactions map[uuid.UUID][]*models.CreditTransaction

	// PingErr, when set, is returned by Ping.
	PingErr error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:      map[uuid.UUID]*models.Tenant{},
		apiKeys:      map[uuid.UUID]*models.APIKey{},
		discoveries:  map[uuid.UUID]*models.Discovery{},
		jobs:         map[uuid.UUID]*models.Job{},
		results:      map[uuid.UUID]*models.Result{},
		transactions: map[uuid.UUID][]*models.CreditTransaction{},
	}
}

func (m *MemoryStore) Ping(context.Context) error {
	return m.PingErr
}

// --- Tenants ---

func (m *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTenantFilters(_ context.Context, id uuid.UUID, rules models.FilterRules) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || !t.Active() {
		return ErrNotFound
	}
	t.Filters = rules
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteTenant(_ context.Context, id uuid.UUID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || !t.Active() {
		return 0, ErrNotFound
	}
	t.DeletedAt = &now
	t.UpdatedAt = now

	affected := 0
	reason := "tenant deleted"
	for _, j := range m.jobs {
		if j.TenantID != id {
			continue
		}
		switch {
		case j.State.Schedulable():
			j.State = models.JobStateCancelled
			j.CompletedAt = &now
			j.LastError = &reason
			j.UpdatedAt = now
			affected++
		case j.State == models.JobStateRunning && !j.CancelRequested:
			j.CancelRequested = true
			j.UpdatedAt = now
			affected++
		}
	}
	return affected, nil
}

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	m.apiKeys[key.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.apiKeys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Discoveries ---

func (m *MemoryStore) RecordDiscovery(_ context.Context, d *models.Discovery) (*models.Discovery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.discoveries {
		if existing.TenantID == d.TenantID && existing.ExternalMessageID == d.ExternalMessageID {
			existing.DiscoveryCount++
			existing.UpdatedAt = d.CreatedAt
			cp := *existing
			return &cp, false, nil
		}
	}
	cp := *d
	cp.DiscoveryCount = 1
	cp.UpdatedAt = cp.CreatedAt
	m.discoveries[cp.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) GetDiscovery(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Discovery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.discoveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) QueueDiscovery(_ context.Context, discoveryID uuid.UUID, jobs []*models.Job) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.discoveries[discoveryID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status == models.DiscoveryStatusFilteredOut {
		return nil, fmt.Errorf("queue filtered discovery: %w", ErrInvalidTransition)
	}

	for _, j := range jobs {
		if m.findJob(discoveryID, j.Kind) != nil {
			continue
		}
		cp := *j
		cp.DiscoveryID = discoveryID
		cp.State = models.JobStatePending
		cp.AttemptCount = 0
		cp.UpdatedAt = cp.CreatedAt
		m.jobs[cp.ID] = &cp
	}
	if d.Status != models.DiscoveryStatusQueued {
		d.Status = models.DiscoveryStatusQueued
		d.UpdatedAt = time.Now().UTC()
	}

	var out []*models.Job
	for _, j := range m.jobs {
		if j.DiscoveryID == discoveryID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].Kind < out[b].Kind
	})
	return out, nil
}

func (m *MemoryStore) findJob(discoveryID uuid.UUID, kind models.JobKind) *models.Job {
	for _, j := range m.jobs {
		if j.DiscoveryID == discoveryID && j.Kind == kind {
			return j
		}
	}
	return nil
}

// --- Jobs ---

func copyJob(j *models.Job) *models.Job {
	cp := *j
	cp.LastErrorDetail = maps.Clone(j.LastErrorDetail)
	return &cp
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Job
	for _, j := range m.jobs {
		if j.TenantID != filter.TenantID {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() < matched[b].ID.String()
	})

	total := len(matched)
	_, limit, offset := normalizePage(filter.Page, filter.Limit, defaultPageLimit, maxJobPageLimit)
	out := make([]*models.Job, 0, limit)
	for i := offset; i < total && len(out) < limit; i++ {
		out = append(out, copyJob(matched[i]))
	}
	return out, total, nil
}

func (m *MemoryStore) JobStats(_ context.Context, tenantID uuid.UUID) (*models.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.JobStats{TenantID: tenantID, ByState: map[models.JobState]int{}}
	var completedDuration int64
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		stats.ByState[j.State]++
		stats.Total++
		if j.CreditsCharged != nil {
			stats.CreditsCharged += *j.CreditsCharged
		}
		if j.State == models.JobStateCompleted && j.DurationMS != nil {
			completedDuration += *j.DurationMS
		}
	}
	finishStats(stats, completedDuration)
	return stats, nil
}

func claimable(j *models.Job, now time.Time) bool {
	return j.State.Schedulable() && !j.NextAttemptAt.After(now) && !j.AttemptsExhausted()
}

func (m *MemoryStore) claim(j *models.Job, p ClaimParams) *models.Job {
	token := uuid.New()
	worker := p.WorkerID
	now := p.Now
	lease := p.Now.Add(p.Lease)
	j.State = models.JobStateRunning
	j.AttemptCount++
	j.ClaimedBy = &worker
	j.ClaimedAt = &now
	j.ClaimToken = &token
	j.LeaseExpiresAt = &lease
	j.StartedAt = &now
	j.CompletedAt = nil
	j.DurationMS = nil
	j.UpdatedAt = now
	return copyJob(j)
}

func (m *MemoryStore) ClaimDueJobs(_ context.Context, p ClaimParams) ([]*models.Job, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Job
	for _, j := range m.jobs {
		if claimable(j, p.Now) {
			due = append(due, j)
		}
	}
	sortByPriority(due)
	if len(due) > p.Limit {
		due = due[:p.Limit]
	}
	out := make([]*models.Job, 0, len(due))
	for _, j := range due {
		out = append(out, m.claim(j, p))
	}
	return out, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id uuid.UUID, p ClaimParams) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !claimable(j, p.Now) {
		return nil, false, nil
	}
	return m.claim(j, p), true, nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context, p ReclaimParams) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*models.Job
	for _, j := range m.jobs {
		if j.State == models.JobStateRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(p.Now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool { return expired[a].LeaseExpiresAt.Before(*expired[b].LeaseExpiresAt) })
	if p.Limit > 0 && len(expired) > p.Limit {
		expired = expired[:p.Limit]
	}
	out := make([]*models.Job, 0, len(expired))
	for _, j := range expired {
		out = append(out, apply(j, leaseExpiry(j, p)))
	}
	return out, nil
}

// apply mirrors PostgresStore.applyTransition.
func apply(j *models.Job, t transition) *models.Job {
	j.State = t.State
	j.NextAttemptAt = t.NextAttemptAt
	j.ClaimToken = nil
	j.LeaseExpiresAt = nil
	j.CompletedAt = t.CompletedAt
	j.DurationMS = t.DurationMS
	j.LastError = t.Error
	j.LastErrorDetail = t.Detail
	j.UpdatedAt = t.Now
	return copyJob(j)
}

func (m *MemoryStore) lockClaimed(id, token uuid.UUID) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !holdsClaim(j, token) {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (m *MemoryStore) RetryJob(_ context.Context, p TransitionParams) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lockClaimed(p.JobID, p.ClaimToken)
	if err != nil {
		return nil, err
	}
	return apply(j, retryTransition(j, p)), nil
}

func (m *MemoryStore) FailJob(_ context.Context, p TransitionParams) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lockClaimed(p.JobID, p.ClaimToken)
	if err != nil {
		return nil, err
	}
	return apply(j, failTransition(j, p)), nil
}

func (m *MemoryStore) CancelJob(_ context.Context, id uuid.UUID, tenantID uuid.UUID, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, ErrNotFound
	}
	switch {
	case j.State.Schedulable():
		reason := cancelledByRequest
		j.State = models.JobStateCancelled
		j.CompletedAt = &now
		j.LastError = &reason
		j.UpdatedAt = now
	case j.State == models.JobStateRunning:
		j.CancelRequested = true
		j.UpdatedAt = now
	default:
		return copyJob(j), fmt.Errorf("cancel %s job: %w", j.State, ErrInvalidTransition)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, p CompleteParams) (*models.Job, *models.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lockClaimed(p.JobID, p.ClaimToken)
	if err != nil {
		return nil, nil, err
	}
	if j.CancelRequested {
		return apply(j, cancelTransition(j, p.Now)), nil, ErrJobCancelled
	}
	if j.CreditsCharged != nil {
		return nil, nil, ErrDuplicateCharge
	}

	if p.Credits > 0 {
		entry := usageEntry(j.TenantID, j.ID, p.Credits, p.Description, p.Now, usageMetadata(j, p.Usage))
		if _, err := m.appendLocked(entry); err != nil {
			return nil, nil, err
		}
	}

	result := newResult(j, p)
	m.results[j.ID] = result

	credits := p.Credits
	usage := p.Usage
	now := p.Now
	j.State = models.JobStateCompleted
	j.CreditsCharged = &credits
	j.Usage = &usage
	j.CompletedAt = &now
	j.DurationMS = durationMS(j.StartedAt, now)
	j.ClaimToken = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now

	out := *result
	return copyJob(j), &out, nil
}

// --- Results ---

func (m *MemoryStore) GetResultByJobID(_ context.Context, jobID uuid.UUID, tenantID uuid.UUID) (*models.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateResultDelivery(_ context.Context, u DeliveryUpdate) (*models.Result, error) {
	if !validDeliveryStatus(u.Status) {
		return nil, fmt.Errorf("delivery status %q: %w", u.Status, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[u.JobID]
	if !ok || r.TenantID != u.TenantID {
		return nil, ErrNotFound
	}
	if r.DeliveryStatus == models.DeliveryDelivered {
		cp := *r
		return &cp, fmt.Errorf("result already delivered: %w", ErrInvalidTransition)
	}
	r.DeliveryStatus = u.Status
	if u.Status == models.DeliveryDelivered || u.Status == models.DeliveryFailed {
		r.DeliveryAttempts++
	}
	r.LastDeliveryError = u.Error
	if u.Status == models.DeliveryDelivered {
		now := u.Now
		r.DeliveredAt = &now
	}
	r.UpdatedAt = u.Now
	cp := *r
	return &cp, nil
}

// --- Credit Ledger ---

// appendLocked is appendEntry for the in-memory ledger. Callers hold m.mu.
func (m *MemoryStore) appendLocked(e *models.CreditTransaction) (*models.CreditTransaction, error) {
	entries := m.transactions[e.TenantID]
	for _, existing := range entries {
		if e.Type == models.TransactionUsage && existing.Type == models.TransactionUsage &&
			*existing.ReferenceID == *e.ReferenceID {
			return nil, ErrDuplicateCharge
		}
		if e.Type == models.TransactionPurchase && existing.Type == models.TransactionPurchase &&
			e.ExternalRef != nil && existing.ExternalRef != nil && *e.ExternalRef == *existing.ExternalRef {
			return nil, ErrDuplicateKey
		}
	}

	var lastSeq, lastBalance int64
	if n := len(entries); n > 0 {
		lastSeq, lastBalance = entries[n-1].Sequence, entries[n-1].BalanceAfter
	}
	next, err := nextEntry(e, lastSeq, lastBalance)
	if err != nil {
		return nil, err
	}
	m.transactions[e.TenantID] = append(entries, next)
	cp := *next
	return &cp, nil
}

func (m *MemoryStore) AppendTransaction(_ context.Context, entry *models.CreditTransaction) (*models.CreditTransaction, error) {
	if err := validateAppend(entry); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entry)
}

func (m *MemoryStore) findUsageLocked(tenantID, jobID uuid.UUID) *models.CreditTransaction {
	for _, t := range m.transactions[tenantID] {
		if t.Type == models.TransactionUsage && t.ReferenceID != nil && *t.ReferenceID == jobID {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (m *MemoryStore) JobCharge(_ context.Context, jobID, tenantID uuid.UUID) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if err := checkCharged(j); err != nil {
		return nil, err
	}
	if entry := m.findUsageLocked(tenantID, jobID); entry != nil {
		return entry, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RefundJob(_ context.Context, p RefundParams) (*models.CreditTransaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[p.JobID]
	if !ok || j.TenantID != p.TenantID {
		return nil, ErrNotFound
	}
	var refunded int64
	for _, t := range m.transactions[p.TenantID] {
		if t.Type == models.TransactionRefund && t.ReferenceID != nil && *t.ReferenceID == p.JobID {
			refunded += t.Amount
		}
	}
	if err := checkRefund(j, refunded, p.Amount); err != nil {
		return nil, err
	}
	return m.appendLocked(refundEntry(p))
}

func (m *MemoryStore) LatestTransaction(_ context.Context, tenantID uuid.UUID) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.transactions[tenantID]
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	cp := *entries[len(entries)-1]
	return &cp, nil
}

func (m *MemoryStore) FindPurchase(_ context.Context, tenantID uuid.UUID, externalRef string) (*models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions[tenantID] {
		if t.Type == models.TransactionPurchase && t.ExternalRef != nil && *t.ExternalRef == externalRef {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]*models.CreditTransaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.transactions[filter.TenantID]
	var matched []*models.CreditTransaction
	for i := len(entries) - 1; i >= 0; i-- {
		if filter.Type == "" || entries[i].Type == filter.Type {
			matched = append(matched, entries[i])
		}
	}
	total := len(matched)
	_, limit, offset := normalizePage(filter.Page, filter.Limit, defaultTransactionLimit, maxTransactionLimit)
	out := make([]*models.CreditTransaction, 0, limit)
	for i := offset; i < total && len(out) < limit; i++ {
		cp := *matched[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *MemoryStore) LedgerTotals(_ context.Context, tenantID uuid.UUID) (*models.LedgerTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := &models.LedgerTotals{TenantID: tenantID, ByType: map[models.TransactionType]int64{}, USDPurchased: decimal.Zero}
	entries := m.transactions[tenantID]
	for _, t := range entries {
		totals.Count++
		totals.Sum += t.Amount
		totals.ByType[t.Type] += t.Amount
		if t.Type == models.TransactionPurchase && t.USDAmount != nil {
			totals.USDPurchased = totals.USDPurchased.Add(*t.USDAmount)
		}
	}
	if n := len(entries); n > 0 {
		totals.LastSequence = entries[n-1].Sequence
		totals.Balance = entries[n-1].BalanceAfter
	}
	return totals, nil
}

// Corrupt overwrites the balance snapshot of a stored entry. It exists so reconciliation
// can be exercised against a ledger that has drifted.
func (m *MemoryStore) Corrupt(tenantID uuid.UUID, sequence, balanceAfter int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions[tenantID] {
		if t.Sequence == sequence {
			t.BalanceAfter = balanceAfter
		}
	}
}

// SetJob replaces a stored job. Tests use it to stage states the public API cannot reach
// directly, such as an already-expired lease.
func (m *MemoryStore) SetJob(j *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = copyJob(j)
}
