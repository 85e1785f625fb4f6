// Package ledger is the billing surface over the append-only credit ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kiranshivaraju/mailpilot/internal/clock"
	"github.com/kiranshivaraju/mailpilot/internal/config"
	"github.com/kiranshivaraju/mailpilot/internal/observability"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var (
	ErrUnknownPackage = errors.New("unknown credit package")
	ErrMissingPayment = errors.New("payment reference is required")
)

type Service struct {
	store   store.Store
	billing config.BillingConfig
	clock   clock.Clock
	logger  *slog.Logger
}

func NewService(st store.Store, billing config.BillingConfig, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, billing: billing, clock: clk, logger: logger}
}

// Packages lists the purchasable credit packages.
func (s *Service) Packages() []models.CreditPackage {
	return s.billing.Packages
}

// Charge returns the usage entry recorded for a job. Credits are debited only when the
// job completes, in the same transaction that stores its result, so Charge replays that
// entry and never writes. Jobs that have not completed return store.ErrInvalidTransition;
// asking for an amount other than the one charged returns store.ErrDuplicateCharge.
func (s *Service) Charge(ctx context.Context, tenantID, jobID uuid.UUID, amount int64) (*models.CreditTransaction, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.charge",
		attribute.String("tenant_id", tenantID.String()), attribute.String("job_id", jobID.String()))
	defer span.End()

	entry, err := s.store.JobCharge(ctx, jobID, tenantID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("charge job %s: %w", jobID, err)
	}
	if charged := -entry.Amount; charged != amount {
		return nil, fmt.Errorf("charge job %s: charged %d, not %d: %w", jobID, charged, amount, store.ErrDuplicateCharge)
	}
	s.logger.Info("charge already recorded", "tenant_id", tenantID, "job_id", jobID, "sequence", entry.Sequence)
	return entry, nil
}

// Refund credits back part or all of a completed job's charge.
func (s *Service) Refund(ctx context.Context, tenantID, jobID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund must be positive: %w", store.ErrInvalidAmount)
	}
	entry, err := s.store.RefundJob(ctx, store.RefundParams{
		TenantID: tenantID,
		JobID:    jobID,
		Amount:   amount,
		Reason:   reason,
		Now:      s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("refund job %s: %w", jobID, err)
	}
	s.logger.Info("refund recorded", "tenant_id", tenantID, "job_id", jobID, "amount", amount)
	return entry, nil
}

// Balance returns the balance snapshot of the newest entry, or zero for an empty ledger.
func (s *Service) Balance(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	latest, err := s.store.LatestTransaction(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return latest.BalanceAfter, nil
}

// Purchase credits a configured package. The payment reference makes it idempotent:
// replaying a purchase returns the original entry with existed set.
func (s *Service) Purchase(ctx context.Context, tenantID uuid.UUID, packageKey, paymentRef string) (entry *models.CreditTransaction, existed bool, err error) {
	if paymentRef == "" {
		return nil, false, ErrMissingPayment
	}
	pkg, ok := s.billing.Package(packageKey)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownPackage, packageKey)
	}
	if err := s.requireActive(ctx, tenantID); err != nil {
		return nil, false, err
	}

	prior, err := s.store.FindPurchase(ctx, tenantID, paymentRef)
	switch {
	case err == nil:
		return prior, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("look up purchase: %w", err)
	}

	ref := models.ReferencePayment
	price := pkg.PriceUSD
	perCredit := pkg.PerCredit()
	entry, err = s.store.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID:      tenantID,
		Type:          models.TransactionPurchase,
		Amount:        pkg.Credits,
		ReferenceType: &ref,
		ExternalRef:   &paymentRef,
		Description:   fmt.Sprintf("purchase %s package", pkg.Key),
		USDAmount:     &price,
		USDPerCredit:  &perCredit,
		Metadata:      map[string]any{"package": pkg.Key},
		CreatedAt:     s.clock.Now(),
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost a race with the same payment.
		prior, ferr := s.store.FindPurchase(ctx, tenantID, paymentRef)
		if ferr != nil {
			return nil, false, fmt.Errorf("look up purchase: %w", ferr)
		}
		return prior, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("record purchase: %w", err)
	}
	s.logger.Info("credits purchased", "tenant_id", tenantID, "package", pkg.Key, "credits", pkg.Credits,
		"usd", price.StringFixed(2), "balance", entry.BalanceAfter)
	return entry, false, nil
}

// Grant adds bonus credits.
func (s *Service) Grant(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant must be positive: %w", store.ErrInvalidAmount)
	}
	return s.admin(ctx, tenantID, models.TransactionBonus, amount, reason)
}

// Adjust applies a signed manual correction. It may not drive the balance negative.
func (s *Service) Adjust(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("adjustment must not be zero: %w", store.ErrInvalidAmount)
	}
	return s.admin(ctx, tenantID, models.TransactionAdjustment, amount, reason)
}

func (s *Service) admin(ctx context.Context, tenantID uuid.UUID, typ models.TransactionType, amount int64, reason string) (*models.CreditTransaction, error) {
	if err := s.requireActive(ctx, tenantID); err != nil {
		return nil, err
	}
	ref := models.ReferenceAdmin
	if reason == "" {
		reason = string(typ)
	}
	entry, err := s.store.AppendTransaction(ctx, &models.CreditTransaction{
		TenantID:      tenantID,
		Type:          typ,
		Amount:        amount,
		ReferenceType: &ref,
		Description:   reason,
		CreatedAt:     s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", typ, err)
	}
	s.logger.Info("ledger entry recorded", "tenant_id", tenantID, "type", typ, "amount", amount, "balance", entry.BalanceAfter)
	return entry, nil
}

// History lists entries newest first.
func (s *Service) History(ctx context.Context, filter store.TransactionFilter) ([]*models.CreditTransaction, int, error) {
	entries, total, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return entries, total, nil
}

// Summary returns the tenant's totals by type.
func (s *Service) Summary(ctx context.Context, tenantID uuid.UUID) (*models.LedgerTotals, error) {
	totals, err := s.store.LedgerTotals(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	return totals, nil
}

// Reconciliation is the result of replaying a tenant's ledger.
type Reconciliation struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	Entries      int             `json:"entries"`
	Sum          int64           `json:"sum"`
	Balance      int64           `json:"balance"`
	USDPurchased decimal.Decimal `json:"usd_purchased"`
	// Mismatches lists sequences whose balance snapshot disagrees with the running sum.
	Mismatches []int64 `json:"mismatches,omitempty"`
	// Gaps lists sequences missing from the chain.
	Gaps       []int64 `json:"gaps,omitempty"`
	Consistent bool    `json:"consistent"`
}

const reconcilePage = 1000

// Reconcile replays every entry and checks that each snapshot equals the running sum
// of deltas and that sequences are contiguous from 1. It reads only.
func (s *Service) Reconcile(ctx context.Context, tenantID uuid.UUID) (*Reconciliation, error) {
	ctx, span := observability.StartSpan(ctx, "ledger.reconcile", attribute.String("tenant_id", tenantID.String()))
	defer span.End()

	var entries []*models.CreditTransaction
	for page := 1; ; page++ {
		batch, total, err := s.store.ListTransactions(ctx, store.TransactionFilter{
			TenantID: tenantID, Page: page, Limit: reconcilePage,
		})
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("read ledger page %d: %w", page, err)
		}
		entries = append(entries, batch...)
		if len(batch) == 0 || len(entries) >= total {
			break
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	rec := &Reconciliation{TenantID: tenantID, Entries: len(entries), USDPurchased: decimal.Zero}
	var expected int64 = 1
	for _, e := range entries {
		for ; expected < e.Sequence; expected++ {
			rec.Gaps = append(rec.Gaps, expected)
		}
		expected = e.Sequence + 1

		rec.Sum += e.Amount
		if e.BalanceAfter != rec.Sum {
			rec.Mismatches = append(rec.Mismatches, e.Sequence)
		}
		if e.Type == models.TransactionPurchase && e.USDAmount != nil {
			rec.USDPurchased = rec.USDPurchased.Add(*e.USDAmount)
		}
	}
	if n := len(entries); n > 0 {
		rec.Balance = entries[n-1].BalanceAfter
	}
	rec.Consistent = len(rec.Mismatches) == 0 && len(rec.Gaps) == 0 && rec.Sum == rec.Balance
	if !rec.Consistent {
		s.logger.Error("ledger inconsistent", "tenant_id", tenantID, "sum", rec.Sum, "balance", rec.Balance,
			"mismatches", rec.Mismatches, "gaps", rec.Gaps)
	}
	return rec, nil
}

func (s *Service) requireActive(ctx context.Context, tenantID uuid.UUID) error {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.Active() {
		return store.ErrTenantInactive
	}
	return nil
}
