package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

var ErrInvalidAmount = errors.New("invalid credit amount")

// validateEntry enforces the sign convention of each transaction type.
func validateEntry(e *models.CreditTransaction) error {
	switch e.Type {
	case models.TransactionUsage:
		if e.Amount >= 0 {
			return fmt.Errorf("usage amount must be negative: %w", ErrInvalidAmount)
		}
		if e.ReferenceID == nil {
			return fmt.Errorf("usage entry needs a job reference: %w", ErrInvalidAmount)
		}
	case models.TransactionPurchase, models.TransactionRefund, models.TransactionBonus:
		if e.Amount <= 0 {
			return fmt.Errorf("%s amount must be positive: %w", e.Type, ErrInvalidAmount)
		}
	case models.TransactionAdjustment:
		if e.Amount == 0 {
			return fmt.Errorf("adjustment amount must not be zero: %w", ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("unknown transaction type %q: %w", e.Type, ErrInvalidAmount)
	}
	return nil
}

// validateAppend guards the generic append path. Usage entries are written only by
// CompleteJob and refunds only by RefundJob, both under the job row lock.
func validateAppend(e *models.CreditTransaction) error {
	switch e.Type {
	case models.TransactionUsage, models.TransactionRefund:
		return fmt.Errorf("%s entries are tied to a job: %w", e.Type, ErrInvalidTransition)
	}
	return validateEntry(e)
}

// checkCharged admits only jobs that completed and recorded a charge.
func checkCharged(j *models.Job) error {
	if j.State != models.JobStateCompleted {
		return fmt.Errorf("charge %s job: %w", j.State, ErrInvalidTransition)
	}
	if j.CreditsCharged == nil || *j.CreditsCharged == 0 {
		return ErrNotFound
	}
	return nil
}

// nextEntry stamps e with the sequence and balance that follow the current ledger head.
func nextEntry(e *models.CreditTransaction, lastSeq, lastBalance int64) (*models.CreditTransaction, error) {
	balance := lastBalance + e.Amount
	if balance < 0 {
		return nil, ErrInsufficientBalance
	}
	out := *e
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	out.Sequence = lastSeq + 1
	out.BalanceAfter = balance
	return &out, nil
}

func usageEntry(tenantID, jobID uuid.UUID, credits int64, description string, now time.Time, meta map[string]any) *models.CreditTransaction {
	ref := models.ReferenceJob
	if description == "" {
		description = "job " + jobID.String()
	}
	return &models.CreditTransaction{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Type:          models.TransactionUsage,
		Amount:        -credits,
		ReferenceID:   &jobID,
		ReferenceType: &ref,
		Description:   description,
		Metadata:      meta,
		CreatedAt:     now,
	}
}

func usageMetadata(j *models.Job, u models.Usage) map[string]any {
	return map[string]any{
		"kind":          string(j.Kind),
		"attempt":       j.AttemptCount,
		"provider":      u.Provider,
		"model":         u.Model,
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"cost_usd":      u.CostUSD.String(),
	}
}

func refundEntry(p RefundParams) *models.CreditTransaction {
	ref := models.ReferenceJob
	jobID := p.JobID
	description := p.Reason
	if description == "" {
		description = "refund for job " + jobID.String()
	}
	return &models.CreditTransaction{
		ID:            uuid.New(),
		TenantID:      p.TenantID,
		Type:          models.TransactionRefund,
		Amount:        p.Amount,
		ReferenceID:   &jobID,
		ReferenceType: &ref,
		Description:   description,
		CreatedAt:     p.Now,
	}
}

// checkRefund allows refunds only against completed, charged jobs, and never beyond
// what was charged.
func checkRefund(j *models.Job, alreadyRefunded, amount int64) error {
	if j.State != models.JobStateCompleted || j.CreditsCharged == nil {
		return fmt.Errorf("refund %s job: %w", j.State, ErrInvalidTransition)
	}
	if alreadyRefunded+amount > *j.CreditsCharged {
		return ErrRefundExceedsCharge
	}
	return nil
}

func cancelTransition(j *models.Job, now time.Time) transition {
	reason := cancelledByRequest
	return transition{
		State:         models.JobStateCancelled,
		Now:           now,
		NextAttemptAt: j.NextAttemptAt,
		CompletedAt:   &now,
		DurationMS:    durationMS(j.StartedAt, now),
		Error:         &reason,
	}
}

func newResult(j *models.Job, p CompleteParams) *models.Result {
	return &models.Result{
		ID:             uuid.New(),
		JobID:          j.ID,
		TenantID:       j.TenantID,
		Kind:           j.Kind,
		Payload:        p.Payload,
		Provider:       p.Usage.Provider,
		Model:          p.Usage.Model,
		DeliveryStatus: models.DeliveryPending,
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}
}

func validDeliveryStatus(s string) bool {
	switch s {
	case models.DeliveryPending, models.DeliveryDelivered, models.DeliveryFailed, models.DeliverySkipped:
		return true
	}
	return false
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
