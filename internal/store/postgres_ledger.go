package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

const transactionColumns = `id, tenant_id, sequence, type, amount, balance_after, reference_id, reference_type,
	external_ref, description, usd_amount, usd_per_credit, metadata, created_at`

const (
	usagePerJobConstraint  = "uq_credit_usage_per_job"
	purchaseRefConstraint  = "uq_credit_purchase_external_ref"
	sequenceConstraint     = "credit_transactions_tenant_id_sequence_key"
	balanceCheckConstraint = "credit_transactions_balance_after_check"
	ledgerLockNamespace    = "credit_ledger:"
)

func scanTransaction(row scanner) (*models.CreditTransaction, error) {
	var (
		t            models.CreditTransaction
		usdAmount    decimal.NullDecimal
		usdPerCredit decimal.NullDecimal
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.Sequence, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceID,
		&t.ReferenceType, &t.ExternalRef, &t.Description, &usdAmount, &usdPerCredit, &t.Metadata, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.USDAmount = fromNullDecimal(usdAmount)
	t.USDPerCredit = fromNullDecimal(usdPerCredit)
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.CreditTransaction, error) {
	defer rows.Close()
	var out []*models.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Credit Ledger ---

// appendEntry serializes appends per tenant with a transaction-scoped advisory lock,
// then writes the next sequence with its balance snapshot. The unique (tenant, sequence)
// constraint backs the lock.
func appendEntry(ctx context.Context, tx pgx.Tx, e *models.CreditTransaction) (*models.CreditTransaction, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		ledgerLockNamespace+e.TenantID.String()); err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}

	var lastSeq, lastBalance int64
	err := tx.QueryRow(ctx,
		`SELECT sequence, balance_after FROM credit_transactions
		 WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT 1`, e.TenantID).Scan(&lastSeq, &lastBalance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}

	next, err := nextEntry(e, lastSeq, lastBalance)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, tenant_id, sequence, type, amount, balance_after, reference_id,
		   reference_type, external_ref, description, usd_amount, usd_per_credit, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		next.ID, next.TenantID, next.Sequence, next.Type, next.Amount, next.BalanceAfter, next.ReferenceID,
		next.ReferenceType, next.ExternalRef, next.Description, toNullDecimal(next.USDAmount),
		toNullDecimal(next.USDPerCredit), next.Metadata, next.CreatedAt)
	switch {
	case err == nil:
		return next, nil
	case isDuplicateKeyError(err, usagePerJobConstraint):
		return nil, ErrDuplicateCharge
	case isDuplicateKeyError(err, purchaseRefConstraint):
		return nil, ErrDuplicateKey
	case isDuplicateKeyError(err, sequenceConstraint):
		return nil, errLedgerConflict
	case isCheckViolation(err, balanceCheckConstraint):
		return nil, ErrInsufficientBalance
	default:
		return nil, fmt.Errorf("insert credit transaction: %w", err)
	}
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, entry *models.CreditTransaction) (*models.CreditTransaction, error) {
	if err := validateAppend(entry); err != nil {
		return nil, err
	}
	var out *models.CreditTransaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = appendEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) JobCharge(ctx context.Context, jobID, tenantID uuid.UUID) (*models.CreditTransaction, error) {
	var out *models.CreditTransaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, jobID, tenantID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if err := checkCharged(j); err != nil {
			return err
		}
		out, err = scanTransaction(tx.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM credit_transactions
			 WHERE tenant_id = $1 AND type = 'usage' AND reference_id = $2`, tenantID, jobID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("find usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) RefundJob(ctx context.Context, p RefundParams) (*models.CreditTransaction, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *models.CreditTransaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, p.JobID, p.TenantID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		var refunded int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE type = 'refund' AND reference_id = $1`,
			p.JobID).Scan(&refunded); err != nil {
			return fmt.Errorf("sum refunds: %w", err)
		}
		if err := checkRefund(j, refunded, p.Amount); err != nil {
			return err
		}

		out, err = appendEntry(ctx, tx, refundEntry(p))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) LatestTransaction(ctx context.Context, tenantID uuid.UUID) (*models.CreditTransaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT 1`, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest transaction: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) FindPurchase(ctx context.Context, tenantID uuid.UUID, externalRef string) (*models.CreditTransaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE tenant_id = $1 AND type = 'purchase' AND external_ref = $2`, tenantID, externalRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find purchase: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.CreditTransaction, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM credit_transactions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count credit transactions: %w", err)
	}

	_, limit, offset := normalizePage(filter.Page, filter.Limit, defaultTransactionLimit, maxTransactionLimit)
	query := fmt.Sprintf(`SELECT %s FROM credit_transactions WHERE %s ORDER BY sequence DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list credit transactions: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *PostgresStore) LedgerTotals(ctx context.Context, tenantID uuid.UUID) (*models.LedgerTotals, error) {
	totals := &models.LedgerTotals{TenantID: tenantID, ByType: map[models.TransactionType]int64{}}

	rows, err := s.pool.Query(ctx,
		`SELECT type, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(usd_amount), 0)
		 FROM credit_transactions WHERE tenant_id = $1 GROUP BY type`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ   models.TransactionType
			count int64
			sum   int64
			usd   decimal.Decimal
		)
		if err := rows.Scan(&typ, &count, &sum, &usd); err != nil {
			return nil, fmt.Errorf("scan ledger totals: %w", err)
		}
		totals.Count += count
		totals.Sum += sum
		totals.ByType[typ] = sum
		if typ == models.TransactionPurchase {
			totals.USDPurchased = usd
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	latest, err := s.LatestTransaction(ctx, tenantID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		totals.LastSequence = latest.Sequence
		totals.Balance = latest.BalanceAfter
	}
	return totals, nil
}

// --- Completion ---

func (s *PostgresStore) CompleteJob(ctx context.Context, p CompleteParams) (*models.Job, *models.Result, error) {
	var (
		job       *models.Job
		result    *models.Result
		cancelled bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cancelled = false
		j, err := lockClaimedJob(ctx, tx, p.JobID, p.ClaimToken)
		if err != nil {
			return err
		}
		if j.CancelRequested {
			cancelled = true
			job, err = s.applyTransition(ctx, tx, j, cancelTransition(j, p.Now))
			return err
		}
		if j.CreditsCharged != nil {
			return ErrDuplicateCharge
		}

		if p.Credits > 0 {
			entry := usageEntry(j.TenantID, j.ID, p.Credits, p.Description, p.Now, usageMetadata(j, p.Usage))
			if _, err := appendEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		result = newResult(j, p)
		if _, err := tx.Exec(ctx,
			`INSERT INTO results (id, job_id, tenant_id, kind, payload, provider, model, delivery_status,
			   delivery_attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)`,
			result.ID, result.JobID, result.TenantID, result.Kind, result.Payload, result.Provider, result.Model,
			result.DeliveryStatus, result.CreatedAt); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}

		usage := p.Usage
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET
			   state = 'completed',
			   credits_charged = $2,
			   usage = $3,
			   completed_at = $4,
			   duration_ms = $5,
			   claim_token = NULL,
			   lease_expires_at = NULL,
			   updated_at = $4
			 WHERE id = $1
			 RETURNING `+jobColumns,
			j.ID, p.Credits, &usage, p.Now, durationMS(j.StartedAt, p.Now)))
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if cancelled {
		return job, nil, ErrJobCancelled
	}
	return job, result, nil
}

// --- Results ---

const resultColumns = `id, job_id, tenant_id, kind, payload, provider, model, delivery_status, delivery_attempts,
	last_delivery_error, delivered_at, created_at, updated_at`

func scanResult(row scanner) (*models.Result, error) {
	var r models.Result
	if err := row.Scan(&r.ID, &r.JobID, &r.TenantID, &r.Kind, &r.Payload, &r.Provider, &r.Model,
		&r.DeliveryStatus, &r.DeliveryAttempts, &r.LastDeliveryError, &r.DeliveredAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetResultByJobID(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) (*models.Result, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM results WHERE job_id = $1 AND tenant_id = $2`, jobID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result by job: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateResultDelivery(ctx context.Context, u DeliveryUpdate) (*models.Result, error) {
	if !validDeliveryStatus(u.Status) {
		return nil, fmt.Errorf("delivery status %q: %w", u.Status, ErrInvalidTransition)
	}
	r, err := scanResult(s.pool.QueryRow(ctx,
		`UPDATE results SET
		   delivery_status = $3,
		   delivery_attempts = delivery_attempts + CASE WHEN $3::text IN ('delivered', 'failed') THEN 1 ELSE 0 END,
		   last_delivery_error = $4,
		   delivered_at = CASE WHEN $3::text = 'delivered' THEN $5 ELSE delivered_at END,
		   updated_at = $5
		 WHERE job_id = $1 AND tenant_id = $2 AND delivery_status <> 'delivered'
		 RETURNING `+resultColumns,
		u.JobID, u.TenantID, u.Status, u.Error, u.Now))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or already delivered.
		existing, gerr := s.GetResultByJobID(ctx, u.JobID, u.TenantID)
		if gerr != nil {
			return nil, gerr
		}
		return existing, fmt.Errorf("result already delivered: %w", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("update result delivery: %w", err)
	}
	return r, nil
}
