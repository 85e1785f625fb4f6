package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/mailpilot/internal/api/response"
	"github.com/kiranshivaraju/mailpilot/internal/ledger"
	"github.com/kiranshivaraju/mailpilot/internal/store"
	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Ledger is the billing surface the handlers use.
type Ledger interface {
	Balance(ctx context.Context, tenantID uuid.UUID) (int64, error)
	History(ctx context.Context, filter store.TransactionFilter) ([]*models.CreditTransaction, int, error)
	Summary(ctx context.Context, tenantID uuid.UUID) (*models.LedgerTotals, error)
	Purchase(ctx context.Context, tenantID uuid.UUID, packageKey, paymentRef string) (*models.CreditTransaction, bool, error)
	Grant(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error)
	Adjust(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error)
	Refund(ctx context.Context, tenantID, jobID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error)
	Reconcile(ctx context.Context, tenantID uuid.UUID) (*ledger.Reconciliation, error)
}

// NewBalanceHandler returns the handler for GET /api/v1/balance.
func NewBalanceHandler(l Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		balance, err := l.Balance(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"tenant_id": tenantID, "balance": balance})
	}
}

// NewTransactionsHandler returns the handler for GET /api/v1/transactions.
func NewTransactionsHandler(l Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		page, limit := pageParams(r, 50, 1000)
		typ := models.TransactionType(r.URL.Query().Get("type"))
		if typ != "" && !typ.Valid() {
			response.Error(w, response.CodeInvalidRequest, "unknown transaction type", nil)
			return
		}
		entries, total, err := l.History(r.Context(), store.TransactionFilter{
			TenantID: tenantID,
			Type:     typ,
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Collection(w, entries, response.Page(page, limit, total, len(entries)))
	}
}

// NewTransactionSummaryHandler returns the handler for GET /api/v1/transactions/summary.
func NewTransactionSummaryHandler(l Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFrom(w, r)
		if !ok {
			return
		}
		totals, err := l.Summary(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, totals)
	}
}

type creditsRequest struct {
	// TenantID may only repeat the tenant the route already acts on.
	TenantID   *uuid.UUID `json:"tenant_id"`
	Type       string     `json:"type"`
	Amount     int64      `json:"amount"`
	Package    string     `json:"package"`
	PaymentRef string     `json:"payment_ref"`
	Reason     string     `json:"reason"`
}

// tenantScope resolves the tenant an admin request acts on, writing the error
// response itself when it refuses.
type tenantScope func(w http.ResponseWriter, r *http.Request, requested *uuid.UUID) (uuid.UUID, bool)

// callerTenant confines tenant API keys to their own ledger.
func callerTenant(w http.ResponseWriter, r *http.Request, requested *uuid.UUID) (uuid.UUID, bool) {
	caller, ok := tenantFrom(w, r)
	if !ok {
		return uuid.Nil, false
	}
	if requested != nil && *requested != caller {
		response.Error(w, response.CodeForbidden, "API keys may only act on their own tenant", nil)
		return uuid.Nil, false
	}
	return caller, true
}

// pathTenant takes the tenant from the route of an operator request.
func pathTenant(w http.ResponseWriter, r *http.Request, requested *uuid.UUID) (uuid.UUID, bool) {
	id, ok := pathID(w, r, "tenantID")
	if !ok {
		return uuid.Nil, false
	}
	if requested != nil && *requested != id {
		response.Error(w, response.CodeInvalidRequest, "tenant_id does not match the path", nil)
		return uuid.Nil, false
	}
	return id, true
}

// NewCreditsHandler returns the handler for POST /api/v1/admin/credits. Tenant keys
// may only record purchases against their own tenant.
func NewCreditsHandler(l Ledger) http.HandlerFunc {
	return creditsHandler(l, callerTenant, false)
}

// NewOperatorCreditsHandler returns the handler for
// POST /api/v1/operator/tenants/{tenantID}/credits. Type is one of purchase, bonus
// or adjustment.
func NewOperatorCreditsHandler(l Ledger) http.HandlerFunc {
	return creditsHandler(l, pathTenant, true)
}

func creditsHandler(l Ledger, scope tenantScope, operator bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req creditsRequest
		if !decode(w, r, &req) {
			return
		}
		tenantID, ok := scope(w, r, req.TenantID)
		if !ok {
			return
		}

		var (
			entry   *models.CreditTransaction
			existed bool
			err     error
		)
		switch typ := models.TransactionType(req.Type); typ {
		case models.TransactionPurchase:
			entry, existed, err = l.Purchase(r.Context(), tenantID, req.Package, req.PaymentRef)
		case models.TransactionBonus, models.TransactionAdjustment:
			if !operator {
				response.Error(w, response.CodeForbidden,
					string(typ)+" entries require operator access", nil)
				return
			}
			if typ == models.TransactionBonus {
				entry, err = l.Grant(r.Context(), tenantID, req.Amount, req.Reason)
			} else {
				entry, err = l.Adjust(r.Context(), tenantID, req.Amount, req.Reason)
			}
		default:
			response.Error(w, response.CodeInvalidRequest,
				"type must be one of purchase, bonus, adjustment", nil)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		if existed {
			response.JSON(w, entry)
			return
		}
		response.Created(w, entry)
	}
}

type refundRequest struct {
	JobID  uuid.UUID `json:"job_id"`
	Amount int64     `json:"amount"`
	Reason string    `json:"reason"`
}

// NewRefundHandler returns the handler for
// POST /api/v1/operator/tenants/{tenantID}/refunds.
func NewRefundHandler(l Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		if !decode(w, r, &req) {
			return
		}
		tenantID, ok := pathTenant(w, r, nil)
		if !ok {
			return
		}
		if req.JobID == uuid.Nil {
			response.Error(w, response.CodeInvalidRequest, "job_id is required", nil)
			return
		}
		entry, err := l.Refund(r.Context(), tenantID, req.JobID, req.Amount, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, entry)
	}
}

// NewReconcileHandler returns the handler for GET /api/v1/admin/reconcile.
func NewReconcileHandler(l Ledger) http.HandlerFunc {
	return reconcileHandler(l, callerTenant)
}

// NewOperatorReconcileHandler returns the handler for
// GET /api/v1/operator/tenants/{tenantID}/reconcile.
func NewOperatorReconcileHandler(l Ledger) http.HandlerFunc {
	return reconcileHandler(l, pathTenant)
}

func reconcileHandler(l Ledger, scope tenantScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var requested *uuid.UUID
		if raw := r.URL.Query().Get("tenant_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, response.CodeInvalidRequest, "tenant_id must be a UUID", nil)
				return
			}
			requested = &id
		}
		tenantID, ok := scope(w, r, requested)
		if !ok {
			return
		}
		rec, err := l.Reconcile(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, rec)
	}
}
