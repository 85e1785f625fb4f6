package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionUsage      TransactionType = "usage"
	TransactionRefund     TransactionType = "refund"
	TransactionBonus      TransactionType = "bonus"
	TransactionAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionUsage, TransactionRefund, TransactionBonus, TransactionAdjustment:
		return true
	}
	return false
}

const (
	ReferenceJob     = "job"
	ReferencePayment = "payment"
	ReferenceAdmin   = "admin"
)

// CreditTransaction is one immutable ledger entry. Amount is signed; BalanceAfter is the
// tenant's balance once this entry is applied.
type CreditTransaction struct {
	ID            uuid.UUID        `db:"id"             json:"id"`
	TenantID      uuid.UUID        `db:"tenant_id"      json:"tenant_id"`
	Sequence      int64            `db:"sequence"       json:"sequence"`
	Type          TransactionType  `db:"type"           json:"type"`
	Amount        int64            `db:"amount"         json:"amount"`
	BalanceAfter  int64            `db:"balance_after"  json:"balance_after"`
	ReferenceID   *uuid.UUID       `db:"reference_id"   json:"reference_id,omitempty"`
	ReferenceType *string          `db:"reference_type" json:"reference_type,omitempty"`
	ExternalRef   *string          `db:"external_ref"   json:"external_ref,omitempty"`
	Description   string           `db:"description"    json:"description"`
	USDAmount     *decimal.Decimal `db:"usd_amount"     json:"usd_amount,omitempty"`
	USDPerCredit  *decimal.Decimal `db:"usd_per_credit" json:"usd_per_credit,omitempty"`
	Metadata      map[string]any   `db:"metadata"       json:"metadata,omitempty"`
	CreatedAt     time.Time        `db:"created_at"     json:"created_at"`
}

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	Key      string          `json:"key"`
	Credits  int64           `json:"credits"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

// PerCredit returns the unit price of the package.
func (p CreditPackage) PerCredit() decimal.Decimal {
	if p.Credits == 0 {
		return decimal.Zero
	}
	return p.PriceUSD.Div(decimal.NewFromInt(p.Credits))
}

// LedgerTotals aggregates a tenant's ledger for reporting and reconciliation.
type LedgerTotals struct {
	TenantID     uuid.UUID                 `json:"tenant_id"`
	Count        int64                     `json:"count"`
	Sum          int64                     `json:"sum"`
	LastSequence int64                     `json:"last_sequence"`
	Balance      int64                     `json:"balance"`
	ByType       map[TransactionType]int64 `json:"by_type"`
	USDPurchased decimal.Decimal           `json:"usd_purchased"`
}
