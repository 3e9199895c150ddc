package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a user's asset balance. The invariant maintained by every
// ledger operation is balance == locked_balance + available balance, with
// all parts non-negative.
type Wallet struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	LockedBalance  decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	Version        int             `json:"-" db:"version"` // for optimistic locking
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// AvailableBalance is the spendable portion of the wallet.
func (w *Wallet) AvailableBalance() decimal.Decimal {
	return w.Balance.Sub(w.LockedBalance)
}

// Wallet transaction types.
const (
	TxTypeDeposit    = "DEPOSIT"
	TxTypeWithdrawal = "WITHDRAWAL"
	TxTypeLock       = "LOCK"
	TxTypeUnlock     = "UNLOCK"
	TxTypeTransfer   = "TRANSFER"
)

// WalletTransaction is an immutable record of a single balance mutation.
// Rows are only ever inserted, never updated or deleted.
type WalletTransaction struct {
	ID            int64           `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Type          string          `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	OperationID   string          `json:"operation_id,omitempty" db:"operation_id"`
	OrderID       string          `json:"order_id,omitempty" db:"order_id"`
	CounterpartID string          `json:"counterpart_id,omitempty" db:"counterpart_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
