package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

// WalletService is the wallet ledger. Every mutation is atomic (a single
// SQL transaction over row locks taken in consistent order), idempotent on
// its operation id, and emits immutable wallet_transactions rows.
//
// The Tx-suffixed variants run inside a caller-owned transaction so the
// order engine can combine a balance mutation with its own state change.
type WalletService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWalletService(db *sql.DB, logger *zap.Logger) *WalletService {
	return &WalletService{db: db, logger: logger}
}

// Deposit credits amount to the user's available balance.
func (s *WalletService) Deposit(ctx context.Context, userID string, amount decimal.Decimal, operationID string) (*models.WalletTransaction, error) {
	var rec *models.WalletTransaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.DepositTx(tx, userID, amount, operationID)
		return err
	})
	return rec, err
}

func (s *WalletService) DepositTx(tx *sql.Tx, userID string, amount decimal.Decimal, operationID string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if prior, err := s.findOperation(tx, operationID, userID); err != nil || prior != nil {
		return prior, err
	}

	wallet, err := s.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	newBalance := wallet.Balance.Add(amount)
	if err := s.updateWallet(tx, wallet, newBalance, wallet.LockedBalance, amount, decimal.Zero); err != nil {
		return nil, err
	}

	return s.recordTransaction(tx, &models.WalletTransaction{
		UserID:        userID,
		Type:          models.TxTypeDeposit,
		Amount:        amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  newBalance,
		OperationID:   operationID,
	})
}

// Withdraw debits amount from the user's available balance. The locked
// portion is never touched by a withdrawal.
func (s *WalletService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, operationID string) (*models.WalletTransaction, error) {
	var rec *models.WalletTransaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.WithdrawTx(tx, userID, amount, operationID)
		return err
	})
	return rec, err
}

func (s *WalletService) WithdrawTx(tx *sql.Tx, userID string, amount decimal.Decimal, operationID string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if prior, err := s.findOperation(tx, operationID, userID); err != nil || prior != nil {
		return prior, err
	}

	wallet, err := s.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	if amount.GreaterThan(wallet.AvailableBalance()) {
		return nil, ErrInsufficientFunds
	}

	newBalance := wallet.Balance.Sub(amount)
	if err := s.updateWallet(tx, wallet, newBalance, wallet.LockedBalance, decimal.Zero, amount); err != nil {
		return nil, err
	}

	return s.recordTransaction(tx, &models.WalletTransaction{
		UserID:        userID,
		Type:          models.TxTypeWithdrawal,
		Amount:        amount.Neg(),
		BalanceBefore: wallet.Balance,
		BalanceAfter:  newBalance,
		OperationID:   operationID,
	})
}

// Lock moves amount from the user's available balance into escrow.
func (s *WalletService) Lock(ctx context.Context, userID string, amount decimal.Decimal, operationID, orderID string) (*models.WalletTransaction, error) {
	var rec *models.WalletTransaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.LockTx(tx, userID, amount, operationID, orderID)
		return err
	})
	return rec, err
}

func (s *WalletService) LockTx(tx *sql.Tx, userID string, amount decimal.Decimal, operationID, orderID string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if prior, err := s.findOperation(tx, operationID, userID); err != nil || prior != nil {
		return prior, err
	}

	wallet, err := s.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	if amount.GreaterThan(wallet.AvailableBalance()) {
		return nil, ErrInsufficientFunds
	}

	newLocked := wallet.LockedBalance.Add(amount)
	if err := s.updateWallet(tx, wallet, wallet.Balance, newLocked, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}

	return s.recordTransaction(tx, &models.WalletTransaction{
		UserID:        userID,
		Type:          models.TxTypeLock,
		Amount:        amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance,
		OperationID:   operationID,
		OrderID:       orderID,
	})
}

// Unlock reverses a lock, returning amount to the available balance.
func (s *WalletService) Unlock(ctx context.Context, userID string, amount decimal.Decimal, operationID, orderID string) (*models.WalletTransaction, error) {
	var rec *models.WalletTransaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.UnlockTx(tx, userID, amount, operationID, orderID)
		return err
	})
	return rec, err
}

func (s *WalletService) UnlockTx(tx *sql.Tx, userID string, amount decimal.Decimal, operationID, orderID string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if prior, err := s.findOperation(tx, operationID, userID); err != nil || prior != nil {
		return prior, err
	}

	wallet, err := s.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	if amount.GreaterThan(wallet.LockedBalance) {
		return nil, fmt.Errorf("%w: unlock exceeds locked balance", ErrInvalidState)
	}

	newLocked := wallet.LockedBalance.Sub(amount)
	if err := s.updateWallet(tx, wallet, wallet.Balance, newLocked, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}

	return s.recordTransaction(tx, &models.WalletTransaction{
		UserID:        userID,
		Type:          models.TxTypeUnlock,
		Amount:        amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  wallet.Balance,
		OperationID:   operationID,
		OrderID:       orderID,
	})
}

// TransferFromLock is the release primitive: it debits the sender's locked
// balance and credits the receiver's available balance in one transaction.
func (s *WalletService) TransferFromLock(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal, operationID, orderID string) (*models.WalletTransaction, error) {
	var rec *models.WalletTransaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.TransferFromLockTx(tx, fromUserID, toUserID, amount, operationID, orderID)
		return err
	})
	return rec, err
}

func (s *WalletService) TransferFromLockTx(tx *sql.Tx, fromUserID, toUserID string, amount decimal.Decimal, operationID, orderID string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if fromUserID == toUserID {
		return nil, fmt.Errorf("%w: transfer to self", ErrInvalidState)
	}

	if prior, err := s.findOperation(tx, operationID, fromUserID); err != nil || prior != nil {
		return prior, err
	}

	// Lock wallets in consistent order to prevent deadlocks.
	firstLock, secondLock := fromUserID, toUserID
	if fromUserID > toUserID {
		firstLock, secondLock = toUserID, fromUserID
	}

	first, err := s.lockWallet(tx, firstLock)
	if err != nil {
		return nil, err
	}
	second, err := s.lockWallet(tx, secondLock)
	if err != nil {
		return nil, err
	}

	from, to := first, second
	if firstLock != fromUserID {
		from, to = second, first
	}

	if amount.GreaterThan(from.LockedBalance) {
		return nil, fmt.Errorf("%w: transfer exceeds locked balance", ErrInvalidState)
	}

	fromBalance := from.Balance.Sub(amount)
	fromLocked := from.LockedBalance.Sub(amount)
	toBalance := to.Balance.Add(amount)

	if err := s.updateWallet(tx, from, fromBalance, fromLocked, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}
	if err := s.updateWallet(tx, to, toBalance, to.LockedBalance, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}

	debit, err := s.recordTransaction(tx, &models.WalletTransaction{
		UserID:        fromUserID,
		Type:          models.TxTypeTransfer,
		Amount:        amount.Neg(),
		BalanceBefore: from.Balance,
		BalanceAfter:  fromBalance,
		OperationID:   operationID,
		OrderID:       orderID,
		CounterpartID: toUserID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.recordTransaction(tx, &models.WalletTransaction{
		UserID:        toUserID,
		Type:          models.TxTypeTransfer,
		Amount:        amount,
		BalanceBefore: to.Balance,
		BalanceAfter:  toBalance,
		OperationID:   operationID,
		OrderID:       orderID,
		CounterpartID: fromUserID,
	}); err != nil {
		return nil, err
	}

	return debit, nil
}

// GetWallet returns the user's wallet, creating an empty one on first use.
func (s *WalletService) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet := &models.Wallet{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, locked_balance, total_deposited, total_withdrawn, version, created_at, updated_at
		FROM wallets
		WHERE user_id = $1`, userID).
		Scan(&wallet.Balance, &wallet.LockedBalance, &wallet.TotalDeposited,
			&wallet.TotalWithdrawn, &wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now()
		wallet.CreatedAt, wallet.UpdatedAt = now, now
		return wallet, nil
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// GetTransactionHistory returns the user's ledger rows, newest first.
// txType narrows the result to one transaction type when non-empty.
func (s *WalletService) GetTransactionHistory(ctx context.Context, userID string, limit int, txType string) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       operation_id, COALESCE(order_id, ''), COALESCE(counterpart_id, ''), created_at
		FROM wallet_transactions
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, userID, txType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.WalletTransaction{}
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.OperationID, &t.OrderID, &t.CounterpartID, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (s *WalletService) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// findOperation returns the transaction previously recorded under the same
// operation id, so replays short-circuit without re-applying.
func (s *WalletService) findOperation(tx *sql.Tx, operationID, userID string) (*models.WalletTransaction, error) {
	if operationID == "" {
		return nil, errors.New("operation id required")
	}

	var t models.WalletTransaction
	err := tx.QueryRow(`
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       operation_id, COALESCE(order_id, ''), COALESCE(counterpart_id, ''), created_at
		FROM wallet_transactions
		WHERE operation_id = $1 AND user_id = $2
		LIMIT 1`, operationID, userID).
		Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.OperationID, &t.OrderID, &t.CounterpartID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("replayed wallet operation",
		zap.String("operation_id", operationID),
		zap.String("user_id", userID),
		zap.String("type", t.Type))
	return &t, nil
}

// lockWallet takes the row lock for a wallet, creating it first if the user
// has never held a balance.
func (s *WalletService) lockWallet(tx *sql.Tx, userID string) (*models.Wallet, error) {
	if _, err := tx.Exec(`
		INSERT INTO wallets (user_id, balance, locked_balance, total_deposited, total_withdrawn, version, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, 1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, time.Now()); err != nil {
		return nil, err
	}

	wallet := &models.Wallet{UserID: userID}
	err := tx.QueryRow(`
		SELECT balance, locked_balance, total_deposited, total_withdrawn, version, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&wallet.Balance, &wallet.LockedBalance, &wallet.TotalDeposited,
			&wallet.TotalWithdrawn, &wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *WalletService) updateWallet(tx *sql.Tx, wallet *models.Wallet, balance, locked, deltaDeposited, deltaWithdrawn decimal.Decimal) error {
	if balance.IsNegative() || locked.IsNegative() || locked.GreaterThan(balance) {
		return fmt.Errorf("%w: wallet balance invariant violated", ErrInvalidState)
	}

	result, err := tx.Exec(`
		UPDATE wallets
		SET balance = $1, locked_balance = $2,
		    total_deposited = total_deposited + $3,
		    total_withdrawn = total_withdrawn + $4,
		    version = version + 1, updated_at = $5
		WHERE user_id = $6 AND version = $7`,
		balance, locked, deltaDeposited, deltaWithdrawn, time.Now(), wallet.UserID, wallet.Version)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: wallet %s", ErrConcurrentModification, wallet.UserID)
	}
	return nil
}

func (s *WalletService) recordTransaction(tx *sql.Tx, t *models.WalletTransaction) (*models.WalletTransaction, error) {
	t.CreatedAt = time.Now()
	err := tx.QueryRow(`
		INSERT INTO wallet_transactions (user_id, type, amount, balance_before, balance_after, operation_id, order_id, counterpart_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id`,
		t.UserID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.OperationID, t.OrderID, t.CounterpartID, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}
