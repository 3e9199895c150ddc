package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

func newDisputeService(db *sql.DB) *DisputeService {
	logger := zap.NewNop()
	wallets := NewWalletService(db, logger)
	offers := NewOfferService(db, logger)
	chat := NewChatService(db, logger)
	orders := NewOrderService(db, wallets, offers, chat, NewNotifier(nil, logger), logger)
	return NewDisputeService(db, wallets, offers, chat, orders, NewNotifier(nil, logger), logger)
}

func TestDisputeService_OpenDispute(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newDisputeService(db)
	ctx := context.Background()
	future := time.Now().Add(20 * time.Minute)

	t.Run("participant freezes the order", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("PAID", future))

		mock.ExpectExec("INSERT INTO disputes").
			WithArgs(sqlmock.AnyArg(), "order1", "buyer", "seller", "open",
				"seller refuses to release", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE orders").
			WithArgs("DISPUTED", sqlmock.AnyArg(), "order1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		expectSystemMessage(mock)
		mock.ExpectCommit()

		dispute, err := service.OpenDispute(ctx, "order1", "buyer", "seller refuses to release")
		assert.NoError(t, err)
		assert.Equal(t, "buyer", dispute.InitiatedBy)
		assert.Equal(t, "seller", dispute.AgainstUserID)
		assert.Equal(t, models.DisputeStatusOpen, dispute.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stranger cannot dispute", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("PAID", future))
		mock.ExpectRollback()

		_, err := service.OpenDispute(ctx, "order1", "stranger", "scam")
		assert.ErrorIs(t, err, ErrNotParticipant)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal order cannot be disputed", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("RELEASED", future))
		mock.ExpectRollback()

		_, err := service.OpenDispute(ctx, "order1", "buyer", "too late")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("only one open dispute per order", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("DISPUTED", future))
		mock.ExpectRollback()

		_, err := service.OpenDispute(ctx, "order1", "seller", "counter claim")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDisputeService_AddEvidence(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newDisputeService(db)
	ctx := context.Background()

	disputeRow := func(status string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"initiated_by", "against_user_id", "status"}).
			AddRow("buyer", "seller", status)
	}

	t.Run("participant attaches evidence", func(t *testing.T) {
		mock.ExpectQuery("SELECT initiated_by, against_user_id, status FROM disputes").
			WithArgs("d1").
			WillReturnRows(disputeRow("open"))

		mock.ExpectExec("INSERT INTO dispute_evidence").
			WithArgs("d1", "seller", "image", "https://files.example/receipt.png",
				"bank receipt", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.AddEvidence(ctx, "d1", "seller", models.Evidence{
			Type:        "image",
			URL:         "https://files.example/receipt.png",
			Description: "bank receipt",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-participant is refused", func(t *testing.T) {
		mock.ExpectQuery("SELECT initiated_by, against_user_id, status FROM disputes").
			WithArgs("d1").
			WillReturnRows(disputeRow("open"))

		err := service.AddEvidence(ctx, "d1", "stranger", models.Evidence{Type: "text", Description: "hi"})
		assert.ErrorIs(t, err, ErrNotParticipant)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resolved dispute is closed to evidence", func(t *testing.T) {
		mock.ExpectQuery("SELECT initiated_by, against_user_id, status FROM disputes").
			WithArgs("d1").
			WillReturnRows(disputeRow("resolved-buyer"))

		err := service.AddEvidence(ctx, "d1", "buyer", models.Evidence{Type: "text", Description: "more"})
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown dispute", func(t *testing.T) {
		mock.ExpectQuery("SELECT initiated_by, against_user_id, status FROM disputes").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"initiated_by", "against_user_id", "status"}))

		err := service.AddEvidence(ctx, "ghost", "buyer", models.Evidence{Type: "text"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDisputeService_ResolveDispute(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newDisputeService(db)
	ctx := context.Background()
	future := time.Now().Add(20 * time.Minute)

	expectOpenDisputeLock := func() {
		mock.ExpectQuery("SELECT id FROM disputes").
			WithArgs("order1", "open").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("d1"))
	}

	t.Run("buyer resolution transfers the escrow", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("DISPUTED", future))
		expectOpenDisputeLock()

		mock.ExpectQuery("SELECT id, user_id, type, amount").
			WithArgs("release-order1", "seller").
			WillReturnRows(transactionColumns())
		expectLockWallet(mock, "buyer", "0", "0", 1)
		expectLockWallet(mock, "seller", "10", "5", 4)
		mock.ExpectExec("UPDATE wallets").
			WithArgs("5", "0", "0", "0", sqlmock.AnyArg(), "seller", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE wallets").
			WithArgs("5", "0", "0", "0", sqlmock.AnyArg(), "buyer", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO wallet_transactions").
			WithArgs("seller", "TRANSFER", "-5", "10", "5", "release-order1", "order1", "buyer", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
		mock.ExpectQuery("INSERT INTO wallet_transactions").
			WithArgs("buyer", "TRANSFER", "5", "0", "5", "release-order1", "order1", "seller", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))

		mock.ExpectExec("UPDATE orders").
			WithArgs("RESOLVED_BUYER", sqlmock.AnyArg(), "order1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE disputes").
			WithArgs("resolved-buyer", "arbiter1", "payment proof verified", sqlmock.AnyArg(), "d1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		expectSystemMessage(mock)
		mock.ExpectCommit()

		err := service.ResolveDispute(ctx, "order1", "arbiter1", models.ResolutionBuyer, "payment proof verified")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("seller resolution unlocks escrow and restores the offer", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("DISPUTED", future))
		expectOpenDisputeLock()

		mock.ExpectQuery("SELECT id, user_id, type, amount").
			WithArgs("unlock-order1", "seller").
			WillReturnRows(transactionColumns())
		expectLockWallet(mock, "seller", "10", "5", 4)
		mock.ExpectExec("UPDATE wallets").
			WithArgs("10", "0", "0", "0", sqlmock.AnyArg(), "seller", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO wallet_transactions").
			WithArgs("seller", "UNLOCK", "5", "10", "10", "unlock-order1", "order1", "", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

		mock.ExpectExec("UPDATE offers").
			WithArgs("5", sqlmock.AnyArg(), "offer1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE orders").
			WithArgs("RESOLVED_SELLER", sqlmock.AnyArg(), "order1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("UPDATE disputes").
			WithArgs("resolved-seller", "arbiter1", "no payment was made", sqlmock.AnyArg(), "d1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		expectSystemMessage(mock)
		mock.ExpectCommit()

		err := service.ResolveDispute(ctx, "order1", "arbiter1", models.ResolutionSeller, "no payment was made")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown resolution is rejected", func(t *testing.T) {
		err := service.ResolveDispute(ctx, "order1", "arbiter1", "split", "half each")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("order must be disputed", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("PAID", future))
		mock.ExpectRollback()

		err := service.ResolveDispute(ctx, "order1", "arbiter1", models.ResolutionBuyer, "done")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing open dispute", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockOrder(mock, orderRow("DISPUTED", future))
		mock.ExpectQuery("SELECT id FROM disputes").
			WithArgs("order1", "open").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		err := service.ResolveDispute(ctx, "order1", "arbiter1", models.ResolutionBuyer, "done")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
