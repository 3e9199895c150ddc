package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

func validOfferParams() CreateOfferParams {
	return CreateOfferParams{
		UserID:            "seller",
		OfferType:         models.OfferTypeSell,
		Asset:             "BTC",
		FiatCurrency:      "NGN",
		PriceType:         models.PriceTypeFixed,
		Price:             decimal.NewFromInt(100),
		MinLimit:          decimal.NewFromInt(100),
		MaxLimit:          decimal.NewFromInt(1000),
		AvailableAmount:   decimal.NewFromInt(2000),
		PaymentMethods:    []string{"bank_transfer"},
		PaymentTimeWindow: 30,
	}
}

func TestOfferService_CreateOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOfferService(db, zap.NewNop())
	ctx := context.Background()

	t.Run("successful create", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO offers").
			WithArgs(sqlmock.AnyArg(), "seller", "sell", "BTC", "NGN", "fixed",
				"100", "100", "1000", "2000", sqlmock.AnyArg(), 30,
				"", "", "active", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		offer, err := service.CreateOffer(ctx, validOfferParams())
		assert.NoError(t, err)
		assert.NotEmpty(t, offer.ID)
		assert.Equal(t, models.OfferStatusActive, offer.Status)
		assert.Equal(t, 1, offer.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("price must be positive", func(t *testing.T) {
		params := validOfferParams()
		params.Price = decimal.Zero

		_, err := service.CreateOffer(ctx, params)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("min limit may not exceed max limit", func(t *testing.T) {
		params := validOfferParams()
		params.MinLimit = decimal.NewFromInt(5000)

		_, err := service.CreateOffer(ctx, params)
		assert.ErrorIs(t, err, ErrLimitViolation)
	})

	t.Run("max limit may not exceed available amount", func(t *testing.T) {
		params := validOfferParams()
		params.MaxLimit = decimal.NewFromInt(5000)

		_, err := service.CreateOffer(ctx, params)
		assert.ErrorIs(t, err, ErrLimitViolation)
	})

	t.Run("at least one payment method", func(t *testing.T) {
		params := validOfferParams()
		params.PaymentMethods = nil

		_, err := service.CreateOffer(ctx, params)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("payment window must be positive", func(t *testing.T) {
		params := validOfferParams()
		params.PaymentTimeWindow = 0

		_, err := service.CreateOffer(ctx, params)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestOfferService_UpdateOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOfferService(db, zap.NewNop())
	ctx := context.Background()

	t.Run("owner edits the price", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("active"))

		mock.ExpectExec("UPDATE offers").
			WithArgs("120", "100", "1000", "20", sqlmock.AnyArg(), 30, "", "",
				sqlmock.AnyArg(), "offer1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		price := decimal.NewFromInt(120)
		offer, err := service.UpdateOffer(ctx, "offer1", "seller", UpdateOfferParams{Price: &price})
		assert.NoError(t, err)
		assert.Equal(t, "120", offer.Price.String())
		assert.Equal(t, 3, offer.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("only the owner may edit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("active"))
		mock.ExpectRollback()

		price := decimal.NewFromInt(120)
		_, err := service.UpdateOffer(ctx, "offer1", "intruder", UpdateOfferParams{Price: &price})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("merged limits are re-validated", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("active"))
		mock.ExpectRollback()

		// min 5000 against the stored max 1000
		min := decimal.NewFromInt(5000)
		_, err := service.UpdateOffer(ctx, "offer1", "seller", UpdateOfferParams{MinLimit: &min})
		assert.ErrorIs(t, err, ErrLimitViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOfferService_ToggleOfferStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOfferService(db, zap.NewNop())
	ctx := context.Background()

	t.Run("active pauses", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("active"))
		mock.ExpectExec("UPDATE offers").
			WithArgs("paused", sqlmock.AnyArg(), "offer1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := service.ToggleOfferStatus(ctx, "offer1", "seller")
		assert.NoError(t, err)
		assert.Equal(t, models.OfferStatusPaused, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("paused reactivates", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("paused"))
		mock.ExpectExec("UPDATE offers").
			WithArgs("active", sqlmock.AnyArg(), "offer1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		status, err := service.ToggleOfferStatus(ctx, "offer1", "seller")
		assert.NoError(t, err)
		assert.Equal(t, models.OfferStatusActive, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deleted offer cannot toggle", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("deleted"))
		mock.ExpectRollback()

		_, err := service.ToggleOfferStatus(ctx, "offer1", "seller")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOfferService_DeleteOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOfferService(db, zap.NewNop())
	ctx := context.Background()

	t.Run("soft delete with no open orders", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("active"))
		mock.ExpectQuery("SELECT COUNT").
			WithArgs("offer1", "AWAITING_PAYMENT", "PAID", "DISPUTED").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("UPDATE offers").
			WithArgs("deleted", sqlmock.AnyArg(), "offer1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, service.DeleteOffer(ctx, "offer1", "seller"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("open orders block deletion", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("offer1").
			WillReturnRows(sellOfferRow("active"))
		mock.ExpectQuery("SELECT COUNT").
			WithArgs("offer1", "AWAITING_PAYMENT", "PAID", "DISPUTED").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectRollback()

		err := service.DeleteOffer(ctx, "offer1", "seller")
		assert.ErrorIs(t, err, ErrOfferHasOpenOrders)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOfferService_ReserveTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOfferService(db, zap.NewNop())
	now := time.Now()

	offer := &models.Offer{
		ID:              "offer1",
		UserID:          "seller",
		Status:          models.OfferStatusActive,
		AvailableAmount: decimal.NewFromInt(20),
		Version:         2,
		CreatedAt:       now,
	}

	t.Run("reservation decrements liquidity", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		mock.ExpectExec("UPDATE offers").
			WithArgs("5", sqlmock.AnyArg(), "offer1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.ReserveTx(tx, offer, decimal.NewFromInt(5)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount beyond liquidity", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		err = service.ReserveTx(tx, offer, decimal.NewFromInt(50))
		assert.ErrorIs(t, err, ErrLimitViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version is a concurrent modification", func(t *testing.T) {
		mock.ExpectBegin()
		tx, err := db.Begin()
		assert.NoError(t, err)

		mock.ExpectExec("UPDATE offers").
			WithArgs("5", sqlmock.AnyArg(), "offer1", 2).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err = service.ReserveTx(tx, offer, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOfferService_SearchOffers(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewOfferService(db, zap.NewNop())
	ctx := context.Background()

	t.Run("filters and clamped limit", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("sell", "BTC", "NGN", sqlmock.AnyArg(), nil, nil, 50).
			WillReturnRows(sellOfferRow("active"))

		offers, err := service.SearchOffers(ctx, SearchOffersParams{
			OfferType:    models.OfferTypeSell,
			Asset:        "BTC",
			FiatCurrency: "NGN",
		})
		assert.NoError(t, err)
		assert.Len(t, offers, 1)
		assert.Equal(t, "offer1", offers[0].ID)
		assert.True(t, offers[0].HasPaymentMethod("bank_transfer"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty result", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, offer_type, asset").
			WithArgs("", "", "", sqlmock.AnyArg(), nil, nil, 50).
			WillReturnRows(offerColumns())

		offers, err := service.SearchOffers(ctx, SearchOffersParams{})
		assert.NoError(t, err)
		assert.Empty(t, offers)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
