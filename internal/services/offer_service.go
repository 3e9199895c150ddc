package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

// OfferService owns the offer lifecycle and the available-amount
// bookkeeping the order engine reserves against.
type OfferService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOfferService(db *sql.DB, logger *zap.Logger) *OfferService {
	return &OfferService{db: db, logger: logger}
}

// CreateOfferParams carries validated input for a new offer.
type CreateOfferParams struct {
	UserID            string
	OfferType         string
	Asset             string
	FiatCurrency      string
	PriceType         string
	Price             decimal.Decimal
	MinLimit          decimal.Decimal
	MaxLimit          decimal.Decimal
	AvailableAmount   decimal.Decimal
	PaymentMethods    []string
	PaymentTimeWindow int
	Terms             string
	AutoReply         string
}

// CreateOffer persists a new active offer after enforcing the limit
// ordering minLimit <= maxLimit <= availableAmount.
func (s *OfferService) CreateOffer(ctx context.Context, params CreateOfferParams) (*models.Offer, error) {
	if !params.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
	}
	if !params.MinLimit.IsPositive() || params.MinLimit.GreaterThan(params.MaxLimit) {
		return nil, fmt.Errorf("%w: min limit must be positive and not exceed max limit", ErrLimitViolation)
	}
	if params.MaxLimit.GreaterThan(params.AvailableAmount) {
		return nil, fmt.Errorf("%w: max limit exceeds available amount", ErrLimitViolation)
	}
	if len(params.PaymentMethods) == 0 {
		return nil, fmt.Errorf("%w: at least one payment method required", ErrInvalidAmount)
	}
	if params.PaymentTimeWindow <= 0 {
		return nil, fmt.Errorf("%w: payment time window must be positive", ErrInvalidAmount)
	}

	now := time.Now()
	offer := &models.Offer{
		ID:                uuid.NewString(),
		UserID:            params.UserID,
		OfferType:         params.OfferType,
		Asset:             params.Asset,
		FiatCurrency:      params.FiatCurrency,
		PriceType:         params.PriceType,
		Price:             params.Price,
		MinLimit:          params.MinLimit,
		MaxLimit:          params.MaxLimit,
		AvailableAmount:   params.AvailableAmount,
		PaymentMethods:    pq.StringArray(params.PaymentMethods),
		PaymentTimeWindow: params.PaymentTimeWindow,
		Terms:             params.Terms,
		AutoReply:         params.AutoReply,
		Status:            models.OfferStatusActive,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastActiveAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, user_id, offer_type, asset, fiat_currency, price_type, price,
		                    min_limit, max_limit, available_amount, payment_methods, payment_time_window,
		                    terms, auto_reply, status, completed_orders, total_orders, rating, version,
		                    created_at, updated_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, 0, 0, 1, $16, $16, $16)`,
		offer.ID, offer.UserID, offer.OfferType, offer.Asset, offer.FiatCurrency, offer.PriceType,
		offer.Price, offer.MinLimit, offer.MaxLimit, offer.AvailableAmount,
		pq.Array(offer.PaymentMethods), offer.PaymentTimeWindow, offer.Terms, offer.AutoReply,
		offer.Status, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("offer created",
		zap.String("offer_id", offer.ID),
		zap.String("user_id", offer.UserID),
		zap.String("offer_type", offer.OfferType),
		zap.String("asset", offer.Asset))
	return offer, nil
}

// GetOffer loads a single offer.
func (s *OfferService) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	return s.scanOffer(s.db.QueryRowContext(ctx, selectOffer+` WHERE id = $1`, offerID))
}

// UpdateOfferParams carries owner-editable fields. Nil pointers leave the
// stored value untouched.
type UpdateOfferParams struct {
	Price             *decimal.Decimal
	MinLimit          *decimal.Decimal
	MaxLimit          *decimal.Decimal
	AvailableAmount   *decimal.Decimal
	PaymentMethods    []string
	PaymentTimeWindow *int
	Terms             *string
	AutoReply         *string
}

// UpdateOffer applies owner edits, re-validating the limit ordering against
// the merged result.
func (s *OfferService) UpdateOffer(ctx context.Context, offerID, userID string, params UpdateOfferParams) (*models.Offer, error) {
	var updated *models.Offer
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		offer, err := s.lockOffer(tx, offerID)
		if err != nil {
			return err
		}
		if offer.UserID != userID {
			return ErrUnauthorized
		}
		if offer.Status == models.OfferStatusDeleted {
			return fmt.Errorf("%w: offer deleted", ErrOfferUnavailable)
		}

		if params.Price != nil {
			offer.Price = *params.Price
		}
		if params.MinLimit != nil {
			offer.MinLimit = *params.MinLimit
		}
		if params.MaxLimit != nil {
			offer.MaxLimit = *params.MaxLimit
		}
		if params.AvailableAmount != nil {
			offer.AvailableAmount = *params.AvailableAmount
		}
		if params.PaymentMethods != nil {
			offer.PaymentMethods = pq.StringArray(params.PaymentMethods)
		}
		if params.PaymentTimeWindow != nil {
			offer.PaymentTimeWindow = *params.PaymentTimeWindow
		}
		if params.Terms != nil {
			offer.Terms = *params.Terms
		}
		if params.AutoReply != nil {
			offer.AutoReply = *params.AutoReply
		}

		if !offer.Price.IsPositive() || offer.PaymentTimeWindow <= 0 || len(offer.PaymentMethods) == 0 {
			return ErrInvalidAmount
		}
		if offer.MinLimit.GreaterThan(offer.MaxLimit) || offer.AvailableAmount.IsNegative() {
			return ErrLimitViolation
		}

		result, err := tx.Exec(`
			UPDATE offers
			SET price = $1, min_limit = $2, max_limit = $3, available_amount = $4,
			    payment_methods = $5, payment_time_window = $6, terms = $7, auto_reply = $8,
			    version = version + 1, updated_at = $9
			WHERE id = $10 AND version = $11`,
			offer.Price, offer.MinLimit, offer.MaxLimit, offer.AvailableAmount,
			pq.Array([]string(offer.PaymentMethods)), offer.PaymentTimeWindow, offer.Terms,
			offer.AutoReply, time.Now(), offer.ID, offer.Version)
		if err != nil {
			return err
		}
		if err := requireAffected(result, offerID); err != nil {
			return err
		}

		updated = offer
		updated.Version++
		return tx.Commit()
	})
	return updated, err
}

// ToggleOfferStatus flips an owner's offer between active and paused.
func (s *OfferService) ToggleOfferStatus(ctx context.Context, offerID, userID string) (string, error) {
	var newStatus string
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		offer, err := s.lockOffer(tx, offerID)
		if err != nil {
			return err
		}
		if offer.UserID != userID {
			return ErrUnauthorized
		}

		switch offer.Status {
		case models.OfferStatusActive:
			newStatus = models.OfferStatusPaused
		case models.OfferStatusPaused:
			newStatus = models.OfferStatusActive
		default:
			return fmt.Errorf("%w: offer deleted", ErrInvalidState)
		}

		result, err := tx.Exec(`
			UPDATE offers
			SET status = $1, version = version + 1, updated_at = $2,
			    last_active_at = CASE WHEN $1 = 'active' THEN $2 ELSE last_active_at END
			WHERE id = $3 AND version = $4`,
			newStatus, time.Now(), offer.ID, offer.Version)
		if err != nil {
			return err
		}
		if err := requireAffected(result, offerID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		s.logger.Info("offer status toggled", zap.String("offer_id", offerID), zap.String("status", newStatus))
	}
	return newStatus, err
}

// DeleteOffer soft-deletes an offer. Deletion is refused while any order
// against the offer is still in a non-terminal state.
func (s *OfferService) DeleteOffer(ctx context.Context, offerID, userID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		offer, err := s.lockOffer(tx, offerID)
		if err != nil {
			return err
		}
		if offer.UserID != userID {
			return ErrUnauthorized
		}

		var open int
		err = tx.QueryRow(`
			SELECT COUNT(*) FROM orders
			WHERE offer_id = $1 AND status IN ($2, $3, $4)`,
			offerID, models.OrderStatusAwaitingPayment, models.OrderStatusPaid, models.OrderStatusDisputed).
			Scan(&open)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: %d open orders", ErrOfferHasOpenOrders, open)
		}

		result, err := tx.Exec(`
			UPDATE offers
			SET status = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4`,
			models.OfferStatusDeleted, time.Now(), offer.ID, offer.Version)
		if err != nil {
			return err
		}
		if err := requireAffected(result, offerID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SearchOffersParams filters the marketplace listing.
type SearchOffersParams struct {
	OfferType      string
	Asset          string
	FiatCurrency   string
	PaymentMethods []string
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	Limit          int
}

// SearchOffers lists active offers, most recently active first.
func (s *OfferService) SearchOffers(ctx context.Context, params SearchOffersParams) ([]models.Offer, error) {
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 50
	}

	rows, err := s.db.QueryContext(ctx, selectOffer+`
		WHERE status = 'active'
		  AND ($1 = '' OR offer_type = $1)
		  AND ($2 = '' OR asset = $2)
		  AND ($3 = '' OR fiat_currency = $3)
		  AND (cardinality($4::text[]) = 0 OR payment_methods && $4)
		  AND ($5::numeric IS NULL OR max_limit >= $5)
		  AND ($6::numeric IS NULL OR min_limit <= $6)
		ORDER BY last_active_at DESC
		LIMIT $7`,
		params.OfferType, params.Asset, params.FiatCurrency,
		pq.Array(params.PaymentMethods), nullDecimal(params.MinAmount), nullDecimal(params.MaxAmount),
		params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectOffers(rows)
}

// GetUserOffers lists one owner's offers, optionally filtered by status.
func (s *OfferService) GetUserOffers(ctx context.Context, userID, status string) ([]models.Offer, error) {
	rows, err := s.db.QueryContext(ctx, selectOffer+`
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`, userID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectOffers(rows)
}

// ReserveTx decrements an offer's available amount inside the caller's
// transaction. Called by the order engine together with the escrow lock.
func (s *OfferService) ReserveTx(tx *sql.Tx, offer *models.Offer, cryptoAmount decimal.Decimal) error {
	if offer.Status != models.OfferStatusActive {
		return fmt.Errorf("%w: offer is %s", ErrOfferUnavailable, offer.Status)
	}
	if cryptoAmount.GreaterThan(offer.AvailableAmount) {
		return fmt.Errorf("%w: amount exceeds remaining offer liquidity", ErrLimitViolation)
	}

	result, err := tx.Exec(`
		UPDATE offers
		SET available_amount = available_amount - $1, total_orders = total_orders + 1,
		    version = version + 1, updated_at = $2, last_active_at = $2
		WHERE id = $3 AND version = $4 AND available_amount >= $1`,
		cryptoAmount, time.Now(), offer.ID, offer.Version)
	if err != nil {
		return err
	}
	return requireAffected(result, offer.ID)
}

// ReleaseReservationTx restores an offer's available amount after an order
// is cancelled or resolved in the seller's favor.
func (s *OfferService) ReleaseReservationTx(tx *sql.Tx, offerID string, cryptoAmount decimal.Decimal) error {
	_, err := tx.Exec(`
		UPDATE offers
		SET available_amount = available_amount + $1, version = version + 1, updated_at = $2
		WHERE id = $3`,
		cryptoAmount, time.Now(), offerID)
	return err
}

// RecordCompletionTx bumps the completion counter and recomputes the
// completion-ratio rating after a released order.
func (s *OfferService) RecordCompletionTx(tx *sql.Tx, offerID string) error {
	_, err := tx.Exec(`
		UPDATE offers
		SET completed_orders = completed_orders + 1,
		    rating = (completed_orders + 1.0) / GREATEST(total_orders, 1) * 5,
		    version = version + 1, updated_at = $1, last_active_at = $1
		WHERE id = $2`,
		time.Now(), offerID)
	return err
}

// LockOfferTx loads an offer under FOR UPDATE for the order engine.
func (s *OfferService) LockOfferTx(tx *sql.Tx, offerID string) (*models.Offer, error) {
	return s.lockOffer(tx, offerID)
}

const selectOffer = `
	SELECT id, user_id, offer_type, asset, fiat_currency, price_type, price,
	       min_limit, max_limit, available_amount, payment_methods, payment_time_window,
	       COALESCE(terms, ''), COALESCE(auto_reply, ''), status, completed_orders,
	       total_orders, rating, version, created_at, updated_at, last_active_at
	FROM offers`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *OfferService) scanOffer(row rowScanner) (*models.Offer, error) {
	var o models.Offer
	err := row.Scan(&o.ID, &o.UserID, &o.OfferType, &o.Asset, &o.FiatCurrency, &o.PriceType,
		&o.Price, &o.MinLimit, &o.MaxLimit, &o.AvailableAmount, &o.PaymentMethods,
		&o.PaymentTimeWindow, &o.Terms, &o.AutoReply, &o.Status, &o.CompletedOrders,
		&o.TotalOrders, &o.Rating, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: offer", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OfferService) collectOffers(rows *sql.Rows) ([]models.Offer, error) {
	offers := []models.Offer{}
	for rows.Next() {
		offer, err := s.scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *offer)
	}
	return offers, rows.Err()
}

func (s *OfferService) lockOffer(tx *sql.Tx, offerID string) (*models.Offer, error) {
	return s.scanOffer(tx.QueryRow(selectOffer+` WHERE id = $1 FOR UPDATE`, offerID))
}

func requireAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, id)
	}
	return nil
}

func nullDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d
}
