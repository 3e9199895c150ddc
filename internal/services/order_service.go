package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

// cryptoScale is the number of decimal places carried for crypto amounts.
const cryptoScale = 8

// OrderService is the escrow state machine. Every transition runs as one
// SQL transaction combining the order row update, the wallet primitive and
// the offer bookkeeping, so concurrent transitions on the same order
// serialize on the order's row lock and the loser fails its precondition.
type OrderService struct {
	db       *sql.DB
	wallets  *WalletService
	offers   *OfferService
	chat     *ChatService
	notifier *Notifier
	logger   *zap.Logger
}

func NewOrderService(db *sql.DB, wallets *WalletService, offers *OfferService, chat *ChatService, notifier *Notifier, logger *zap.Logger) *OrderService {
	return &OrderService{
		db:       db,
		wallets:  wallets,
		offers:   offers,
		chat:     chat,
		notifier: notifier,
		logger:   logger,
	}
}

// CreateOrderParams is the counterparty's request to open an order.
type CreateOrderParams struct {
	OfferID       string
	UserID        string // the party opening the order
	FiatAmount    decimal.Decimal
	PaymentMethod string
}

// CreateOrder opens an order against an offer: it reserves the offer's
// available amount, locks the seller's crypto in escrow and arms the
// payment deadline, all in one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, params CreateOrderParams) (*models.Order, error) {
	if !params.FiatAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var order *models.Order
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		offer, err := s.offers.LockOfferTx(tx, params.OfferID)
		if err != nil {
			return err
		}
		if offer.Status != models.OfferStatusActive {
			return fmt.Errorf("%w: offer is %s", ErrOfferUnavailable, offer.Status)
		}
		if offer.UserID == params.UserID {
			return ErrSelfTrade
		}
		if !offer.HasPaymentMethod(params.PaymentMethod) {
			return fmt.Errorf("%w: payment method not accepted by offer", ErrLimitViolation)
		}
		if params.FiatAmount.LessThan(offer.MinLimit) || params.FiatAmount.GreaterThan(offer.MaxLimit) {
			return fmt.Errorf("%w: amount must be between %s and %s %s",
				ErrLimitViolation, offer.MinLimit, offer.MaxLimit, offer.FiatCurrency)
		}

		cryptoAmount := params.FiatAmount.DivRound(offer.Price, cryptoScale)
		if !cryptoAmount.IsPositive() {
			return ErrInvalidAmount
		}

		// For a sell offer the owner is the seller; for a buy offer the
		// opening party sells into it. Escrow always locks the seller.
		buyerID, sellerID := params.UserID, offer.UserID
		if offer.OfferType == models.OfferTypeBuy {
			buyerID, sellerID = offer.UserID, params.UserID
		}

		if err := s.offers.ReserveTx(tx, offer, cryptoAmount); err != nil {
			return err
		}

		now := time.Now()
		order = &models.Order{
			ID:                uuid.NewString(),
			OfferID:           offer.ID,
			BuyerID:           buyerID,
			SellerID:          sellerID,
			Asset:             offer.Asset,
			FiatCurrency:      offer.FiatCurrency,
			CryptoAmount:      cryptoAmount,
			FiatAmount:        params.FiatAmount,
			Price:             offer.Price,
			PaymentMethod:     params.PaymentMethod,
			PaymentTimeWindow: offer.PaymentTimeWindow,
			PaymentDeadline:   now.Add(time.Duration(offer.PaymentTimeWindow) * time.Minute),
			EscrowLocked:      true,
			Status:            models.OrderStatusAwaitingPayment,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		if _, err := s.wallets.LockTx(tx, sellerID, cryptoAmount, "lock-"+order.ID, order.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO orders (id, offer_id, buyer_id, seller_id, asset, fiat_currency,
			                    crypto_amount, fiat_amount, price, payment_method, payment_time_window,
			                    payment_deadline, escrow_locked, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $15)`,
			order.ID, order.OfferID, order.BuyerID, order.SellerID, order.Asset, order.FiatCurrency,
			order.CryptoAmount, order.FiatAmount, order.Price, order.PaymentMethod,
			order.PaymentTimeWindow, order.PaymentDeadline, order.EscrowLocked, order.Status, now); err != nil {
			return err
		}

		msg := fmt.Sprintf("Order created. Buyer has %d minutes to complete payment.", offer.PaymentTimeWindow)
		if err := s.chat.AppendSystemMessageTx(tx, order.ID, msg); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("offer_id", order.OfferID),
		zap.String("buyer_id", order.BuyerID),
		zap.String("seller_id", order.SellerID),
		zap.String("crypto_amount", order.CryptoAmount.String()))
	s.notifier.Publish(ctx, EventOrderCreated, order.ID,
		[]string{order.BuyerID, order.SellerID},
		map[string]string{"fiat_amount": order.FiatAmount.String(), "crypto_amount": order.CryptoAmount.String()})
	return order, nil
}

// MarkAsPaid records the buyer's claim that the fiat payment was sent and
// disarms the payment deadline.
func (s *OrderService) MarkAsPaid(ctx context.Context, orderID, userID, paymentProofURL string) error {
	var order *models.Order
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		order, err = s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != userID {
			if order.SellerID == userID {
				return fmt.Errorf("%w: only the buyer may mark an order as paid", ErrUnauthorized)
			}
			return ErrNotParticipant
		}
		if order.Status != models.OrderStatusAwaitingPayment {
			// A deadline cancellation racing this request surfaces as an
			// expired order rather than a generic bad state.
			if order.Status == models.OrderStatusCancelled && time.Now().After(order.PaymentDeadline) {
				return ErrDeadlineExpired
			}
			return fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
		}
		if time.Now().After(order.PaymentDeadline) {
			return ErrDeadlineExpired
		}

		if err := s.updateOrder(tx, order, `
			UPDATE orders
			SET status = $1, payment_proof_url = NULLIF($2, ''), paid_at = $3,
			    version = version + 1, updated_at = $3
			WHERE id = $4 AND version = $5`,
			models.OrderStatusPaid, paymentProofURL, time.Now(), order.ID, order.Version); err != nil {
			return err
		}

		if err := s.chat.AppendSystemMessageTx(tx, order.ID,
			"Buyer has marked the payment as completed. Seller should verify and release the crypto."); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.logger.Info("order marked paid", zap.String("order_id", orderID), zap.String("buyer_id", userID))
	s.notifier.Publish(ctx, EventOrderPaid, orderID, []string{order.SellerID},
		map[string]string{"fiat_amount": order.FiatAmount.String()})
	return nil
}

// ReleaseCrypto completes the trade: the seller's locked escrow moves to
// the buyer's available balance and the order becomes terminal.
func (s *OrderService) ReleaseCrypto(ctx context.Context, orderID, userID string) error {
	var order *models.Order
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		order, err = s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.SellerID != userID {
			if order.BuyerID == userID {
				return fmt.Errorf("%w: only the seller may release the crypto", ErrUnauthorized)
			}
			return ErrNotParticipant
		}
		if order.Status != models.OrderStatusPaid {
			return fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
		}

		if _, err := s.wallets.TransferFromLockTx(tx, order.SellerID, order.BuyerID,
			order.CryptoAmount, "release-"+order.ID, order.ID); err != nil {
			return err
		}

		now := time.Now()
		if err := s.updateOrder(tx, order, `
			UPDATE orders
			SET status = $1, escrow_locked = FALSE, completed_at = $2,
			    version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4`,
			models.OrderStatusReleased, now, order.ID, order.Version); err != nil {
			return err
		}

		if err := s.offers.RecordCompletionTx(tx, order.OfferID); err != nil {
			return err
		}

		if err := s.chat.AppendSystemMessageTx(tx, order.ID,
			"Trade completed. Crypto has been released to the buyer."); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.logger.Info("order released",
		zap.String("order_id", orderID),
		zap.String("seller_id", userID),
		zap.String("crypto_amount", order.CryptoAmount.String()))
	s.notifier.Publish(ctx, EventOrderReleased, orderID, []string{order.BuyerID},
		map[string]string{"crypto_amount": order.CryptoAmount.String()})
	return nil
}

// CancelOrder aborts a non-terminal order, returning the escrow to the
// seller and the reserved amount to the offer. cancelledBy is a participant
// id, or models.SystemSender when invoked by the deadline sweeper. The
// wallet unlock keys on the order id, so a sweep racing a manual cancel
// can never unlock twice.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, cancelledBy, reason string) error {
	var order *models.Order
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		order, err = s.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if cancelledBy != models.SystemSender && !order.IsParticipant(cancelledBy) {
			return ErrNotParticipant
		}
		if order.Status != models.OrderStatusAwaitingPayment && order.Status != models.OrderStatusPaid {
			return fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
		}
		// Once the buyer has claimed payment, only the seller (who can
		// verify nothing arrived) or an arbiter may abort the trade.
		if order.Status == models.OrderStatusPaid && cancelledBy != order.SellerID {
			return fmt.Errorf("%w: buyer cannot cancel after marking the order paid", ErrInvalidState)
		}

		if order.EscrowLocked {
			if _, err := s.wallets.UnlockTx(tx, order.SellerID, order.CryptoAmount,
				"unlock-"+order.ID, order.ID); err != nil {
				return err
			}
		}

		if err := s.offers.ReleaseReservationTx(tx, order.OfferID, order.CryptoAmount); err != nil {
			return err
		}

		if err := s.updateOrder(tx, order, `
			UPDATE orders
			SET status = $1, escrow_locked = FALSE, cancelled_by = $2, cancel_reason = $3,
			    version = version + 1, updated_at = $4
			WHERE id = $5 AND version = $6`,
			models.OrderStatusCancelled, cancelledBy, reason, time.Now(), order.ID, order.Version); err != nil {
			return err
		}

		if err := s.chat.AppendSystemMessageTx(tx, order.ID,
			fmt.Sprintf("Order cancelled by %s. Reason: %s", s.partyLabel(order, cancelledBy), reason)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", orderID),
		zap.String("cancelled_by", cancelledBy),
		zap.String("reason", reason))
	s.notifier.Publish(ctx, EventOrderCancelled, orderID,
		[]string{order.BuyerID, order.SellerID}, map[string]string{"reason": reason})
	return nil
}

// GetOrder loads a single order visible to one of its participants.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.scanOrder(s.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, orderID))
}

// GetUserOrders lists orders the user participates in, newest first.
func (s *OrderService) GetUserOrders(ctx context.Context, userID, status string, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, selectOrder+`
		WHERE (buyer_id = $1 OR seller_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, userID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := s.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// ExpiredOrderIDs returns orders still awaiting payment past their
// deadline, oldest first, for the deadline sweeper.
func (s *OrderService) ExpiredOrderIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND payment_deadline < $2
		ORDER BY payment_deadline ASC
		LIMIT $3`, models.OrderStatusAwaitingPayment, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const selectOrder = `
	SELECT id, offer_id, buyer_id, seller_id, asset, fiat_currency, crypto_amount, fiat_amount,
	       price, payment_method, payment_time_window, payment_deadline,
	       COALESCE(payment_proof_url, ''), escrow_locked, status,
	       COALESCE(cancelled_by, ''), COALESCE(cancel_reason, ''), version,
	       paid_at, completed_at, created_at, updated_at
	FROM orders`

func (s *OrderService) scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.OfferID, &o.BuyerID, &o.SellerID, &o.Asset, &o.FiatCurrency,
		&o.CryptoAmount, &o.FiatAmount, &o.Price, &o.PaymentMethod, &o.PaymentTimeWindow,
		&o.PaymentDeadline, &o.PaymentProofURL, &o.EscrowLocked, &o.Status,
		&o.CancelledBy, &o.CancelReason, &o.Version, &o.PaidAt, &o.CompletedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderService) lockOrder(tx *sql.Tx, orderID string) (*models.Order, error) {
	return s.scanOrder(tx.QueryRow(selectOrder+` WHERE id = $1 FOR UPDATE`, orderID))
}

func (s *OrderService) updateOrder(tx *sql.Tx, order *models.Order, query string, args ...any) error {
	result, err := tx.Exec(query, args...)
	if err != nil {
		return err
	}
	return requireAffected(result, order.ID)
}

func (s *OrderService) partyLabel(order *models.Order, userID string) string {
	switch userID {
	case order.BuyerID:
		return "buyer"
	case order.SellerID:
		return "seller"
	default:
		return "system"
	}
}
