package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

// DisputeService is the escalation path for frozen orders. Opening a
// dispute halts buyer/seller transitions; only an arbiter resolution moves
// the order to one of its two terminal dispute outcomes.
type DisputeService struct {
	db       *sql.DB
	wallets  *WalletService
	offers   *OfferService
	chat     *ChatService
	orders   *OrderService
	notifier *Notifier
	logger   *zap.Logger
}

func NewDisputeService(db *sql.DB, wallets *WalletService, offers *OfferService, chat *ChatService, orders *OrderService, notifier *Notifier, logger *zap.Logger) *DisputeService {
	return &DisputeService{
		db:       db,
		wallets:  wallets,
		offers:   offers,
		chat:     chat,
		orders:   orders,
		notifier: notifier,
		logger:   logger,
	}
}

// OpenDispute freezes a non-terminal order. Escrow stays locked until an
// arbiter resolves it. At most one open dispute exists per order.
func (s *DisputeService) OpenDispute(ctx context.Context, orderID, userID, reason string) (*models.Dispute, error) {
	var dispute *models.Dispute
	var order *models.Order
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		order, err = s.orders.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if !order.IsParticipant(userID) {
			return ErrNotParticipant
		}
		if models.TerminalOrderStatus(order.Status) || order.Status == models.OrderStatusDisputed {
			return fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
		}

		now := time.Now()
		dispute = &models.Dispute{
			ID:            uuid.NewString(),
			OrderID:       orderID,
			InitiatedBy:   userID,
			AgainstUserID: order.Counterparty(userID),
			Status:        models.DisputeStatusOpen,
			Reason:        reason,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := tx.Exec(`
			INSERT INTO disputes (id, order_id, initiated_by, against_user_id, status, reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			dispute.ID, dispute.OrderID, dispute.InitiatedBy, dispute.AgainstUserID,
			dispute.Status, dispute.Reason, now); err != nil {
			return err
		}

		if err := s.orders.updateOrder(tx, order, `
			UPDATE orders
			SET status = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4`,
			models.OrderStatusDisputed, now, order.ID, order.Version); err != nil {
			return err
		}

		if err := s.chat.AppendSystemMessageTx(tx, orderID,
			fmt.Sprintf("Dispute opened by the %s. Reason: %s. An arbiter will review the order.",
				s.orders.partyLabel(order, userID), reason)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispute opened",
		zap.String("dispute_id", dispute.ID),
		zap.String("order_id", orderID),
		zap.String("initiated_by", userID))
	s.notifier.Publish(ctx, EventDisputeOpened, orderID,
		[]string{order.BuyerID, order.SellerID},
		map[string]string{"dispute_id": dispute.ID, "reason": reason})
	return dispute, nil
}

// AddEvidence attaches participant-supplied evidence to an open dispute.
func (s *DisputeService) AddEvidence(ctx context.Context, disputeID, userID string, evidence models.Evidence) error {
	var initiatedBy, againstUserID, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT initiated_by, against_user_id, status FROM disputes WHERE id = $1`, disputeID).
		Scan(&initiatedBy, &againstUserID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: dispute", ErrNotFound)
	}
	if err != nil {
		return err
	}
	if userID != initiatedBy && userID != againstUserID {
		return ErrNotParticipant
	}
	if status != models.DisputeStatusOpen {
		return fmt.Errorf("%w: dispute is %s", ErrInvalidState, status)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (dispute_id, uploaded_by, type, url, description, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		disputeID, userID, evidence.Type, evidence.URL, evidence.Description, time.Now())
	return err
}

// ResolveDispute applies the arbiter's decision: RESOLVED_BUYER transfers
// the escrow to the buyer, RESOLVED_SELLER returns it to the seller and
// restores the offer's reservation. Access control (the arbiter role) is
// enforced at the handler boundary.
func (s *DisputeService) ResolveDispute(ctx context.Context, orderID, arbiterID, resolution, details string) error {
	if resolution != models.ResolutionBuyer && resolution != models.ResolutionSeller {
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidState, resolution)
	}

	var order *models.Order
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		order, err = s.orders.lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusDisputed {
			return fmt.Errorf("%w: order is %s", ErrInvalidState, order.Status)
		}

		var disputeID string
		err = tx.QueryRow(`
			SELECT id FROM disputes
			WHERE order_id = $1 AND status = $2
			FOR UPDATE`, orderID, models.DisputeStatusOpen).Scan(&disputeID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: open dispute", ErrNotFound)
		}
		if err != nil {
			return err
		}

		now := time.Now()
		orderStatus := models.OrderStatusResolvedBuyer
		disputeStatus := models.DisputeStatusResolvedBuyer
		if resolution == models.ResolutionSeller {
			orderStatus = models.OrderStatusResolvedSeller
			disputeStatus = models.DisputeStatusResolvedSeller
		}

		if resolution == models.ResolutionBuyer {
			if _, err := s.wallets.TransferFromLockTx(tx, order.SellerID, order.BuyerID,
				order.CryptoAmount, "release-"+order.ID, order.ID); err != nil {
				return err
			}
		} else {
			if _, err := s.wallets.UnlockTx(tx, order.SellerID, order.CryptoAmount,
				"unlock-"+order.ID, order.ID); err != nil {
				return err
			}
			if err := s.offers.ReleaseReservationTx(tx, order.OfferID, order.CryptoAmount); err != nil {
				return err
			}
		}

		if err := s.orders.updateOrder(tx, order, `
			UPDATE orders
			SET status = $1, escrow_locked = FALSE, completed_at = $2,
			    version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4`,
			orderStatus, now, order.ID, order.Version); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			UPDATE disputes
			SET status = $1, resolved_by = $2, resolution_details = $3, resolved_at = $4, updated_at = $4
			WHERE id = $5`,
			disputeStatus, arbiterID, details, now, disputeID); err != nil {
			return err
		}

		if err := s.chat.AppendSystemMessageTx(tx, orderID,
			fmt.Sprintf("Dispute resolved in favor of the %s. %s", resolution, details)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.logger.Info("dispute resolved",
		zap.String("order_id", orderID),
		zap.String("resolution", resolution),
		zap.String("arbiter_id", arbiterID))
	s.notifier.Publish(ctx, EventDisputeResolved, orderID,
		[]string{order.BuyerID, order.SellerID},
		map[string]string{"resolution": resolution})
	return nil
}

// GetDisputeByOrder loads the most recent dispute for an order.
func (s *DisputeService) GetDisputeByOrder(ctx context.Context, orderID string) (*models.Dispute, error) {
	var d models.Dispute
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, initiated_by, against_user_id, status, reason,
		       COALESCE(resolved_by, ''), COALESCE(resolution_details, ''), resolved_at, created_at, updated_at
		FROM disputes
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orderID).
		Scan(&d.ID, &d.OrderID, &d.InitiatedBy, &d.AgainstUserID, &d.Status, &d.Reason,
			&d.ResolvedBy, &d.ResolutionDetails, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dispute", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
