package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

// sweepBatchSize bounds how many expired orders one cycle processes.
const sweepBatchSize = 100

// DeadlineSweeper periodically cancels orders whose payment window elapsed
// without the buyer marking them paid. Each order is cancelled in its own
// transaction through the regular cancel path, whose order-keyed unlock
// makes a sweep racing a manual cancel harmless: one of the two fails its
// status precondition and no balance moves twice.
type DeadlineSweeper struct {
	orders   *OrderService
	interval time.Duration
	logger   *zap.Logger
}

func NewDeadlineSweeper(orders *OrderService, interval time.Duration, logger *zap.Logger) *DeadlineSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DeadlineSweeper{orders: orders, interval: interval, logger: logger}
}

// Run executes sweep cycles until ctx is cancelled. Intended to be started
// as a goroutine from main.
func (s *DeadlineSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("deadline sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("deadline sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep cancels every currently expired order. A failure on one order is
// logged and does not abort the rest of the cycle.
func (s *DeadlineSweeper) Sweep(ctx context.Context) (cancelled int) {
	ids, err := s.orders.ExpiredOrderIDs(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		s.logger.Error("sweep scan failed", zap.Error(err))
		return 0
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return cancelled
		}
		err := s.orders.CancelOrder(ctx, id, models.SystemSender, "payment window expired")
		if err != nil {
			// Expected when a manual cancel, payment or dispute won the
			// race; the order is no longer eligible.
			s.logger.Warn("sweep cancel skipped",
				zap.String("order_id", id),
				zap.Error(err))
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		s.logger.Info("sweep cycle complete",
			zap.Int("expired", len(ids)),
			zap.Int("cancelled", cancelled))
	}
	return cancelled
}
