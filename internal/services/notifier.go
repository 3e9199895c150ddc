package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Order event types published for the external notification dispatcher.
const (
	EventOrderCreated    = "order-created"
	EventOrderPaid       = "order-paid"
	EventOrderReleased   = "order-released"
	EventOrderCancelled  = "order-cancelled"
	EventDisputeOpened   = "dispute-opened"
	EventDisputeResolved = "dispute-resolved"
)

const orderEventsChannel = "orders.events"

// OrderEvent is the payload published on each state transition.
type OrderEvent struct {
	Type      string            `json:"type"`
	OrderID   string            `json:"order_id"`
	UserIDs   []string          `json:"user_ids"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier publishes order lifecycle events to Redis for the notification
// dispatcher. Publication is fire-and-forget: a failure is logged and never
// fails the business transaction that triggered it.
type Notifier struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewNotifier(rdb *redis.Client, logger *zap.Logger) *Notifier {
	return &Notifier{redis: rdb, logger: logger}
}

// Publish emits one event. Safe to call with a nil Redis client.
func (n *Notifier) Publish(ctx context.Context, eventType, orderID string, userIDs []string, data map[string]string) {
	if n == nil || n.redis == nil {
		return
	}

	payload, err := json.Marshal(OrderEvent{
		Type:      eventType,
		OrderID:   orderID,
		UserIDs:   userIDs,
		Data:      data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		n.logger.Warn("failed to encode order event", zap.Error(err))
		return
	}

	if err := n.redis.Publish(ctx, orderEventsChannel, string(payload)).Err(); err != nil {
		n.logger.Warn("failed to publish order event",
			zap.String("type", eventType),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}
