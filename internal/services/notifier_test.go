package services

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNotifier_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes on the order events channel", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		notifier := NewNotifier(client, zap.NewNop())

		mock.Regexp().ExpectPublish("orders.events", `"type":"order-paid".*"order_id":"order1"`).
			SetVal(1)

		notifier.Publish(ctx, EventOrderPaid, "order1", []string{"seller"},
			map[string]string{"fiat_amount": "500"})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("publish failure never propagates", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		notifier := NewNotifier(client, zap.NewNop())

		mock.Regexp().ExpectPublish("orders.events", `.*`).
			SetErr(assert.AnError)

		notifier.Publish(ctx, EventOrderCancelled, "order1", []string{"buyer"}, nil)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil client is a no-op", func(t *testing.T) {
		notifier := NewNotifier(nil, zap.NewNop())
		notifier.Publish(ctx, EventOrderCreated, "order1", []string{"buyer"}, nil)
	})

	t.Run("nil notifier is a no-op", func(t *testing.T) {
		var notifier *Notifier
		notifier.Publish(ctx, EventOrderCreated, "order1", []string{"buyer"}, nil)
	})
}
