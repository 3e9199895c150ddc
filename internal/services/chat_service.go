package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coinbox/backend/internal/models"
)

// ChatService owns the append-only per-order message trail. Messages are
// evidence during disputes and are never edited or deleted.
type ChatService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewChatService(db *sql.DB, logger *zap.Logger) *ChatService {
	return &ChatService{db: db, logger: logger}
}

// SendMessage appends a participant message to an order's trail.
func (s *ChatService) SendMessage(ctx context.Context, orderID, senderID, message, msgType, attachmentURL string) (*models.ChatMessage, error) {
	var buyerID, sellerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT buyer_id, seller_id FROM orders WHERE id = $1`, orderID).
		Scan(&buyerID, &sellerID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if senderID != buyerID && senderID != sellerID {
		return nil, ErrNotParticipant
	}

	if msgType == "" {
		msgType = models.ChatTypeText
	}

	msg := &models.ChatMessage{
		OrderID:       orderID,
		SenderID:      senderID,
		Message:       message,
		Type:          msgType,
		AttachmentURL: attachmentURL,
		CreatedAt:     time.Now(),
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (order_id, sender_id, message, type, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id`,
		msg.OrderID, msg.SenderID, msg.Message, msg.Type, msg.AttachmentURL, msg.CreatedAt).
		Scan(&msg.ID)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendSystemMessageTx records an engine-generated message inside the
// transaction that performs the state transition it narrates.
func (s *ChatService) AppendSystemMessageTx(tx *sql.Tx, orderID, message string) error {
	_, err := tx.Exec(`
		INSERT INTO chat_messages (order_id, sender_id, message, type, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, models.SystemSender, message, models.ChatTypeSystem, time.Now())
	return err
}

// GetMessages returns an order's trail in chronological order.
func (s *ChatService) GetMessages(ctx context.Context, orderID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, sender_id, message, type, COALESCE(attachment_url, ''), created_at
		FROM chat_messages
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &m.Message, &m.Type,
			&m.AttachmentURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
