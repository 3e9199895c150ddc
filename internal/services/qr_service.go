package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/coinbox/backend/internal/models"
)

// QRService produces scannable payment references for open orders, so the
// buyer can pre-fill the fiat transfer. Payloads live in Redis only until
// the order's payment deadline.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewQRService(db *sql.DB, rdb *redis.Client) *QRService {
	return &QRService{db: db, redis: rdb}
}

// GeneratePaymentQR builds the QR for an order awaiting payment. Only the
// buyer may request it.
func (s *QRService) GeneratePaymentQR(ctx context.Context, orderID, userID string) (string, string, error) {
	var buyerID, status, fiatCurrency, paymentMethod string
	var fiatAmount decimal.Decimal
	var deadline time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT buyer_id, status, fiat_currency, payment_method, fiat_amount, payment_deadline
		FROM orders WHERE id = $1`, orderID).
		Scan(&buyerID, &status, &fiatCurrency, &paymentMethod, &fiatAmount, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%w: order", ErrNotFound)
	}
	if err != nil {
		return "", "", err
	}
	if buyerID != userID {
		return "", "", ErrNotParticipant
	}
	if status != models.OrderStatusAwaitingPayment {
		return "", "", fmt.Errorf("%w: order is %s", ErrInvalidState, status)
	}

	ttl := time.Until(deadline)
	if ttl <= 0 {
		return "", "", ErrDeadlineExpired
	}

	payload, err := json.Marshal(map[string]any{
		"orderId":       orderID,
		"fiatAmount":    fiatAmount,
		"fiatCurrency":  fiatCurrency,
		"paymentMethod": paymentMethod,
		"nonce":         s.generateNonce(),
		"timestamp":     time.Now().Unix(),
	})
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(payload)

	if s.redis != nil {
		key := fmt.Sprintf("payment-qr:%s", orderID)
		if err := s.redis.Set(ctx, key, payload, ttl).Err(); err != nil {
			return "", "", err
		}
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ValidatePaymentQR resolves a previously issued code back to its payload.
// Expired or unknown codes fail with DeadlineExpired.
func (s *QRService) ValidatePaymentQR(ctx context.Context, orderID string) (map[string]any, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("%w: payment QR", ErrNotFound)
	}

	data, err := s.redis.Get(ctx, fmt.Sprintf("payment-qr:%s", orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeadlineExpired
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
