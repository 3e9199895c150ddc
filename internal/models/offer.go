package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Offer types.
const (
	OfferTypeBuy  = "buy"
	OfferTypeSell = "sell"
)

// Price types.
const (
	PriceTypeFixed    = "fixed"
	PriceTypeFloating = "floating"
)

// Offer statuses.
const (
	OfferStatusActive  = "active"
	OfferStatusPaused  = "paused"
	OfferStatusDeleted = "deleted"
)

// Offer is a standing buy/sell advertisement a counterparty can open
// orders against. AvailableAmount decrements as orders reserve against it
// and is restored when an order is cancelled.
type Offer struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	OfferType         string          `json:"offer_type" db:"offer_type"`
	Asset             string          `json:"asset" db:"asset"`
	FiatCurrency      string          `json:"fiat_currency" db:"fiat_currency"`
	PriceType         string          `json:"price_type" db:"price_type"`
	Price             decimal.Decimal `json:"price" db:"price"`
	MinLimit          decimal.Decimal `json:"min_limit" db:"min_limit"`
	MaxLimit          decimal.Decimal `json:"max_limit" db:"max_limit"`
	AvailableAmount   decimal.Decimal `json:"available_amount" db:"available_amount"`
	PaymentMethods    pq.StringArray  `json:"payment_methods" db:"payment_methods"`
	PaymentTimeWindow int             `json:"payment_time_window" db:"payment_time_window"` // minutes
	Terms             string          `json:"terms,omitempty" db:"terms"`
	AutoReply         string          `json:"auto_reply,omitempty" db:"auto_reply"`
	Status            string          `json:"status" db:"status"`
	CompletedOrders   int             `json:"completed_orders" db:"completed_orders"`
	TotalOrders       int             `json:"total_orders" db:"total_orders"`
	Rating            float64         `json:"rating" db:"rating"`
	Version           int             `json:"-" db:"version"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	LastActiveAt      time.Time       `json:"last_active_at" db:"last_active_at"`
}

// HasPaymentMethod reports whether the offer accepts the given method.
func (o *Offer) HasPaymentMethod(method string) bool {
	for _, m := range o.PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}
