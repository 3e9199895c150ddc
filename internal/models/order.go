package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses. An order is created directly in AWAITING_PAYMENT; the
// four terminal statuses are never left once entered.
const (
	OrderStatusAwaitingPayment = "AWAITING_PAYMENT"
	OrderStatusPaid            = "PAID"
	OrderStatusReleased        = "RELEASED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusDisputed        = "DISPUTED"
	OrderStatusResolvedBuyer   = "RESOLVED_BUYER"
	OrderStatusResolvedSeller  = "RESOLVED_SELLER"
)

// TerminalOrderStatus reports whether no further transition is permitted.
func TerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusReleased, OrderStatusCancelled, OrderStatusResolvedBuyer, OrderStatusResolvedSeller:
		return true
	}
	return false
}

// Order is a single escrow trade between a buyer and a seller, opened
// against an Offer. While EscrowLocked is true the order exclusively owns
// CryptoAmount of the seller's locked balance.
type Order struct {
	ID                string          `json:"id" db:"id"`
	OfferID           string          `json:"offer_id" db:"offer_id"`
	BuyerID           string          `json:"buyer_id" db:"buyer_id"`
	SellerID          string          `json:"seller_id" db:"seller_id"`
	Asset             string          `json:"asset" db:"asset"`
	FiatCurrency      string          `json:"fiat_currency" db:"fiat_currency"`
	CryptoAmount      decimal.Decimal `json:"crypto_amount" db:"crypto_amount"`
	FiatAmount        decimal.Decimal `json:"fiat_amount" db:"fiat_amount"`
	Price             decimal.Decimal `json:"price" db:"price"`
	PaymentMethod     string          `json:"payment_method" db:"payment_method"`
	PaymentTimeWindow int             `json:"payment_time_window" db:"payment_time_window"`
	PaymentDeadline   time.Time       `json:"payment_deadline" db:"payment_deadline"`
	PaymentProofURL   string          `json:"payment_proof_url,omitempty" db:"payment_proof_url"`
	EscrowLocked      bool            `json:"escrow_locked" db:"escrow_locked"`
	Status            string          `json:"status" db:"status"`
	CancelledBy       string          `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancelReason      string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	Version           int             `json:"-" db:"version"`
	PaidAt            sql.NullTime    `json:"paid_at,omitempty" db:"paid_at"`
	CompletedAt       sql.NullTime    `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (o *Order) IsParticipant(userID string) bool {
	return o.BuyerID == userID || o.SellerID == userID
}

// Counterparty returns the other side of the trade.
func (o *Order) Counterparty(userID string) string {
	if userID == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// Chat message types.
const (
	ChatTypeText         = "text"
	ChatTypeSystem       = "system"
	ChatTypePaymentProof = "payment-proof"
	ChatTypeBankDetails  = "bank-details"
)

// SystemSender is the sender id recorded on engine-generated messages.
const SystemSender = "system"

// ChatMessage is one entry in an order's append-only message trail. The
// trail doubles as dispute evidence and is never edited.
type ChatMessage struct {
	ID            int64     `json:"id" db:"id"`
	OrderID       string    `json:"order_id" db:"order_id"`
	SenderID      string    `json:"sender_id" db:"sender_id"`
	Message       string    `json:"message" db:"message"`
	Type          string    `json:"type" db:"type"`
	AttachmentURL string    `json:"attachment_url,omitempty" db:"attachment_url"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
