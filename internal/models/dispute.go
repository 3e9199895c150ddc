package models

import (
	"database/sql"
	"time"
)

// Dispute statuses.
const (
	DisputeStatusOpen           = "open"
	DisputeStatusResolvedBuyer  = "resolved-buyer"
	DisputeStatusResolvedSeller = "resolved-seller"
)

// Dispute resolution outcomes accepted from an arbiter.
const (
	ResolutionBuyer  = "buyer"
	ResolutionSeller = "seller"
)

// Dispute is the escalation record for a frozen order. At most one open
// dispute exists per order.
type Dispute struct {
	ID                string       `json:"id" db:"id"`
	OrderID           string       `json:"order_id" db:"order_id"`
	InitiatedBy       string       `json:"initiated_by" db:"initiated_by"`
	AgainstUserID     string       `json:"against_user_id" db:"against_user_id"`
	Status            string       `json:"status" db:"status"`
	Reason            string       `json:"reason" db:"reason"`
	ResolvedBy        string       `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionDetails string       `json:"resolution_details,omitempty" db:"resolution_details"`
	ResolvedAt        sql.NullTime `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// Evidence is a participant-supplied attachment on a dispute.
type Evidence struct {
	ID          int64     `json:"id" db:"id"`
	DisputeID   string    `json:"dispute_id" db:"dispute_id"`
	UploadedBy  string    `json:"uploaded_by" db:"uploaded_by"`
	Type        string    `json:"type" db:"type"` // image, document or text
	URL         string    `json:"url,omitempty" db:"url"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
