// Package models - payment.go defines the Payment model mirroring one gateway order.
package models

import (
	"database/sql"
	"time"
)

// Gateway statuses this service acts on. Any other string is stored verbatim.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusFinished  = "finished"
	PaymentStatusConfirmed = "confirmed"
)

// Payment is one order placed with the payment gateway, keyed by OrderID.
type Payment struct {
	OrderID   string          `db:"order_id"`
	InvoiceID sql.NullString  `db:"invoice_id"`
	Email     string          `db:"email"`
	Status    string          `db:"status"`
	Amount    sql.NullFloat64 `db:"amount"`
	Currency  sql.NullString  `db:"currency"`
	RawJSON   []byte          `db:"raw_json"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// IsPaidStatus reports whether a gateway status is a paid terminal state.
func IsPaidStatus(status string) bool {
	return status == PaymentStatusFinished || status == PaymentStatusConfirmed
}
