// payment_repository.go implements PaymentRepository, the store adapter behind the
// payment reconciler. payments.order_id is the idempotency key for webhook
// deliveries.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/usernamesearch/entitlements/internal/db/models"
)

// PaymentRepository handles payment database operations
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository creates a new PaymentRepository
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// CreatePending inserts a new order in the pending state.
func (r *PaymentRepository) CreatePending(ctx context.Context, p *models.Payment) error {
	now := time.Now()
	p.Status = models.PaymentStatusPending
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `
		INSERT INTO payments (order_id, email, status, amount, currency, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, $5)
	`
	_, err := r.db.ExecContext(ctx, query, p.OrderID, p.Email, p.Amount, p.Currency, now)
	return err
}

// SetInvoice records the gateway invoice id for an order.
func (r *PaymentRepository) SetInvoice(ctx context.Context, orderID, invoiceID string) error {
	query := `UPDATE payments SET invoice_id = $2, updated_at = $3 WHERE order_id = $1`
	_, err := r.db.ExecContext(ctx, query, orderID, invoiceID, time.Now())
	return err
}

// UpsertFromWebhook records one webhook delivery. Status, email and raw_json
// always take the latest values; a known invoice_id is never replaced by NULL.
func (r *PaymentRepository) UpsertFromWebhook(ctx context.Context, orderID string, invoiceID *string, email, status string, rawJSON []byte) error {
	now := time.Now()
	query := `
		INSERT INTO payments (order_id, invoice_id, email, status, raw_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (order_id) DO UPDATE SET
			invoice_id = COALESCE(EXCLUDED.invoice_id, payments.invoice_id),
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			raw_json = EXCLUDED.raw_json,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, orderID, invoiceID, email, status, rawJSON, now)
	return err
}

// GetByOrderID retrieves an order, or nil when it does not exist.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var p models.Payment
	query := `
		SELECT order_id, invoice_id, email, status, amount, currency, raw_json, created_at, updated_at
		FROM payments
		WHERE order_id = $1
	`
	err := r.db.GetContext(ctx, &p, query, orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetEmail returns the email on file for an order, or "" when unknown.
func (r *PaymentRepository) GetEmail(ctx context.Context, orderID string) (string, error) {
	var email string
	err := r.db.GetContext(ctx, &email, `SELECT email FROM payments WHERE order_id = $1`, orderID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return email, err
}

// HasFulfilledPayment reports whether email has any order in a paid terminal state.
func (r *PaymentRepository) HasFulfilledPayment(ctx context.Context, email string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE email = $1 AND status IN ('finished', 'confirmed')
		)
	`
	err := r.db.GetContext(ctx, &exists, query, email)
	return exists, err
}
