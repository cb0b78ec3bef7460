// Package payments turns payment-gateway callbacks into credit grants. Webhook
// delivery is at-least-once; payments.order_id and api_keys.payment_id make
// processing idempotent so a paid order yields exactly one API key.
package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usernamesearch/entitlements/internal/audit"
	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/ledger"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// OrderIDPrefix starts every order id this service creates.
const OrderIDPrefix = "usio_"

// PaymentStore persists orders and webhook state.
type PaymentStore interface {
	CreatePending(ctx context.Context, p *models.Payment) error
	SetInvoice(ctx context.Context, orderID, invoiceID string) error
	UpsertFromWebhook(ctx context.Context, orderID string, invoiceID *string, email, status string, rawJSON []byte) error
	GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetEmail(ctx context.Context, orderID string) (string, error)
	HasFulfilledPayment(ctx context.Context, email string) (bool, error)
}

// Granter issues the key funded by a paid order.
type Granter interface {
	GrantForPayment(ctx context.Context, email string, credits int64, orderID string) (*models.APIKey, bool, error)
}

// PlanStore upgrades the plan of the user behind an email.
type PlanStore interface {
	SetPlanByEmail(ctx context.Context, email, plan string) (int64, error)
}

// InvoiceCreator is the gateway call made by CreateOrder.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error)
}

// ReceiptArchive stores raw webhook bodies.
type ReceiptArchive interface {
	Save(ctx context.Context, orderID, status string, body []byte) (string, error)
}

// Deps are the collaborators of a Reconciler. Archive and Recorder are optional.
type Deps struct {
	Payments PaymentStore
	Ledger   Granter
	Users    PlanStore
	Gateway  InvoiceCreator
	Archive  ReceiptArchive
	Recorder *audit.Recorder
}

// OrderResult is returned to the buyer after CreateOrder.
type OrderResult struct {
	OrderID    string  `json:"orderId"`
	InvoiceID  string  `json:"invoiceId"`
	PaymentURL string  `json:"paymentUrl"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

// OrderView is the public view of an order.
type OrderView struct {
	OrderID   string    `json:"orderId"`
	InvoiceID string    `json:"invoiceId,omitempty"`
	Status    string    `json:"status"`
	Paid      bool      `json:"paid"`
	Email     string    `json:"email"`
	Amount    *float64  `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type webhookPayload struct {
	OrderID       string     `json:"order_id"`
	PaymentStatus string     `json:"payment_status"`
	InvoiceID     FlexibleID `json:"invoice_id"`
	CustomerEmail string     `json:"customer_email"`
}

// Reconciler creates orders and processes gateway webhooks.
type Reconciler struct {
	cfg  config.PaymentsConfig
	deps Deps
}

// NewReconciler creates a Reconciler
func NewReconciler(cfg config.PaymentsConfig, deps Deps) *Reconciler {
	if cfg.CreditsPerOrder <= 0 {
		cfg.CreditsPerOrder = 500
	}
	return &Reconciler{cfg: cfg, deps: deps}
}

// CreateOrder records a pending order and opens a gateway invoice for it. On
// gateway failure the pending row stays and the gateway error is returned.
func (r *Reconciler) CreateOrder(ctx context.Context, email string) (*OrderResult, error) {
	email, ok := parseEmail(email)
	if !ok {
		telemetry.OrdersCreatedTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}

	orderID := OrderIDPrefix + uuid.NewString()
	payment := &models.Payment{
		OrderID:  orderID,
		Email:    email,
		Amount:   sql.NullFloat64{Float64: r.cfg.PriceAmount, Valid: true},
		Currency: sql.NullString{String: r.cfg.PriceCurrency, Valid: r.cfg.PriceCurrency != ""},
	}
	if err := r.deps.Payments.CreatePending(ctx, payment); err != nil {
		telemetry.OrdersCreatedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to record order: %w", err)
	}

	inv, err := r.deps.Gateway.CreateInvoice(ctx, InvoiceRequest{
		PriceAmount:      r.cfg.PriceAmount,
		PriceCurrency:    r.cfg.PriceCurrency,
		OrderID:          orderID,
		OrderDescription: r.cfg.OrderDescription,
		IPNCallbackURL:   r.cfg.CallbackURL,
		SuccessURL:       withOrderID(r.cfg.SuccessURL, orderID),
		CancelURL:        r.cfg.CancelURL,
		CustomerEmail:    email,
	})
	if err != nil {
		telemetry.OrdersCreatedTotal.WithLabelValues("gateway_error").Inc()
		slog.Warn("payment gateway rejected order", "order_id", orderID, "error", err)
		return nil, err
	}

	if err := r.deps.Payments.SetInvoice(ctx, orderID, string(inv.ID)); err != nil {
		// The invoice exists; the webhook will carry its id later.
		slog.Error("failed to store invoice id", "order_id", orderID, "error", err)
	}

	telemetry.OrdersCreatedTotal.WithLabelValues("created").Inc()
	r.deps.Recorder.Record(ctx, audit.Event{
		Action:       audit.ActionOrderCreated,
		ActorEmail:   email,
		ResourceType: "payment",
		ResourceID:   orderID,
		Metadata:     map[string]interface{}{"invoice_id": string(inv.ID), "amount": r.cfg.PriceAmount},
	})

	return &OrderResult{
		OrderID:    orderID,
		InvoiceID:  string(inv.ID),
		PaymentURL: inv.InvoiceURL,
		Amount:     r.cfg.PriceAmount,
		Currency:   r.cfg.PriceCurrency,
	}, nil
}

// HandleWebhook authenticates and applies one gateway callback. Redelivery of
// the same callback is harmless.
func (r *Reconciler) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	err := r.handleWebhook(ctx, rawBody, signature)
	telemetry.WebhooksTotal.WithLabelValues(webhookOutcome(err)).Inc()
	return err
}

func (r *Reconciler) handleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if !VerifySignature(r.cfg.IPNSecret, rawBody, signature) {
		return ErrAuthentication
	}

	var p webhookPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return fmt.Errorf("%w: malformed body: %v", ErrValidation, err)
	}
	if p.OrderID == "" || p.PaymentStatus == "" {
		return fmt.Errorf("%w: order_id and payment_status are required", ErrValidation)
	}

	// An unparseable payload email counts as absent.
	email, ok := parseEmail(p.CustomerEmail)
	if !ok {
		known, err := r.deps.Payments.GetEmail(ctx, p.OrderID)
		if err != nil {
			return fmt.Errorf("failed to look up order email: %w", err)
		}
		email = models.NormalizeEmail(known)
	}
	if email == "" {
		return fmt.Errorf("%w: no email for order %s", ErrValidation, p.OrderID)
	}

	var invoiceID *string
	if p.InvoiceID != "" {
		id := string(p.InvoiceID)
		invoiceID = &id
	}
	if err := r.deps.Payments.UpsertFromWebhook(ctx, p.OrderID, invoiceID, email, p.PaymentStatus, rawBody); err != nil {
		return fmt.Errorf("failed to record webhook: %w", err)
	}

	if r.deps.Archive != nil {
		if _, err := r.deps.Archive.Save(ctx, p.OrderID, p.PaymentStatus, rawBody); err != nil {
			slog.Warn("failed to archive payment receipt", "order_id", p.OrderID, "error", err)
		}
	}

	r.deps.Recorder.Record(ctx, audit.Event{
		Action:       audit.ActionWebhookReceived,
		ActorEmail:   email,
		ResourceType: "payment",
		ResourceID:   p.OrderID,
		Metadata:     map[string]interface{}{"status": p.PaymentStatus},
	})

	if !models.IsPaidStatus(p.PaymentStatus) {
		return nil
	}
	return r.fulfil(ctx, email, p.OrderID)
}

func (r *Reconciler) fulfil(ctx context.Context, email, orderID string) error {
	key, created, err := r.deps.Ledger.GrantForPayment(ctx, email, r.cfg.CreditsPerOrder, orderID)
	switch {
	case errors.Is(err, ledger.ErrConflict):
		slog.Info("concurrent delivery already granted order", "order_id", orderID)
	case err != nil:
		return fmt.Errorf("failed to grant credits: %w", err)
	case created:
		slog.Info("credits granted", "order_id", orderID, "key_prefix", models.DisplayPrefix(key.Key), "credits", key.Credits)
	}

	n, err := r.deps.Users.SetPlanByEmail(ctx, email, models.PlanPro)
	if err != nil {
		return fmt.Errorf("failed to upgrade plan: %w", err)
	}
	if n > 0 {
		r.deps.Recorder.Record(ctx, audit.Event{
			Action:       audit.ActionPlanChanged,
			ActorEmail:   email,
			ResourceType: "user",
			ResourceID:   email,
			Metadata:     map[string]interface{}{"plan": models.PlanPro, "order_id": orderID},
		})
	}
	return nil
}

// VerifyOrder returns the order with its email masked.
func (r *Reconciler) VerifyOrder(ctx context.Context, orderID string) (*OrderView, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrValidation)
	}
	p, err := r.deps.Payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up order: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}

	view := &OrderView{
		OrderID:   p.OrderID,
		InvoiceID: p.InvoiceID.String,
		Status:    p.Status,
		Paid:      models.IsPaidStatus(p.Status),
		Email:     MaskEmail(p.Email),
		Currency:  p.Currency.String,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Amount.Valid {
		amount := p.Amount.Float64
		view.Amount = &amount
	}
	return view, nil
}

// HasFulfilledPayment reports whether email has any paid order.
func (r *Reconciler) HasFulfilledPayment(ctx context.Context, email string) (bool, error) {
	return r.deps.Payments.HasFulfilledPayment(ctx, models.NormalizeEmail(email))
}

// parseEmail accepts a bare address or one with a display name and returns
// the normalized bare address.
func parseEmail(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", false
	}
	return models.NormalizeEmail(addr.Address), true
}

func withOrderID(rawURL, orderID string) string {
	if rawURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "order_id=" + orderID
}

func webhookOutcome(err error) string {
	switch {
	case err == nil:
		return "processed"
	case errors.Is(err, ErrAuthentication):
		return "bad_signature"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
