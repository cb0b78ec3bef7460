// Package orders implements order creation, order verification and the
// payment gateway webhook.
//
// Payment failures answer with a generic message. When the server runs with
// environment=development the underlying error is added as "detail".
package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/usernamesearch/entitlements/internal/payments"
)

// maxWebhookBody bounds how much of a webhook body is read.
const maxWebhookBody = 1 << 20

// Reconciler is the payment reconciler used by these handlers.
type Reconciler interface {
	CreateOrder(ctx context.Context, email string) (*payments.OrderResult, error)
	VerifyOrder(ctx context.Context, orderID string) (*payments.OrderView, error)
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) error
}

// Handlers serves the order and webhook endpoints
type Handlers struct {
	reconciler  Reconciler
	development bool
}

// NewHandlers creates a new Handlers instance. development adds error detail
// to failure responses.
func NewHandlers(r Reconciler, development bool) *Handlers {
	return &Handlers{reconciler: r, development: development}
}

// CreateOrderRequest is the body of POST /api/v1/orders
type CreateOrderRequest struct {
	Email string `json:"email" binding:"required"`
}

func (h *Handlers) fail(c *gin.Context, status int, message string, err error) {
	body := gin.H{"error": message}
	if h.development && err != nil {
		body["detail"] = err.Error()
	}
	c.JSON(status, body)
}

// CreateOrderHandler opens an invoice for one credit pack.
// POST /api/v1/orders
func (h *Handlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, http.StatusBadRequest, "An email address is required", err)
			return
		}

		result, err := h.reconciler.CreateOrder(c.Request.Context(), req.Email)
		if err != nil {
			var gwErr *payments.GatewayError
			switch {
			case errors.Is(err, payments.ErrValidation):
				h.fail(c, http.StatusBadRequest, "A valid email address is required", err)
			case errors.Is(err, payments.ErrTimeout):
				h.fail(c, http.StatusGatewayTimeout, "The payment provider did not respond. Please try again.", err)
			case errors.As(err, &gwErr):
				h.fail(c, http.StatusBadGateway, "The payment provider could not create an invoice", err)
			default:
				slog.Error("failed to create order", "error", err)
				h.fail(c, http.StatusInternalServerError, "Failed to create order", err)
			}
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// VerifyOrderHandler returns the public view of an order.
// GET /api/v1/orders/verify?order_id=...
func (h *Handlers) VerifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Query("order_id")
		if orderID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required"})
			return
		}

		view, err := h.reconciler.VerifyOrder(c.Request.Context(), orderID)
		switch {
		case errors.Is(err, payments.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, payments.ErrValidation):
			h.fail(c, http.StatusBadRequest, "Invalid order id", err)
		case err != nil:
			slog.Error("failed to verify order", "order_id", orderID, "error", err)
			h.fail(c, http.StatusInternalServerError, "Failed to look up order", err)
		default:
			c.JSON(http.StatusOK, view)
		}
	}
}

// WebhookHandler receives payment status callbacks from the gateway. Any 5xx
// makes the gateway redeliver, so only transient failures answer 5xx.
// POST /webhooks/payments
func (h *Handlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			h.fail(c, http.StatusBadRequest, "Failed to read request body", err)
			return
		}
		if len(body) > maxWebhookBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}

		err = h.reconciler.HandleWebhook(c.Request.Context(), body, c.GetHeader(payments.SignatureHeader))
		switch {
		case errors.Is(err, payments.ErrAuthentication):
			slog.Warn("payment webhook rejected: bad signature", "ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		case errors.Is(err, payments.ErrValidation):
			slog.Warn("payment webhook rejected: invalid payload", "error", err)
			h.fail(c, http.StatusBadRequest, "Invalid webhook payload", err)
		case err != nil:
			slog.Error("payment webhook processing failed", "error", err)
			h.fail(c, http.StatusInternalServerError, "Webhook processing failed", err)
		default:
			c.JSON(http.StatusOK, gin.H{"success": true})
		}
	}
}
