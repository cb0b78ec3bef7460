package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// InvoiceRequest is the body of POST /invoice.
type InvoiceRequest struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
	SuccessURL       string  `json:"success_url,omitempty"`
	CancelURL        string  `json:"cancel_url,omitempty"`
	CustomerEmail    string  `json:"customer_email,omitempty"`
}

// Invoice is the subset of the gateway's invoice we use.
type Invoice struct {
	ID         FlexibleID `json:"id"`
	InvoiceURL string     `json:"invoice_url"`
	OrderID    string     `json:"order_id"`
}

// FlexibleID accepts a JSON string or number.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", b)
	}
	*f = FlexibleID(n.String())
	return nil
}

// Gateway is the HTTP client of the payment gateway's invoice API.
type Gateway struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewGateway creates a gateway client. Each call is bounded by
// payments.gateway_timeout.
func NewGateway(cfg *config.PaymentsConfig) *Gateway {
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.GatewayURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// CreateInvoice creates a hosted invoice. A deadline yields ErrTimeout and a
// non-2xx answer a *GatewayError.
func (g *Gateway) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	start := time.Now()
	inv, err := g.createInvoice(ctx, in)
	telemetry.PaymentGatewayDuration.WithLabelValues(gatewayOutcome(err)).Observe(time.Since(start).Seconds())
	return inv, err
}

func (g *Gateway) createInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/invoice", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var inv Invoice
	if err := json.Unmarshal(respBody, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if inv.ID == "" || inv.InvoiceURL == "" {
		return nil, fmt.Errorf("gateway response is missing id or invoice_url")
	}
	return &inv, nil
}

func gatewayOutcome(err error) string {
	var gwErr *GatewayError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &gwErr):
		return "rejected"
	default:
		return "error"
	}
}
