package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usernamesearch/entitlements/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const webhookSecret = "ipn-secret"

// stubReconciler answers with canned results and checks webhook signatures
// the way the real reconciler does.
type stubReconciler struct {
	orderErr   error
	verifyErr  error
	webhookErr error
	bodies     [][]byte
}

func (s *stubReconciler) CreateOrder(_ context.Context, email string) (*payments.OrderResult, error) {
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	return &payments.OrderResult{
		OrderID:    "usio_order-1",
		InvoiceID:  "4522625843",
		PaymentURL: "https://pay.example.com/invoice/4522625843",
		Amount:     5,
		Currency:   "usd",
	}, nil
}

func (s *stubReconciler) VerifyOrder(_ context.Context, orderID string) (*payments.OrderView, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &payments.OrderView{OrderID: orderID, Status: "finished", Paid: true, Email: "bu***@example.com"}, nil
}

func (s *stubReconciler) HandleWebhook(_ context.Context, body []byte, signature string) error {
	if !payments.VerifySignature(webhookSecret, body, signature) {
		return payments.ErrAuthentication
	}
	s.bodies = append(s.bodies, body)
	return s.webhookErr
}

func newRouter(r Reconciler, development bool) *gin.Engine {
	h := NewHandlers(r, development)
	router := gin.New()
	router.POST("/orders", h.CreateOrderHandler())
	router.GET("/orders/verify", h.VerifyOrderHandler())
	router.POST("/webhooks/payments", h.WebhookHandler())
	return router
}

func post(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ---------------------------------------------------------------------------
// CreateOrderHandler
// ---------------------------------------------------------------------------

func TestCreateOrderHandler_Success(t *testing.T) {
	r := newRouter(&stubReconciler{}, false)
	w := post(r, "/orders", []byte(`{"email":"buyer@example.com"}`), nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "usio_order-1", body["orderId"])
	assert.Equal(t, "4522625843", body["invoiceId"])
	assert.Equal(t, "https://pay.example.com/invoice/4522625843", body["paymentUrl"])
	assert.Equal(t, float64(5), body["amount"])
}

func TestCreateOrderHandler_Failures(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"missing email", `{}`, nil, http.StatusBadRequest},
		{"malformed json", `{`, nil, http.StatusBadRequest},
		{"invalid email", `{"email":"nope"}`, fmt.Errorf("%w: a valid email is required", payments.ErrValidation), http.StatusBadRequest},
		{"gateway timeout", `{"email":"a@b.com"}`, payments.ErrTimeout, http.StatusGatewayTimeout},
		{"gateway error", `{"email":"a@b.com"}`, &payments.GatewayError{StatusCode: 500}, http.StatusBadGateway},
		{"store error", `{"email":"a@b.com"}`, errors.New("failed to record order: db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&stubReconciler{orderErr: tt.err}, false)
			w := post(r, "/orders", []byte(tt.body), nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, body, "detail")
		})
	}
}

func TestCreateOrderHandler_DevelopmentDetail(t *testing.T) {
	r := newRouter(&stubReconciler{orderErr: &payments.GatewayError{StatusCode: 403}}, true)
	w := post(r, "/orders", []byte(`{"email":"a@b.com"}`), nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "payment gateway returned status 403", body["detail"])
}

// ---------------------------------------------------------------------------
// VerifyOrderHandler
// ---------------------------------------------------------------------------

func TestVerifyOrderHandler(t *testing.T) {
	r := newRouter(&stubReconciler{}, false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/verify?order_id=usio_order-1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "usio_order-1", body["orderId"])
	assert.Equal(t, true, body["paid"])
	assert.Equal(t, "bu***@example.com", body["email"])
}

func TestVerifyOrderHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
	}{
		{"missing order id", "", nil, http.StatusBadRequest},
		{"unknown order", "?order_id=nope", payments.ErrNotFound, http.StatusNotFound},
		{"store error", "?order_id=usio_x", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&stubReconciler{verifyErr: tt.err}, false)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/verify"+tt.query, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

// ---------------------------------------------------------------------------
// WebhookHandler
// ---------------------------------------------------------------------------

func TestWebhookHandler_ValidSignature(t *testing.T) {
	stub := &stubReconciler{}
	r := newRouter(stub, false)
	body := []byte(`{"order_id":"usio_order-1","payment_status":"finished"}`)

	w := post(r, "/webhooks/payments", body, map[string]string{payments.SignatureHeader: payments.Sign(webhookSecret, body)})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
	require.Len(t, stub.bodies, 1)
	assert.Equal(t, body, stub.bodies[0], "reconciler must see the exact raw body")
}

func TestWebhookHandler_Outcomes(t *testing.T) {
	body := []byte(`{"order_id":"usio_order-1","payment_status":"finished"}`)
	good := payments.Sign(webhookSecret, body)

	tests := []struct {
		name       string
		signature  string
		err        error
		wantStatus int
	}{
		{"missing signature", "", nil, http.StatusUnauthorized},
		{"wrong signature", payments.Sign("other", body), nil, http.StatusUnauthorized},
		{"invalid payload", good, fmt.Errorf("%w: order_id and payment_status are required", payments.ErrValidation), http.StatusBadRequest},
		{"transient failure", good, errors.New("failed to record webhook: db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&stubReconciler{webhookErr: tt.err}, false)
			w := post(r, "/webhooks/payments", body, map[string]string{payments.SignatureHeader: tt.signature})
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	stub := &stubReconciler{}
	r := newRouter(stub, false)
	body := []byte(`{"pad":"` + strings.Repeat("x", maxWebhookBody) + `"}`)

	w := post(r, "/webhooks/payments", body, map[string]string{payments.SignatureHeader: payments.Sign(webhookSecret, body)})

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, stub.bodies)
}
