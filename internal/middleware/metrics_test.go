package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

func newMetricsRouter() *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/api/v1/orders/verify", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.POST("/api/v1/entitlements/check", func(c *gin.Context) { c.Status(http.StatusPaymentRequired) })
	return r
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	r := newMetricsRouter()
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/orders/verify", "404")
	before := testutil.ToFloat64(counter)

	for _, q := range []string{"?order_id=usio_a", "?order_id=usio_b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders/verify"+q, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("http_requests_total delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(telemetry.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/orders/verify?order_id=usio_a", "404")); got != 0 {
		t.Errorf("raw URL leaked into the path label")
	}
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	r := newMetricsRouter()
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/entitlements/check", "402")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/entitlements/check", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("delta = %v, want 1", got)
	}
}

func TestMetricsMiddleware_UnmatchedRoute(t *testing.T) {
	r := newMetricsRouter()
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "<no-route>", "404")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wp-admin/setup.php", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("delta = %v, want 1", got)
	}
}
