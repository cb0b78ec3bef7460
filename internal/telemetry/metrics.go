// Package telemetry provides application-level observability for the entitlement service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<USIO_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Entitlement ledger: validations by result, credits consumed, key transitions
//   - Payment reconciler: webhooks by outcome, grants by outcome, gateway latency
//   - Rate limiter and daily quota decisions
//   - Background jobs and the database connection pool gauge
//
// # Label Cardinality
//
// No metric is labelled with a key, order id, email or client address.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Error rate (%):     sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency/route:  histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Entitlement ledger metrics.
//
// APIKeyValidationsTotal has label {result}: valid, invalid_format, not_found,
// suspended, exhausted, error.
//
// Example PromQL queries:
//   - Spend rate:             rate(credits_consumed_total[5m])
//   - Exhaustion share:       sum(rate(api_key_validations_total{result="exhausted"}[1h])) / sum(rate(api_key_validations_total[1h]))
var (
	APIKeyValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_key_validations_total",
			Help: "Total number of API key validations, by result.",
		},
		[]string{"result"},
	)

	CreditsConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Total number of credits successfully spent across all API keys.",
		},
	)

	APIKeysIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_keys_issued_total",
			Help: "Total number of API keys created.",
		},
	)

	APIKeyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_key_transitions_total",
			Help: "Total number of API key status transitions, by target status.",
		},
		[]string{"to"},
	)
)

// Payment reconciler metrics.
//
// WebhooksTotal has label {outcome}: processed, bad_signature, invalid, error.
// EntitlementGrantsTotal has label {outcome}: created, already_granted, conflict, error.
//
// Example PromQL queries:
//   - Alert on signature failures:  increase(payment_webhooks_total{outcome="bad_signature"}[15m]) > 10
//   - Gateway p95:                  histogram_quantile(0.95, rate(payment_gateway_request_duration_seconds_bucket[1h]))
var (
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Total number of payment webhook deliveries, by outcome.",
		},
		[]string{"outcome"},
	)

	EntitlementGrantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_grants_total",
			Help: "Total number of entitlement grant attempts for paid orders, by outcome.",
		},
		[]string{"outcome"},
	)

	OrdersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_orders_created_total",
			Help: "Total number of orders created, by outcome.",
		},
		[]string{"outcome"},
	)

	PaymentGatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_seconds",
			Help:    "Latency of payment gateway calls, by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	ReceiptsArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_receipts_archived_total",
			Help: "Total number of webhook receipts written to the archive, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Session metrics.
var (
	PlanSelfHealsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plan_self_heals_total",
			Help: "Total number of sign-ins that promoted a user to pro from payment history.",
		},
	)

	PlanRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_plan_refreshes_total",
			Help: "Total number of session plan refreshes, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Admission control metrics.
//
// RateLimitDecisionsTotal has labels {scope, decision} where decision is
// allowed or denied. RateLimitErrorsTotal counts store failures that were
// failed open.
var (
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of rate limit decisions, by scope and decision.",
		},
		[]string{"scope", "decision"},
	)

	RateLimitErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_errors_total",
			Help: "Total number of rate limiter failures that were failed open.",
		},
	)

	DailyQuotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daily_quota_decisions_total",
			Help: "Total number of daily quota checks, by decision (allowed, unlimited, exceeded).",
		},
		[]string{"decision"},
	)
)

// Background job metrics.
var (
	LowCreditNotificationsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "low_credit_notifications_sent_total",
			Help: "Total number of low-credit warning emails successfully sent.",
		},
	)

	SweptRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_rows_deleted_total",
			Help: "Total number of expired rows removed by the sweeper, by table.",
		},
		[]string{"table"},
	)
)

// DBOpenConnections tracks open connections in the sql.DB pool, sampled every
// 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every interval until ctx is
// cancelled or the database stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
