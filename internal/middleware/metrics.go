package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is the matched route template from c.FullPath(), never the
// raw URL, so order ids in query strings cannot inflate label cardinality.
// Unmatched requests use "<no-route>".
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final status
// is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
