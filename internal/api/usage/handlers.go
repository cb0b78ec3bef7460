// Package usage implements the daily quota endpoints for signed-in users.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/usernamesearch/entitlements/internal/middleware"
	"github.com/usernamesearch/entitlements/internal/quota"
)

// Quota is the daily allowance tracker
type Quota interface {
	Consume(ctx context.Context, userID, plan string) (quota.Usage, error)
	Current(ctx context.Context, userID, plan string) (quota.Usage, error)
}

// Handlers serves /api/v1/usage/daily
type Handlers struct {
	quota Quota
}

// NewHandlers creates a new Handlers instance
func NewHandlers(q Quota) *Handlers {
	return &Handlers{quota: q}
}

// ConsumeHandler takes one unit of the caller's daily allowance.
// POST /api/v1/usage/daily
func (h *Handlers) ConsumeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "A valid session is required"})
			return
		}

		usage, err := h.quota.Consume(c.Request.Context(), claims.UserID, claims.Plan)
		if errors.Is(err, quota.ErrQuotaExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":  "Daily limit reached. Upgrade to Pro for unlimited searches.",
				"reason": "quota_exceeded",
				"usage":  usage,
			})
			return
		}
		if err != nil {
			slog.Error("failed to consume daily quota", "user_id", claims.UserID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage tracking is temporarily unavailable"})
			return
		}
		c.JSON(http.StatusOK, usage)
	}
}

// CurrentHandler reports today's usage without consuming any.
// GET /api/v1/usage/daily
func (h *Handlers) CurrentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "A valid session is required"})
			return
		}

		usage, err := h.quota.Current(c.Request.Context(), claims.UserID, claims.Plan)
		if err != nil {
			slog.Error("failed to read daily usage", "user_id", claims.UserID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage tracking is temporarily unavailable"})
			return
		}
		c.JSON(http.StatusOK, usage)
	}
}
