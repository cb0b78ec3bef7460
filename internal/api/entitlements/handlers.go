// Package entitlements implements the HTTP handlers that spend and report API
// key credits. The check endpoint is what the username-lookup and generation
// services call before doing any paid work.
package entitlements

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/ledger"
	"github.com/usernamesearch/entitlements/internal/middleware"
)

// Ledger is the part of the entitlement ledger used by these handlers.
type Ledger interface {
	RecordUsage(ctx context.Context, key string) (int64, error)
	GetAPIKeyStats(ctx context.Context, key string) (*ledger.Stats, error)
	ListKeys(ctx context.Context, email string) ([]*ledger.Stats, error)
}

// Handlers serves the entitlement endpoints
type Handlers struct {
	ledger Ledger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(l Ledger) *Handlers {
	return &Handlers{ledger: l}
}

// CheckHandler validates the caller's API key and spends one credit.
// POST /api/v1/entitlements/check
//
// 200 {valid:true, remaining_credits}; otherwise {valid:false, reason} with
// 401 (invalid_format, not_found), 403 (suspended), 402 (exhausted) or 503.
func (h *Handlers) CheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := middleware.GetAPIKey(c)

		remaining, err := h.ledger.RecordUsage(c.Request.Context(), key)
		if err != nil {
			status, reason := checkFailure(err)
			if status == http.StatusServiceUnavailable {
				slog.Error("entitlement check failed", "key_prefix", models.DisplayPrefix(key), "error", err)
			}
			c.JSON(status, gin.H{
				"valid":  false,
				"reason": reason,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"valid":             true,
			"remaining_credits": remaining,
		})
	}
}

func checkFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidFormat):
		return http.StatusUnauthorized, "invalid_format"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusUnauthorized, "not_found"
	case errors.Is(err, ledger.ErrSuspended):
		return http.StatusForbidden, "suspended"
	case errors.Is(err, ledger.ErrExhausted):
		return http.StatusPaymentRequired, "exhausted"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

// StatsHandler reports the balance of the caller's API key without spending.
// GET /api/v1/keys/stats
func (h *Handlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := middleware.GetAPIKey(c)

		stats, err := h.ledger.GetAPIKeyStats(c.Request.Context(), key)
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		if err != nil {
			slog.Error("failed to read api key stats", "key_prefix", models.DisplayPrefix(key), "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Key statistics are temporarily unavailable"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// ListKeysHandler lists the keys owned by the signed-in user.
// GET /api/v1/keys
func (h *Handlers) ListKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "A valid session is required"})
			return
		}

		keys, err := h.ledger.ListKeys(c.Request.Context(), claims.Email)
		if err != nil {
			slog.Error("failed to list api keys", "user_id", claims.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list API keys"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	}
}
