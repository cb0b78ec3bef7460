// Package middleware provides Gin HTTP middleware for credential extraction,
// sessions, admission control, security headers and request metrics.
//
// Middleware ordering is set in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → (per route) OptionalSession → RateLimit → Auth → Handler
//
// API keys are only extracted here. Whether a key may spend is decided by the
// ledger in the handler, because validation and spending are one operation.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/usernamesearch/entitlements/internal/auth"
)

// Context keys set by the auth middleware.
const (
	ContextKeyAPIKey = "api_key"
	ContextKeyClaims = "session_claims"
	ContextKeyUserID = "user_id"

	// APIKeyHeader is accepted as an alternative to "Authorization: Bearer".
	APIKeyHeader = "X-API-Key"

	// SessionTokenHeader carries a re-signed session token back to the client.
	SessionTokenHeader = "X-Session-Token"
)

// PlanRefresher re-reads the plan of a session whose copy is stale.
type PlanRefresher interface {
	RefreshPlan(ctx context.Context, claims *auth.Claims) (string, bool, error)
}

// extractCredential returns the credential from Authorization: Bearer or X-API-Key.
func extractCredential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if key, err := auth.ExtractAPIKeyFromHeader(h); err == nil {
			return key
		}
		return ""
	}
	return strings.TrimSpace(c.GetHeader(APIKeyHeader))
}

// RequireAPIKey rejects requests that carry no API key and stores the key
// under ContextKeyAPIKey.
func RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractCredential(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"valid":  false,
				"reason": "missing_api_key",
				"error":  "An API key is required in the Authorization or X-API-Key header",
			})
			return
		}
		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

// SessionAuth requires a valid session token and keeps its plan fresh.
func SessionAuth(refresher PlanRefresher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !applySession(c, refresher) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "A valid session is required",
			})
			return
		}
		c.Next()
	}
}

// OptionalSession sets the session when one is presented and continues either way.
func OptionalSession(refresher PlanRefresher) gin.HandlerFunc {
	return func(c *gin.Context) {
		applySession(c, refresher)
		c.Next()
	}
}

func applySession(c *gin.Context, refresher PlanRefresher) bool {
	token := extractCredential(c)
	if token == "" {
		return false
	}
	claims, err := auth.ValidateJWT(token)
	if err != nil {
		return false
	}

	if refresher != nil {
		fresh, refreshed, err := refresher.RefreshPlan(c.Request.Context(), claims)
		if err == nil && refreshed {
			c.Header(SessionTokenHeader, fresh)
		}
	}

	c.Set(ContextKeyClaims, claims)
	c.Set(ContextKeyUserID, claims.UserID)
	return true
}

// GetClaims returns the session claims set by SessionAuth or OptionalSession.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// GetAPIKey returns the key set by RequireAPIKey.
func GetAPIKey(c *gin.Context) string {
	return c.GetString(ContextKeyAPIKey)
}
