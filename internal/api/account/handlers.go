// Package account implements sign-in through the configured OpenID Connect
// provider and the session introspection endpoint.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/usernamesearch/entitlements/internal/auth"
	"github.com/usernamesearch/entitlements/internal/auth/oidc"
	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/identity"
	"github.com/usernamesearch/entitlements/internal/middleware"
)

// Provider is the identity provider leg of the sign-in flow.
type Provider interface {
	GetAuthURL(state string) string
	Authenticate(ctx context.Context, code string) (*oidc.UserInfo, error)
}

// SessionIssuer turns a verified identity into a session.
type SessionIssuer interface {
	OnSignIn(ctx context.Context, id identity.Identity) (*identity.Session, error)
}

// Handlers serves /api/v1/auth
type Handlers struct {
	cfg          *config.Config
	provider     Provider
	providerName string
	states       auth.StateStore
	sessions     SessionIssuer
}

// NewHandlers creates a new Handlers instance. provider is nil when sign-in
// is not configured.
func NewHandlers(cfg *config.Config, provider Provider, states auth.StateStore, sessions SessionIssuer) *Handlers {
	name := cfg.Auth.OIDC.ProviderName
	if name == "" {
		name = "oidc"
	}
	return &Handlers{
		cfg:          cfg,
		provider:     provider,
		providerName: name,
		states:       states,
		sessions:     sessions,
	}
}

// LoginHandler redirects the browser to the identity provider.
// GET /api/v1/auth/login
func (h *Handlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.provider == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sign-in is not configured"})
			return
		}

		state, err := auth.NewState()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate state"})
			return
		}
		if err := h.states.Save(c.Request.Context(), state); err != nil {
			slog.Error("failed to save oauth state", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sign-in is temporarily unavailable"})
			return
		}

		c.Redirect(http.StatusFound, h.provider.GetAuthURL(state))
	}
}

// CallbackHandler completes the authorization code flow and redirects the
// browser to the frontend with the session token. Without a frontend URL the
// session is returned as JSON.
// GET /api/v1/auth/callback?code=...&state=...
func (h *Handlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		frontendBase := deriveFrontendURL(h.cfg)

		// Errors go back to the frontend callback page, which shows them and
		// returns the user to the login screen.
		callbackError := func(errCode, description string) {
			if frontendBase == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": description})
				return
			}
			target := fmt.Sprintf(
				"%s/auth/callback?error=%s&error_description=%s",
				frontendBase,
				url.QueryEscape(errCode),
				url.QueryEscape(description),
			)
			c.Redirect(http.StatusFound, target)
		}

		if h.provider == nil {
			callbackError("provider_not_configured", "Sign-in is not configured.")
			return
		}
		if providerErr := c.Query("error"); providerErr != "" {
			callbackError(providerErr, "The identity provider did not complete the sign-in.")
			return
		}

		ctx := c.Request.Context()

		known, err := h.states.Consume(ctx, c.Query("state"))
		if err != nil {
			slog.Error("failed to consume oauth state", "error", err)
			callbackError("state_unavailable", "Sign-in is temporarily unavailable. Please try again.")
			return
		}
		if !known {
			callbackError("invalid_state", "Invalid or expired sign-in attempt. Please try logging in again.")
			return
		}

		code := c.Query("code")
		if code == "" {
			callbackError("missing_code", "The identity provider did not return an authorization code.")
			return
		}

		info, err := h.provider.Authenticate(ctx, code)
		if err != nil {
			slog.Warn("oidc authentication failed", "error", err)
			callbackError("authentication_failed", "Your identity could not be verified.")
			return
		}

		session, err := h.sessions.OnSignIn(ctx, identity.Identity{
			Provider:  h.providerName,
			AccountID: info.Subject,
			Email:     info.Email,
			Name:      info.Name,
			AvatarURL: info.AvatarURL,
		})
		if err != nil {
			slog.Error("failed to issue session", "error", err)
			callbackError("session_failed", "Failed to start your session.")
			return
		}

		if frontendBase == "" {
			c.JSON(http.StatusOK, session)
			return
		}
		redirectTarget := fmt.Sprintf("%s/auth/callback?token=%s", frontendBase, url.QueryEscape(session.Token))
		c.Redirect(http.StatusFound, redirectTarget)
	}
}

// MeHandler returns what the caller's session asserts, with a plan no older
// than the refresh interval. A re-signed token is in X-Session-Token.
// GET /api/v1/auth/me
func (h *Handlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "A valid session is required"})
			return
		}

		resp := gin.H{
			"user_id":           claims.UserID,
			"email":             claims.Email,
			"plan":              claims.Plan,
			"plan_refreshed_at": claims.PlanRefreshedTime().UTC().Format(time.RFC3339),
		}
		if claims.ExpiresAt != nil {
			resp["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if token := c.Writer.Header().Get(middleware.SessionTokenHeader); token != "" {
			resp["token"] = token
		}
		c.JSON(http.StatusOK, resp)
	}
}

// deriveFrontendURL returns the browser-facing base URL of the frontend.
// It tries server.frontend_url, then the origin of the OIDC redirect URL,
// then server.base_url.
func deriveFrontendURL(cfg *config.Config) string {
	if cfg.Server.FrontendURL != "" {
		return strings.TrimRight(cfg.Server.FrontendURL, "/")
	}
	if cfg.Auth.OIDC.RedirectURL != "" {
		if u, err := url.Parse(cfg.Auth.OIDC.RedirectURL); err == nil && u.Host != "" {
			return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
		}
	}
	return strings.TrimRight(cfg.Server.BaseURL, "/")
}
