// Package api wires together all HTTP routes of the entitlement service.
//
// Route grouping:
//   - /api/v1/entitlements/check and /api/v1/keys/stats authenticate with an
//     API key. They are called by the lookup and generation services.
//   - /api/v1/keys, /api/v1/usage/daily and /api/v1/auth/me require a session
//     token, whose plan is refreshed on the way in.
//   - Order and sign-in routes are public and rate limited per client.
//   - /webhooks/payments is public and authenticated by the HMAC signature of
//     its body. It sits outside /api/v1 because the gateway is configured with
//     a fixed URL.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/usernamesearch/entitlements/internal/api/account"
	"github.com/usernamesearch/entitlements/internal/api/entitlements"
	"github.com/usernamesearch/entitlements/internal/api/orders"
	"github.com/usernamesearch/entitlements/internal/api/usage"
	"github.com/usernamesearch/entitlements/internal/audit"
	"github.com/usernamesearch/entitlements/internal/auth"
	"github.com/usernamesearch/entitlements/internal/auth/oidc"
	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/db/repositories"
	"github.com/usernamesearch/entitlements/internal/identity"
	"github.com/usernamesearch/entitlements/internal/jobs"
	"github.com/usernamesearch/entitlements/internal/ledger"
	"github.com/usernamesearch/entitlements/internal/middleware"
	"github.com/usernamesearch/entitlements/internal/payments"
	"github.com/usernamesearch/entitlements/internal/quota"
	"github.com/usernamesearch/entitlements/internal/ratelimit"
	"github.com/usernamesearch/entitlements/internal/receipts"
	"github.com/usernamesearch/entitlements/internal/safego"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sweeper    *jobs.Sweeper
	notifier   *jobs.LowCreditNotifier
	burstGuard *middleware.BurstGuard
	shipper    *audit.MultiShipper
	redis      *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	if bg.notifier != nil {
		bg.notifier.Stop()
	}
	if bg.burstGuard != nil {
		bg.burstGuard.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter builds the service graph, starts the background jobs and returns
// the configured Gin router. The storage backend named by
// storage.default_backend must be registered by the caller.
func NewRouter(ctx context.Context, cfg *config.Config, db *sql.DB, version string) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	// Redis carries OAuth state and, optionally, rate limit counters. It never
	// holds entitlement state.
	if cfg.Redis.Enabled {
		bg.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
		})
	}

	// Repositories
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	userRepo := repositories.NewUserRepository(db)
	paymentRepo := repositories.NewPaymentRepository(sqlx.NewDb(db, "postgres"))
	rateLimitRepo := repositories.NewRateLimitRepository(db)
	dailyUsageRepo := repositories.NewDailyUsageRepository(db)

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		bg.shipper = shipper
		var s audit.Shipper
		if shipper.Len() > 0 {
			s = shipper
		}
		recorder = audit.NewRecorder(repositories.NewAuditRepository(db), s)
	}

	archive, err := receipts.FromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open receipt archive: %w", err)
	}
	slog.Info("receipt archive ready", "backend", cfg.Storage.DefaultBackend, "sealed", cfg.Storage.EncryptionPassphrase != "")

	// Services
	keyLedger := ledger.New(apiKeyRepo, cfg.Auth.APIKeys.Prefix, recorder)
	reconciler := payments.NewReconciler(cfg.Payments, payments.Deps{
		Payments: paymentRepo,
		Ledger:   keyLedger,
		Users:    userRepo,
		Gateway:  payments.NewGateway(&cfg.Payments),
		Archive:  archive,
		Recorder: recorder,
	})
	sessions := identity.NewService(cfg.Session, userRepo, reconciler, recorder)
	dailyQuota := quota.New(dailyUsageRepo, cfg.Quota.FreeDailyLimit)

	var limiter ratelimit.Limiter = ratelimit.NewStoreLimiter(rateLimitRepo)
	if cfg.Security.RateLimiting.Backend == "redis" && bg.redis != nil {
		limiter = ratelimit.NewRedisLimiter(bg.redis)
	}
	limiter = ratelimit.FailOpen(limiter)

	var states auth.StateStore = auth.NewMemoryStateStore()
	if bg.redis != nil {
		states = auth.NewRedisStateStore(bg.redis)
	}

	var provider account.Provider
	if cfg.Auth.OIDC.Enabled {
		discoveryCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		p, err := oidc.NewOIDCProviderWithContext(discoveryCtx, &cfg.Auth.OIDC)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
		}
		provider = p
	}

	// Background jobs
	bg.sweeper = jobs.NewSweeper(rateLimitRepo, dailyUsageRepo, cfg.Security.RateLimiting.MaxWindow(), cfg.Quota.RetentionDays)
	bg.sweeper.Start(ctx, cfg.Security.RateLimiting.SweepInterval)

	bg.notifier = jobs.NewLowCreditNotifier(apiKeyRepo, nil, &cfg.Notifications)
	notifier := bg.notifier
	safego.Go("low-credit-notifier", func() { notifier.Start(ctx) })

	bg.burstGuard = middleware.NewBurstGuard(middleware.WebhookBurstGuardConfig())

	// Handlers
	entitlementHandlers := entitlements.NewHandlers(keyLedger)
	usageHandlers := usage.NewHandlers(dailyQuota)
	orderHandlers := orders.NewHandlers(reconciler, cfg.Server.IsDevelopment())
	accountHandlers := account.NewHandlers(cfg, provider, states, sessions)

	rateLimited := func(scope string, rule config.RateLimitRule) gin.HandlerFunc {
		if !cfg.Security.RateLimiting.Enabled || rule.Limit <= 0 {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimit(limiter, scope, rule.Limit, rule.Window)
	}
	rules := cfg.Security.RateLimiting

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, bg.redis))
	router.GET("/version", versionHandler(version))

	router.POST("/webhooks/payments", bg.burstGuard.Middleware("webhook"), orderHandlers.WebhookHandler())

	v1 := router.Group("/api/v1")
	{
		keyed := v1.Group("", middleware.RequireAPIKey())
		keyed.POST("/entitlements/check", entitlementHandlers.CheckHandler())
		keyed.GET("/keys/stats", entitlementHandlers.StatsHandler())

		signedIn := v1.Group("", middleware.SessionAuth(sessions))
		signedIn.GET("/keys", entitlementHandlers.ListKeysHandler())
		signedIn.POST("/usage/daily", usageHandlers.ConsumeHandler())
		signedIn.GET("/usage/daily", usageHandlers.CurrentHandler())
		signedIn.GET("/auth/me", accountHandlers.MeHandler())

		// Orders are open to anonymous buyers; a session only moves the
		// rate limit from the client IP to the user.
		optionalSession := middleware.OptionalSession(sessions)
		v1.POST("/orders", optionalSession, rateLimited("orders", rules.Orders), orderHandlers.CreateOrderHandler())
		v1.GET("/orders/verify", optionalSession, rateLimited("verify", rules.Verify), orderHandlers.VerifyOrderHandler())
		v1.GET("/auth/login", rateLimited("auth", rules.Auth), accountHandlers.LoginHandler())
		v1.GET("/auth/callback", rateLimited("auth", rules.Auth), accountHandlers.CallbackHandler())
	}

	return router, bg, nil
}

// healthCheckHandler returns the liveness of the service
// GET /health
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns whether the service can take traffic. Redis is
// checked only when it is configured.
// GET /ready
func readinessHandler(db *sql.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version
// GET /version
func versionHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The query string
// is not logged because order ids travel in it.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		level := slog.LevelInfo
		switch {
		case c.Writer.Status() >= 500:
			level = slog.LevelError
		case path == "/health" || path == "/ready":
			level = slog.LevelDebug
		}

		requestID := c.GetString(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", requestID),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Credentials are only allowed for explicitly listed origins.
		explicit, wildcard := false, false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if origin != "" && allowedOrigin == origin {
				explicit = true
				break
			}
			if allowedOrigin == "*" {
				wildcard = true
			}
		}

		if explicit || wildcard {
			if explicit {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			} else {
				c.Header("Access-Control-Allow-Origin", "*")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Requested-With")
			c.Header("Access-Control-Expose-Headers", "X-Session-Token, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
