// ratelimit.go provides the Gin side of admission control: a fixed-window
// limit backed by ratelimit.Limiter, and an in-process token bucket that
// sheds floods before they reach the database.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/usernamesearch/entitlements/internal/ratelimit"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// RateLimit admits at most limit requests per caller per window for one
// scope. Callers are identified by session user id, else client IP.
func RateLimit(limiter ratelimit.Limiter, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.CheckAndRecord(c.Request.Context(), rateLimitKey(c, scope), limit, window)
		if err != nil {
			// Only reachable when the limiter is not wrapped in FailOpen.
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Rate limiter unavailable"})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			telemetry.RateLimitDecisionsTotal.WithLabelValues(scope, "denied").Inc()
			retryAfter := int(time.Until(d.ResetAt).Seconds() + 0.5)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		telemetry.RateLimitDecisionsTotal.WithLabelValues(scope, "allowed").Inc()
		c.Next()
	}
}

func rateLimitKey(c *gin.Context, scope string) string {
	if id := c.GetString(ContextKeyUserID); id != "" {
		return scope + ":user:" + id
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return scope + ":ip:" + ip
}

// BurstGuardConfig configures the per-IP token bucket
type BurstGuardConfig struct {
	// RequestsPerSecond is the sustained refill rate
	RequestsPerSecond float64
	// Burst is the bucket size
	Burst int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
	// IdleTimeout is how long a bucket may go unused before it is dropped
	IdleTimeout time.Duration
}

// WebhookBurstGuardConfig returns limits for the payment webhook. Gateways
// retry slowly, so anything faster is noise.
func WebhookBurstGuardConfig() BurstGuardConfig {
	return BurstGuardConfig{
		RequestsPerSecond: 5,
		Burst:             20,
		CleanupInterval:   5 * time.Minute,
		IdleTimeout:       10 * time.Minute,
	}
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BurstGuard keeps one token bucket per client IP in memory.
type BurstGuard struct {
	cfg     BurstGuardConfig
	mu      sync.Mutex
	entries map[string]*guardEntry
	stopCh  chan struct{}
	once    sync.Once
}

// NewBurstGuard creates a guard and starts its cleanup goroutine.
func NewBurstGuard(cfg BurstGuardConfig) *BurstGuard {
	g := &BurstGuard{
		cfg:     cfg,
		entries: make(map[string]*guardEntry),
		stopCh:  make(chan struct{}),
	}
	go g.cleanup()
	return g
}

func (g *BurstGuard) cleanup() {
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			now := time.Now()
			for k, e := range g.entries {
				if now.Sub(e.lastSeen) > g.cfg.IdleTimeout {
					delete(g.entries, k)
				}
			}
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (g *BurstGuard) Stop() {
	g.once.Do(func() { close(g.stopCh) })
}

// Allow reports whether key has a token left.
func (g *BurstGuard) Allow(key string) bool {
	g.mu.Lock()
	e, ok := g.entries[key]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)}
		g.entries[key] = e
	}
	e.lastSeen = time.Now()
	g.mu.Unlock()
	return e.limiter.Allow()
}

// Len returns the number of tracked clients.
func (g *BurstGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Middleware rejects requests from a client whose bucket is empty.
func (g *BurstGuard) Middleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Allow(c.ClientIP()) {
			telemetry.RateLimitDecisionsTotal.WithLabelValues(scope, "denied").Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
