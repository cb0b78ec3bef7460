// Package ratelimit implements the fixed-window admission control used on the
// public order and verification endpoints.
//
// StoreLimiter keeps one row per admitted request in PostgreSQL and is the
// authoritative implementation. RedisLimiter is an opt-in alternative for
// deployments that already run Redis. FailOpen wraps either so that a store
// outage never blocks a purchase.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// Decision is the outcome of one CheckAndRecord call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits at most limit requests per identifier per window.
type Limiter interface {
	CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error)
}

// Store is the persistence behind StoreLimiter.
type Store interface {
	DeleteBefore(ctx context.Context, identifier string, cutoff time.Time) error
	CountSince(ctx context.Context, identifier string, since time.Time) (int, *time.Time, error)
	Insert(ctx context.Context, identifier string, at time.Time) error
}

// StoreLimiter counts admitted requests in the rate_limits table.
type StoreLimiter struct {
	store Store
	now   func() time.Time
}

// NewStoreLimiter creates a StoreLimiter
func NewStoreLimiter(store Store) *StoreLimiter {
	return &StoreLimiter{store: store, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (l *StoreLimiter) WithClock(now func() time.Time) *StoreLimiter {
	l.now = now
	return l
}

// CheckAndRecord drops records older than the window, counts the rest and
// records this request only when it is admitted. Concurrent callers on the same
// identifier may overshoot the limit by the number of racing requests.
func (l *StoreLimiter) CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	now := l.now()
	windowStart := now.Add(-window)

	if err := l.store.DeleteBefore(ctx, identifier, windowStart); err != nil {
		return Decision{}, fmt.Errorf("failed to expire rate limit records: %w", err)
	}
	count, oldest, err := l.store.CountSince(ctx, identifier, windowStart)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count rate limit records: %w", err)
	}

	resetAt := now.Add(window)
	if oldest != nil {
		resetAt = oldest.Add(window)
	}

	if count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	if err := l.store.Insert(ctx, identifier, now); err != nil {
		return Decision{}, fmt.Errorf("failed to record request: %w", err)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - count - 1, ResetAt: resetAt}, nil
}

// failOpen admits every request its inner limiter cannot decide.
type failOpen struct {
	inner Limiter
}

// FailOpen wraps l so that store errors admit the request.
func FailOpen(l Limiter) Limiter {
	return &failOpen{inner: l}
}

func (f *failOpen) CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	d, err := f.inner.CheckAndRecord(ctx, identifier, limit, window)
	if err != nil {
		telemetry.RateLimitErrorsTotal.Inc()
		slog.Warn("rate limiter unavailable, admitting request", "error", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().Add(window)}, nil
	}
	return d, nil
}
