// Package quota enforces the daily allowance of free-plan users. Paid plans
// are unlimited. Days roll over at midnight UTC.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// DefaultFreeDailyLimit applies when quota.free_daily_limit is unset.
const DefaultFreeDailyLimit = 10

// ErrQuotaExceeded is returned once a free user has used today's allowance.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Store is the daily counter persistence.
type Store interface {
	IncrementIfBelow(ctx context.Context, userID, ymd string, limit int) (int, bool, error)
	Get(ctx context.Context, userID, ymd string) (int, error)
}

// Usage reports today's consumption. Limit is zero for unlimited plans.
type Usage struct {
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Unlimited bool   `json:"unlimited"`
}

// Quota tracks per-user daily usage
type Quota struct {
	store Store
	limit int
	now   func() time.Time
}

// New creates a Quota with the given free-plan limit.
func New(store Store, freeDailyLimit int) *Quota {
	if freeDailyLimit <= 0 {
		freeDailyLimit = DefaultFreeDailyLimit
	}
	return &Quota{store: store, limit: freeDailyLimit, now: time.Now}
}

// Today returns the UTC day key used for counters.
func (q *Quota) Today() string {
	return q.now().UTC().Format("2006-01-02")
}

// Consume takes one unit of today's allowance. Paid plans are never counted.
func (q *Quota) Consume(ctx context.Context, userID, plan string) (Usage, error) {
	day := q.Today()
	if models.IsPaidPlan(plan) {
		telemetry.DailyQuotaDecisionsTotal.WithLabelValues("unlimited").Inc()
		return Usage{Date: day, Unlimited: true}, nil
	}

	count, ok, err := q.store.IncrementIfBelow(ctx, userID, day, q.limit)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to record daily usage: %w", err)
	}
	if !ok {
		telemetry.DailyQuotaDecisionsTotal.WithLabelValues("exceeded").Inc()
		return Usage{Date: day, Count: q.limit, Limit: q.limit}, ErrQuotaExceeded
	}
	telemetry.DailyQuotaDecisionsTotal.WithLabelValues("allowed").Inc()
	return Usage{Date: day, Count: count, Limit: q.limit}, nil
}

// Current returns today's usage without consuming any.
func (q *Quota) Current(ctx context.Context, userID, plan string) (Usage, error) {
	day := q.Today()
	count, err := q.store.Get(ctx, userID, day)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read daily usage: %w", err)
	}
	if models.IsPaidPlan(plan) {
		return Usage{Date: day, Count: count, Unlimited: true}, nil
	}
	return Usage{Date: day, Count: count, Limit: q.limit}, nil
}
