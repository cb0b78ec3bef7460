// sweeper.go implements the Sweeper background job, which garbage-collects
// admission-control rows: rate_limits records older than the largest
// configured window, and user_daily_usage counters older than the retention
// period. The rate limiter already trims per identifier on every check; the
// sweeper removes identifiers that never come back.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/usernamesearch/entitlements/internal/safego"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// RateLimitSweepStore removes expired rate limit records.
type RateLimitSweepStore interface {
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// DailyUsageSweepStore removes old daily counters.
type DailyUsageSweepStore interface {
	DeleteBefore(ctx context.Context, ymd string) (int64, error)
}

// Sweeper periodically deletes expired admission-control rows.
type Sweeper struct {
	rateLimits    RateLimitSweepStore
	dailyUsage    DailyUsageSweepStore
	maxWindow     time.Duration
	retentionDays int
	now           func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper. maxWindow is the largest rate limit window in
// use; retentionDays is how many past days of usage counters to keep.
func NewSweeper(rateLimits RateLimitSweepStore, dailyUsage DailyUsageSweepStore, maxWindow time.Duration, retentionDays int) *Sweeper {
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Sweeper{
		rateLimits:    rateLimits,
		dailyUsage:    dailyUsage,
		maxWindow:     maxWindow,
		retentionDays: retentionDays,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// Start runs a sweep immediately and then every interval in a background
// goroutine.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	slog.Info("starting sweeper", "interval", interval, "max_window", s.maxWindow, "retention_days", s.retentionDays)

	s.wg.Add(1)
	safego.Go("sweeper", func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopCh:
				slog.Info("sweeper stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Stop stops the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// RunOnce performs one sweep of both tables. Failures are logged.
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now()

	if s.rateLimits != nil {
		n, err := s.rateLimits.Sweep(ctx, now.Add(-s.maxWindow))
		if err != nil {
			slog.Error("sweeper: failed to delete rate limit records", "error", err)
		} else if n > 0 {
			telemetry.SweptRowsTotal.WithLabelValues("rate_limits").Add(float64(n))
			slog.Debug("sweeper: deleted rate limit records", "count", n)
		}
	}

	if s.dailyUsage != nil {
		cutoff := now.UTC().AddDate(0, 0, -s.retentionDays).Format("2006-01-02")
		n, err := s.dailyUsage.DeleteBefore(ctx, cutoff)
		if err != nil {
			slog.Error("sweeper: failed to delete daily usage counters", "error", err)
		} else if n > 0 {
			telemetry.SweptRowsTotal.WithLabelValues("user_daily_usage").Add(float64(n))
			slog.Debug("sweeper: deleted daily usage counters", "count", n)
		}
	}
}
