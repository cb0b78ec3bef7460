// daily_usage_repository.go implements DailyUsageRepository for the free-tier
// daily quota. Rows are keyed by (user_id, ymd) so each UTC day starts fresh.
package repositories

import (
	"context"
	"database/sql"
	"time"
)

// DailyUsageRepository handles user_daily_usage database operations
type DailyUsageRepository struct {
	db *sql.DB
}

// NewDailyUsageRepository creates a new DailyUsageRepository
func NewDailyUsageRepository(db *sql.DB) *DailyUsageRepository {
	return &DailyUsageRepository{db: db}
}

// IncrementIfBelow adds one to the (userID, ymd) counter only while it is below
// limit, in one statement. ok is false when the limit was already reached.
func (r *DailyUsageRepository) IncrementIfBelow(ctx context.Context, userID, ymd string, limit int) (count int, ok bool, err error) {
	query := `
		INSERT INTO user_daily_usage (user_id, ymd, count, updated_at)
		VALUES ($1, $2, 1, $4)
		ON CONFLICT (user_id, ymd) DO UPDATE SET
			count = user_daily_usage.count + 1,
			updated_at = EXCLUDED.updated_at
		WHERE user_daily_usage.count < $3
		RETURNING count
	`
	err = r.db.QueryRowContext(ctx, query, userID, ymd, limit, time.Now()).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// Get returns the counter for (userID, ymd), zero when no row exists.
func (r *DailyUsageRepository) Get(ctx context.Context, userID, ymd string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count FROM user_daily_usage WHERE user_id = $1 AND ymd = $2`, userID, ymd).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// DeleteBefore removes counters for days before ymd. ymd sorts lexically.
func (r *DailyUsageRepository) DeleteBefore(ctx context.Context, ymd string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_daily_usage WHERE ymd < $1`, ymd)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
