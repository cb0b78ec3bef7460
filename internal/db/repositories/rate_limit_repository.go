// rate_limit_repository.go implements RateLimitRepository, the fixed-window
// counter table behind the store rate limiter.
package repositories

import (
	"context"
	"database/sql"
	"time"
)

// RateLimitRepository handles rate_limits database operations
type RateLimitRepository struct {
	db *sql.DB
}

// NewRateLimitRepository creates a new RateLimitRepository
func NewRateLimitRepository(db *sql.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// DeleteBefore removes records for identifier older than cutoff.
func (r *RateLimitRepository) DeleteBefore(ctx context.Context, identifier string, cutoff time.Time) error {
	query := `DELETE FROM rate_limits WHERE identifier = $1 AND created_at < $2`
	_, err := r.db.ExecContext(ctx, query, identifier, cutoff)
	return err
}

// CountSince returns the number of records for identifier at or after since,
// and the oldest of their timestamps (nil when there are none).
func (r *RateLimitRepository) CountSince(ctx context.Context, identifier string, since time.Time) (int, *time.Time, error) {
	query := `
		SELECT COUNT(*), MIN(created_at)
		FROM rate_limits
		WHERE identifier = $1 AND created_at >= $2
	`
	var count int
	var oldest sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, identifier, since).Scan(&count, &oldest); err != nil {
		return 0, nil, err
	}
	if !oldest.Valid {
		return count, nil, nil
	}
	return count, &oldest.Time, nil
}

// Insert records one admitted request.
func (r *RateLimitRepository) Insert(ctx context.Context, identifier string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO rate_limits (identifier, created_at) VALUES ($1, $2)`, identifier, at)
	return err
}

// Sweep removes every record older than cutoff and returns how many were removed.
func (r *RateLimitRepository) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
