// api_key_repository.go implements APIKeyRepository, the store adapter behind the
// entitlement ledger: key creation, lookup, the atomic credit decrement and
// status transitions.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/usernamesearch/entitlements/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `key, owner_email, credits, used_credits, status, payment_id, low_credit_notified_at, created_at, updated_at`

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*models.APIKey, error) {
	k := &models.APIKey{}
	err := row.Scan(
		&k.Key,
		&k.OwnerEmail,
		&k.Credits,
		&k.UsedCredits,
		&k.Status,
		&k.PaymentID,
		&k.LowCreditNotifiedAt,
		&k.CreatedAt,
		&k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Create inserts a fresh key with used_credits=0 and status=active. A duplicate
// key or payment_id surfaces as a *pq.Error; see IsUniqueViolation.
func (r *APIKeyRepository) Create(ctx context.Context, apiKey *models.APIKey) error {
	now := time.Now()
	apiKey.UsedCredits = 0
	apiKey.Status = models.APIKeyStatusActive
	apiKey.CreatedAt = now
	apiKey.UpdatedAt = now

	query := `
		INSERT INTO api_keys (key, owner_email, credits, used_credits, status, payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 'active', $4, $5, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		apiKey.Key,
		apiKey.OwnerEmail,
		apiKey.Credits,
		apiKey.PaymentID,
		now,
	)
	return err
}

// GetByKey retrieves a key, or nil when it does not exist.
func (r *APIKeyRepository) GetByKey(ctx context.Context, key string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key = $1`

	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetByPaymentID retrieves the key funded by an order, or nil.
func (r *APIKeyRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE payment_id = $1`

	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, paymentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// ListByOwner lists keys owned by email, newest first.
func (r *APIKeyRepository) ListByOwner(ctx context.Context, email string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE owner_email = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ConsumeCredit spends one credit in a single conditional UPDATE. It flips the
// status to expired in the same statement when the last credit is spent.
// ok is false when no row matched (missing, spent, or not active); the
// caller must not assume anything was incremented in that case.
func (r *APIKeyRepository) ConsumeCredit(ctx context.Context, key string) (credits, used int64, status string, ok bool, err error) {
	query := `
		UPDATE api_keys
		SET used_credits = used_credits + 1,
			status = CASE WHEN used_credits + 1 >= credits THEN 'expired' ELSE status END,
			updated_at = NOW()
		WHERE key = $1 AND status = 'active' AND used_credits < credits
		RETURNING credits, used_credits, status
	`

	err = r.db.QueryRowContext(ctx, query, key).Scan(&credits, &used, &status)
	if err == sql.ErrNoRows {
		return 0, 0, "", false, nil
	}
	if err != nil {
		return 0, 0, "", false, err
	}
	return credits, used, status, true, nil
}

// UpdateStatus moves a key from one status to another. It returns false when
// the key was not in the from status.
func (r *APIKeyRepository) UpdateStatus(ctx context.Context, key, from, to string) (bool, error) {
	query := `UPDATE api_keys SET status = $3, updated_at = NOW() WHERE key = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, key, from, to)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLowCredit returns active keys whose remaining credits dropped below
// thresholdPercent of their total and whose owner has not yet been warned.
func (r *APIKeyRepository) ListLowCredit(ctx context.Context, thresholdPercent int) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE status = 'active'
		  AND low_credit_notified_at IS NULL
		  AND (credits - used_credits) * 100 < credits * $1
		ORDER BY updated_at
	`

	rows, err := r.db.QueryContext(ctx, query, thresholdPercent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MarkLowCreditNotified records that the low-credit warning was sent.
func (r *APIKeyRepository) MarkLowCreditNotified(ctx context.Context, key string) error {
	query := `UPDATE api_keys SET low_credit_notified_at = $2 WHERE key = $1`
	_, err := r.db.ExecContext(ctx, query, key, time.Now())
	return err
}
