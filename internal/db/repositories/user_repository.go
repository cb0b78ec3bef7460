// Package repositories implements the data access layer for the entitlement service.
// Each repository type encapsulates all queries for one table. Services never
// issue SQL directly, which keeps query shape testable with sqlmock in isolation.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/usernamesearch/entitlements/internal/db/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, avatar_url, plan, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.AvatarURL,
		&user.Plan,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UpsertUser inserts the user or refreshes profile fields and last_login_at of
// an existing row. The stored plan is never changed here; the returned user
// carries it. When another identity already owns the email, that account is
// returned instead, so both identities share one plan.
func (r *UserRepository) UpsertUser(ctx context.Context, user *models.User) (*models.User, error) {
	now := time.Now()

	query := `
		INSERT INTO users (id, email, name, avatar_url, plan, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, 'free', $5, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = COALESCE(EXCLUDED.name, users.name),
			avatar_url = COALESCE(EXCLUDED.avatar_url, users.avatar_url),
			updated_at = EXCLUDED.updated_at,
			last_login_at = EXCLUDED.last_login_at
		RETURNING ` + userColumns

	stored, err := scanUser(r.db.QueryRowContext(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.AvatarURL,
		now,
	))
	if !IsUniqueViolation(err, ConstraintUsersEmail) {
		return stored, err
	}

	owner, lookupErr := r.GetUserByEmail(ctx, user.Email)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if owner == nil {
		// The owning row went away between the two statements.
		return nil, err
	}
	return owner, nil
}

// GetUserByEmail retrieves a user by email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetPlan returns the stored plan for a user, or "" when the user does not exist.
func (r *UserRepository) GetPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := r.db.QueryRowContext(ctx, `SELECT plan FROM users WHERE id = $1`, userID).Scan(&plan)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return plan, nil
}

// SetPlan sets the plan of one user by id.
func (r *UserRepository) SetPlan(ctx context.Context, userID, plan string) error {
	query := `UPDATE users SET plan = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, plan, time.Now())
	return err
}

// SetPlanByEmail sets the plan of the user owning email. It returns the number
// of rows changed; zero means no user has signed in with that email yet.
// Enterprise users are never downgraded to pro.
func (r *UserRepository) SetPlanByEmail(ctx context.Context, email, plan string) (int64, error) {
	query := `
		UPDATE users SET plan = $2, updated_at = $3
		WHERE email = $1 AND plan <> 'enterprise'
	`
	result, err := r.db.ExecContext(ctx, query, email, plan, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
