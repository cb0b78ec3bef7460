package repositories

import (
	"errors"

	"github.com/lib/pq"
)

// Constraint names from the init migration, matched by IsUniqueViolation.
const (
	ConstraintAPIKeysPkey      = "api_keys_pkey"
	ConstraintAPIKeysPaymentID = "api_keys_payment_id_key"
	ConstraintUsersEmail       = "users_email_key"
)

const pqUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a PostgreSQL unique violation. When
// constraint is non-empty the violated constraint must match it.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
