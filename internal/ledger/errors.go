// errors.go defines the sentinel errors returned by the entitlement ledger.
// Callers match them with errors.Is; store failures are returned wrapped and
// never match any of these.
package ledger

import "errors"

var (
	// Validation outcomes
	ErrInvalidFormat = errors.New("api key has an invalid format")
	ErrNotFound      = errors.New("api key not found")
	ErrSuspended     = errors.New("api key is not active")
	ErrExhausted     = errors.New("api key has no remaining credits")

	// Write outcomes
	ErrConflict          = errors.New("payment already has an api key")
	ErrInvalidTransition = errors.New("api key status transition not allowed")
)
