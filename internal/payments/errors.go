// errors.go defines the error taxonomy of the payment reconciler. Handlers map
// ErrAuthentication to 401, ErrValidation to 400, ErrNotFound to 404,
// ErrTimeout to 504 and *GatewayError to 502; anything else is transient.
package payments

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("invalid payment request")
	ErrNotFound       = errors.New("order not found")
	ErrAuthentication = errors.New("webhook signature verification failed")
	ErrTimeout        = errors.New("payment gateway timed out")
)

// GatewayError is a non-2xx answer from the payment gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway returned status %d", e.StatusCode)
}
