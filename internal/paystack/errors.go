package paystack

import (
	"fmt"
	"net/http"
)

// GatewayError is returned when the provider cannot be reached or rejects a
// request.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("paystack %s: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("paystack %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("paystack %s: %s", e.Op, e.Message)
	}
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *GatewayError) Transient() bool {
	if e.Err != nil {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
