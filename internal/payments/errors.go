package payments

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownReference means no order carries the gateway reference.
	ErrUnknownReference = errors.New("unknown payment reference")

	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
)

// AuthenticationError rejects a webhook delivery before its payload is read.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "webhook authentication failed: " + e.Reason
}

var (
	ErrMissingSignature = &AuthenticationError{Reason: "missing signature"}
	ErrInvalidSignature = &AuthenticationError{Reason: "invalid signature"}
)

// ReconciliationConflict is returned alongside a Result when a settlement
// cannot be applied to the order as is: a successful charge that does not
// match the order, or a settlement arriving after the order or payment moved
// on. The order has already been flagged for review when it is returned.
type ReconciliationConflict struct {
	OrderID          string
	Reference        string
	Expected         decimal.Decimal
	Paid             decimal.Decimal
	ExpectedCurrency string
	PaidCurrency     string
	// Reason is set for late settlements.
	Reason string
}

func (e *ReconciliationConflict) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("payment %s for order %s: %s", e.Reference, e.OrderID, e.Reason)
	}
	return fmt.Sprintf("payment %s for order %s: paid %s %s, expected %s %s",
		e.Reference, e.OrderID,
		e.Paid.StringFixed(2), e.PaidCurrency,
		e.Expected.StringFixed(2), e.ExpectedCurrency,
	)
}
