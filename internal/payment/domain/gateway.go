// Package domain defines the payment gateway port and the error taxonomy
// the dunning machinery is built on.
package domain

import (
	"context"
	"errors"

	orderdomain "github.com/smallbiznis/rebill/internal/order/domain"
)

// Gateway charges a recurring order against the customer's stored payment
// method. Implementations return a *DeclineError for recoverable declines;
// any other error is a hard failure and is never retried.
type Gateway interface {
	Charge(ctx context.Context, order *orderdomain.RecurringOrder, paymentMethodID string) error
}

// DeclineError is a recoverable payment failure. It drives the dunning
// retry path and never propagates to the job caller as a hard error.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string { return e.Message }

// NewDecline builds a recoverable decline.
func NewDecline(code, message string) *DeclineError {
	return &DeclineError{Code: code, Message: message}
}

// ErrPaymentMethodNotFound is raised when an order closes with no usable
// payment method on the subscription. Treated as a decline: the customer
// may add a method before the next retry.
func ErrPaymentMethodNotFound() *DeclineError {
	return NewDecline("payment_method_not_found", "Payment method not found.")
}

// IsDecline reports whether err is a recoverable decline.
func IsDecline(err error) bool {
	var d *DeclineError
	return errors.As(err, &d)
}
