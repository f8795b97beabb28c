// internal/payment/errors.go
package payment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrDuplicateOrder          = errors.New("order already recorded")
	ErrTransitionConflict      = errors.New("transaction status changed concurrently")
	ErrTransactionClosed       = errors.New("transaction is no longer payable")
	ErrIllegalTransition       = errors.New("illegal status transition")
	ErrInvalidSignature        = errors.New("invalid payment signature")
	ErrPaymentNotCaptured      = errors.New("payment not captured")
	ErrAmountMismatch          = errors.New("payment amount mismatch")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	ErrInvalidWebhook          = errors.New("invalid webhook payload")
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
)

// Failure reasons stored on failed ledger entries.
const (
	ReasonInvalidSignature        = "invalid signature"
	ReasonVerificationUnreachable = "verification unreachable"
	ReasonAmountMismatch          = "Amount mismatch"
	ReasonWebhookFailure          = "Payment failed"
)

// NotCapturedError carries the status the gateway reported for a payment
// that was not captured.
type NotCapturedError struct {
	Status string
}

func (e *NotCapturedError) Error() string {
	return fmt.Sprintf("payment not captured: status %s", e.Status)
}

func (e *NotCapturedError) Unwrap() error {
	return ErrPaymentNotCaptured
}

// ClosedError reports the state that made a transaction unpayable.
type ClosedError struct {
	Status Status
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("transaction is %s", e.Status)
}

func (e *ClosedError) Unwrap() error {
	return ErrTransactionClosed
}

func notCapturedReason(status string) string {
	return "Payment status: " + status
}
