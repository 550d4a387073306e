package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureInvalid   = errors.New("webhook signature invalid")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrNoGatewayReference = errors.New("payment has no gateway reference")
	ErrInvalidTransition  = errors.New("invalid payment status transition")

	ErrBatchTooLarge  = errors.New("too many payment ids in batch")
	ErrEmptyBatch     = errors.New("no payment ids in batch")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidStatus  = errors.New("invalid payment status")
	ErrPollInProgress = errors.New("poll already in progress for payment")
)

// GatewayError wraps any failure talking to the payment processor: network,
// auth, rate limit or timeout. It never implies a state transition.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Timeout    bool
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway %s: timed out", e.Op)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when an operation is not allowed from
// the payment's current status.
type InvalidTransitionError struct {
	PaymentID string
	Current   PaymentStatus
	Action    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s payment %s in status %s", e.Action, e.PaymentID, e.Current)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func IsGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr)
}
