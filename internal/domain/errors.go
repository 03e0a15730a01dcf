// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Parameter preparation errors. These are never retried: the operation is
// skipped before any wire call is made.
var (
	ErrInvalidAddress   = errors.New("address must evaluate to a non-negative integer")
	ErrInvalidValue     = errors.New("invalid write value")
	ErrInvalidCount     = errors.New("count must be a positive integer")
	ErrInvalidDeviceKey = errors.New("device key must evaluate to a non-empty string")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Connection errors.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPoolClosed       = errors.New("connection pool is closed")
	ErrInvalidUnitID    = errors.New("invalid unit ID")
)

// Broker errors.
var (
	ErrBrokerConnectionFailed = errors.New("broker connection failed")
	ErrBrokerNotConnected     = errors.New("not connected to broker")
	ErrPublishFailed          = errors.New("publish failed")
)

// Execution errors.
var (
	ErrExchangeFailed     = errors.New("wire exchange failed")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrCapacityExceeded   = errors.New("admission capacity exceeded")
	ErrEngineHalted       = errors.New("engine halted after retry exhaustion")
	ErrEngineStopped      = errors.New("engine has been stopped")
)

// PreparationError wraps an invalid dynamic input (address, value, count or
// device key expression). It drops the single affected operation from the
// batch without aborting the rest.
type PreparationError struct {
	Op     Operation
	Reason error
	Cause  error
}

func (e *PreparationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("preparing %s: %v: %v", e.Op, e.Reason, e.Cause)
	}
	return fmt.Sprintf("preparing %s: %v", e.Op, e.Reason)
}

func (e *PreparationError) Unwrap() error { return e.Reason }

// NewPreparationError builds a PreparationError for an operation. reason is
// one of the preparation sentinel errors; cause is the underlying evaluator
// or conversion failure, if any.
func NewPreparationError(op Operation, reason, cause error) *PreparationError {
	return &PreparationError{Op: op, Reason: reason, Cause: cause}
}

// IsPreparationError reports whether err is a parameter preparation failure.
func IsPreparationError(err error) bool {
	var pe *PreparationError
	return errors.As(err, &pe)
}
