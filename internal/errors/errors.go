// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Standard sentinel errors
var (
	ErrMarketClosed       = errors.New("market is closed")
	ErrPositionNotFound   = errors.New("position not found")
	ErrInvalidTransition  = errors.New("invalid position status transition")
	ErrStaleData          = errors.New("market data is stale")
	ErrBrokerTimeout      = errors.New("broker call timed out")
	ErrBrokerRejected     = errors.New("broker rejected order")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrIdempotencyStore   = errors.New("idempotency store unavailable")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
	ErrDuplicatePosition  = errors.New("position already exists")
	ErrUnknownExitOutcome = errors.New("exit outcome unknown")
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a non-retryable BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewRetryableBrokerError creates a BrokerError the transport layer may retry.
func NewRetryableBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}

// ExitError represents a failed exit attempt for a position.
type ExitError struct {
	OrderNo string
	Reason  string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit error [%s] %s: %v", e.OrderNo, e.Reason, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError.
func NewExitError(orderNo, reason string, err error) *ExitError {
	return &ExitError{
		OrderNo: orderNo,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RuleError represents a failure inside a single exit rule, including a recovered panic.
type RuleError struct {
	Rule    string
	OrderNo string
	Err     error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule error [%s] position %s: %v", e.Rule, e.OrderNo, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// NewRuleError creates a new RuleError.
func NewRuleError(rule, orderNo string, err error) *RuleError {
	return &RuleError{
		Rule:    rule,
		OrderNo: orderNo,
		Err:     err,
	}
}

// TransitionError reports a rejected position status change.
type TransitionError struct {
	OrderNo string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("position %s: cannot move from %s to %s", e.OrderNo, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(orderNo, from, to string) *TransitionError {
	return &TransitionError{
		OrderNo: orderNo,
		From:    from,
		To:      to,
	}
}

// IsRetryable reports whether err is a transient transport failure.
// Business rejections and validation failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Retryable
	}
	if errors.Is(err, ErrBrokerTimeout) || errors.Is(err, ErrConnectionFailed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsTimeout reports whether err means the outcome of a call is unknown.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBrokerTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsUnknownOutcome reports whether a broker call may have taken effect even
// though it returned an error.
func IsUnknownOutcome(err error) bool {
	return IsTimeout(err) || errors.Is(err, ErrUnknownExitOutcome)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
