// Package broker places exit orders and reports their status.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"options-risk-engine/internal/models"
)

// ExitRequest identifies the position to close and why.
type ExitRequest struct {
	OrderNo        string
	SecurityID     string
	Segment        models.Segment
	Symbol         string
	Side           models.Side
	Quantity       int64
	Reason         string
	IdempotencyKey string
	// LastPrice is the LTP the exit decision was made on, if known.
	LastPrice decimal.NullDecimal
}

// ExitResult is the broker's answer to an exit request.
type ExitResult struct {
	Success   bool
	ExitPrice decimal.NullDecimal // set once the fill is known
	OrderID   string
	Error     string
}

// ExitPlacer places exit orders. Calls with the same idempotency key must be
// safe to repeat.
//
// A nil error with Success false is a definite rejection. A non-nil error
// means the outcome may be unknown; see errors.IsUnknownOutcome.
type ExitPlacer interface {
	PlaceBracketExit(ctx context.Context, req ExitRequest) (ExitResult, error)
}

// OrderState is the broker-side state of an exit order.
type OrderState string

const (
	OrderStateOpen      OrderState = "OPEN"
	OrderStateComplete  OrderState = "COMPLETE"
	OrderStateRejected  OrderState = "REJECTED"
	OrderStateCancelled OrderState = "CANCELLED"
	OrderStateNotFound  OrderState = "NOT_FOUND"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateComplete, OrderStateRejected, OrderStateCancelled:
		return true
	}
	return false
}

// ExitStatusQuery locates an exit order by broker id or, when the id was
// never received, by idempotency key.
type ExitStatusQuery struct {
	OrderID        string
	IdempotencyKey string
}

// ExitStatus is what the broker currently knows about an exit order.
type ExitStatus struct {
	State        OrderState
	OrderID      string
	AveragePrice decimal.NullDecimal
	Message      string
	UpdatedAt    time.Time
}

// OrderStatusChecker reports the status of previously placed exit orders.
type OrderStatusChecker interface {
	ExitStatus(ctx context.Context, q ExitStatusQuery) (ExitStatus, error)
}

// ExitBroker is both an ExitPlacer and an OrderStatusChecker.
type ExitBroker interface {
	ExitPlacer
	OrderStatusChecker
}
