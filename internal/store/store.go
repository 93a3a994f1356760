// Package store persists positions and their exit audit trail.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"options-risk-engine/internal/models"
)

// PositionStore is the durable home of PositionRecords, keyed by order_no.
// Every status change is a compare-and-set on the current status; illegal
// changes fail with an error wrapping ErrInvalidTransition.
type PositionStore interface {
	Create(ctx context.Context, rec *models.PositionRecord) error
	Activate(ctx context.Context, orderNo string, entryPrice decimal.Decimal, at time.Time) error
	UpdatePnL(ctx context.Context, orderNo string, snap PnLSnapshot) error
	MarkExitRequested(ctx context.Context, orderNo string, meta map[string]string) error
	MarkExited(ctx context.Context, orderNo string, exitPrice decimal.NullDecimal, meta map[string]string, at time.Time) error
	RevertToActive(ctx context.Context, orderNo string) error
	Cancel(ctx context.Context, orderNo string) error

	Get(ctx context.Context, orderNo string) (*models.PositionRecord, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PositionRecord, error)

	RecordExitEvent(ctx context.Context, ev *ExitEvent) error
	ExitEvents(ctx context.Context, filter ExitEventFilter) ([]ExitEvent, error)

	Close() error
}

// PnLSnapshot is the latest P&L of an active position.
type PnLSnapshot struct {
	PnLRupees     decimal.Decimal
	PnLPct        decimal.Decimal
	HighWaterMark decimal.Decimal
	At            time.Time
}

// ExitEvent is one exit attempt and what came of it.
type ExitEvent struct {
	ID             string
	OrderNo        string
	Reason         string
	Outcome        string
	IdempotencyKey string
	BrokerOrderID  string
	ExitPrice      decimal.NullDecimal
	Error          string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ExitEventFilter represents filters for querying exit events.
type ExitEventFilter struct {
	OrderNo   string
	Outcome   string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
