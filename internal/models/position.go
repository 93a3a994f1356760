package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusExitRequested Status = "exit_requested"
	StatusExited        Status = "exited"
	StatusCancelled     Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusActive, StatusCancelled},
	StatusActive:        {StatusExitRequested, StatusExited, StatusCancelled},
	StatusExitRequested: {StatusExited, StatusActive},
	StatusExited:        nil,
	StatusCancelled:     nil,
}

// CanTransition reports whether a position may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusExited || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Meta keys written at exit.
const (
	MetaExitReason     = "exit_reason"
	MetaExitOutcome    = "exit_outcome"
	MetaIdempotencyKey = "idempotency_key"
	MetaExitOrderID    = "exit_order_id"
)

// PositionRecord is the durable record of one option-buying position.
type PositionRecord struct {
	OrderNo          string
	SecurityID       string
	Segment          Segment
	Symbol           string
	UnderlyingSymbol string
	Side             Side
	Quantity         int64
	LotSize          int64
	EntryPrice       decimal.Decimal
	SLPrice          decimal.NullDecimal
	TPPrice          decimal.NullDecimal
	Status           Status
	HighWaterMarkPnL decimal.Decimal
	LastPnLRupees    decimal.Decimal
	LastPnLPct       decimal.Decimal
	ExitPrice        decimal.NullDecimal
	Meta             map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExitedAt         *time.Time
}

// Key returns the cache/market-data key of the position.
func (p *PositionRecord) Key() PositionKey {
	return PositionKey{Segment: p.Segment, SecurityID: p.SecurityID}
}

// Validate checks identity, lot alignment and the entry-price-before-active invariant.
func (p *PositionRecord) Validate() error {
	if p.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if p.SecurityID == "" {
		return fmt.Errorf("security_id is required")
	}
	if !p.Segment.Valid() {
		return fmt.Errorf("invalid segment %q", p.Segment)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("invalid side %q", p.Side)
	}
	if p.Quantity == 0 {
		return fmt.Errorf("quantity must be non-zero")
	}
	if p.LotSize > 0 && p.Quantity%p.LotSize != 0 {
		return fmt.Errorf("quantity %d is not a multiple of lot size %d", p.Quantity, p.LotSize)
	}
	if p.Status != StatusPending && !p.EntryPrice.IsPositive() {
		return fmt.Errorf("entry_price must be set before status %s", p.Status)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (p *PositionRecord) Clone() *PositionRecord {
	c := *p
	if p.Meta != nil {
		c.Meta = make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			c.Meta[k] = v
		}
	}
	if p.ExitedAt != nil {
		t := *p.ExitedAt
		c.ExitedAt = &t
	}
	return &c
}
