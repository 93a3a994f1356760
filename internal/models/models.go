// Package models provides domain models for the risk engine.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Segment is the exchange segment an instrument trades on.
type Segment string

const (
	SegmentNFO      Segment = "NFO" // NSE F&O
	SegmentBFO      Segment = "BFO" // BSE F&O
	SegmentNSEIndex Segment = "NSE" // NSE indices (underlyings)
	SegmentBSEIndex Segment = "BSE" // BSE indices (underlyings)
)

// Valid reports whether s is a known segment.
func (s Segment) Valid() bool {
	switch s {
	case SegmentNFO, SegmentBFO, SegmentNSEIndex, SegmentBSEIndex:
		return true
	}
	return false
}

// Side is the direction of a bought option. Options are never written at this layer.
type Side string

const (
	SideLongCall Side = "long_call"
	SideLongPut  Side = "long_put"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLongCall || s == SideLongPut
}

// PositionKey identifies a live position in the cache and in market data.
type PositionKey struct {
	Segment    Segment
	SecurityID string
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s", k.Segment, k.SecurityID)
}

// Tick is the latest traded price for a security.
type Tick struct {
	LTP       decimal.Decimal
	Timestamp time.Time
}

// Age returns how old the tick is at now.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// UnderlyingHealth is the normalized indicator output for an underlying index.
type UnderlyingHealth struct {
	Symbol     string
	TrendScore float64 // -100..100, positive is bullish
	ATR        float64
	ATRAverage float64 // recent average ATR
	UpdatedAt  time.Time
}

// DirectionalScore returns the trend score seen from a position's side:
// positive when the underlying moves in the position's favour.
func (h UnderlyingHealth) DirectionalScore(side Side) float64 {
	if side == SideLongPut {
		return -h.TrendScore
	}
	return h.TrendScore
}

var hundred = decimal.NewFromInt(100)

// ComputePnL returns the rupee and percentage P&L of a long option position.
// pct is zero when entry is not positive.
func ComputePnL(entry, ltp decimal.Decimal, quantity int64) (rupees, pct decimal.Decimal) {
	rupees = ltp.Sub(entry).Mul(decimal.NewFromInt(quantity))
	if !entry.IsPositive() {
		return rupees, decimal.Zero
	}
	pct = ltp.Sub(entry).Div(entry).Mul(hundred)
	return rupees, pct
}
