// Package positions holds the in-memory projection of active positions that the
// tick path writes and the risk loop reads.
package positions

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-risk-engine/internal/models"
)

// PositionData is a consistent snapshot of one cached position.
type PositionData struct {
	OrderNo          string
	SecurityID       string
	Segment          models.Segment
	Symbol           string
	UnderlyingSymbol string
	Side             models.Side
	Quantity         int64
	EntryPrice       decimal.Decimal

	CurrentLTP    decimal.Decimal
	PnL           decimal.Decimal
	PnLPct        decimal.Decimal
	PeakProfitPct decimal.Decimal
	HighWaterMark decimal.Decimal // rupees
	SLPrice       decimal.NullDecimal
	TPPrice       decimal.NullDecimal
	SLHit         bool
	TPHit         bool
	Exiting       bool
	LastUpdatedAt time.Time
}

// Key returns the cache key of the snapshot.
func (d PositionData) Key() models.PositionKey {
	return models.PositionKey{Segment: d.Segment, SecurityID: d.SecurityID}
}

// Update is a partial P&L update. Unset fields are left unchanged; PnL and
// PnLPct are derived from LTP when only LTP is given.
type Update struct {
	LTP           decimal.NullDecimal
	PnL           decimal.NullDecimal
	PnLPct        decimal.NullDecimal
	HighWaterMark decimal.NullDecimal
	At            time.Time
}

type entry struct {
	mu   sync.Mutex
	data PositionData
	gone bool
}

// Cache is the registry of active positions keyed by (segment, security_id).
// The map is guarded by one RWMutex; each entry has its own lock so updates to
// different positions never contend.
type Cache struct {
	mu      sync.RWMutex
	entries map[models.PositionKey]*entry
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache(logger zerolog.Logger) *Cache {
	return &Cache{
		entries: make(map[models.PositionKey]*entry),
		logger:  logger.With().Str("component", "position_cache").Logger(),
		now:     time.Now,
	}
}

// Add registers an active position. Adding the same position again updates
// identity and bracket levels in place and keeps the live P&L state.
func (c *Cache) Add(rec *models.PositionRecord, slPrice, tpPrice decimal.NullDecimal) PositionData {
	key := rec.Key()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if ok && e.data.OrderNo != rec.OrderNo {
		c.logger.Warn().
			Str("key", key.String()).
			Str("previous_order_no", e.data.OrderNo).
			Str("order_no", rec.OrderNo).
			Msg("Replacing cached position for security")
		ok = false
	}

	d := &e.data
	d.OrderNo = rec.OrderNo
	d.SecurityID = rec.SecurityID
	d.Segment = rec.Segment
	d.Symbol = rec.Symbol
	d.UnderlyingSymbol = rec.UnderlyingSymbol
	d.Side = rec.Side
	d.Quantity = rec.Quantity
	d.EntryPrice = rec.EntryPrice
	d.SLPrice = slPrice
	d.TPPrice = tpPrice
	e.gone = false

	if !ok {
		d.CurrentLTP = decimal.Zero
		d.PnL = rec.LastPnLRupees
		d.PnLPct = rec.LastPnLPct
		d.HighWaterMark = decimal.Max(rec.HighWaterMarkPnL, rec.LastPnLRupees)
		d.PeakProfitPct = decimal.Max(peakPctFromHWM(rec), rec.LastPnLPct)
		d.SLHit, d.TPHit, d.Exiting = false, false, false
		d.LastUpdatedAt = rec.UpdatedAt
	}
	c.refreshBracketFlags(d)

	return e.data
}

// peakPctFromHWM recovers the peak percentage from the persisted rupee
// high-water-mark after a restart.
func peakPctFromHWM(rec *models.PositionRecord) decimal.Decimal {
	cost := rec.EntryPrice.Mul(decimal.NewFromInt(rec.Quantity))
	if !cost.IsPositive() {
		return decimal.Zero
	}
	return rec.HighWaterMarkPnL.Div(cost).Mul(decimal.NewFromInt(100))
}

// Update applies u atomically to the position at key. It returns false when
// the position is not cached, which callers treat as already exited.
func (c *Cache) Update(key models.PositionKey, u Update) (PositionData, bool) {
	e := c.lookup(key)
	if e == nil {
		return PositionData{}, false
	}

	var (
		out PositionData
		ok  bool
	)
	c.isolate(key, "update", func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gone {
			return
		}
		c.apply(&e.data, u)
		out, ok = e.data, true
	})
	return out, ok
}

// ApplyTick updates the position from a market tick. Ticks older than the
// last update are ignored; a tick with the same timestamp replaces the price.
func (c *Cache) ApplyTick(key models.PositionKey, tick models.Tick) (PositionData, bool) {
	e := c.lookup(key)
	if e == nil {
		return PositionData{}, false
	}

	var (
		out PositionData
		ok  bool
	)
	c.isolate(key, "tick", func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.gone {
			return
		}
		if tick.Timestamp.Before(e.data.LastUpdatedAt) {
			out, ok = e.data, true
			return
		}
		c.apply(&e.data, Update{LTP: decimal.NewNullDecimal(tick.LTP), At: tick.Timestamp})
		out, ok = e.data, true
	})
	return out, ok
}

func (c *Cache) apply(d *PositionData, u Update) {
	if u.LTP.Valid {
		d.CurrentLTP = u.LTP.Decimal
		if !u.PnL.Valid || !u.PnLPct.Valid {
			pnl, pct := models.ComputePnL(d.EntryPrice, d.CurrentLTP, d.Quantity)
			if !u.PnL.Valid {
				u.PnL = decimal.NewNullDecimal(pnl)
			}
			if !u.PnLPct.Valid {
				u.PnLPct = decimal.NewNullDecimal(pct)
			}
		}
	}
	if u.PnL.Valid {
		d.PnL = u.PnL.Decimal
	}
	if u.PnLPct.Valid {
		d.PnLPct = u.PnLPct.Decimal
	}
	if u.HighWaterMark.Valid {
		if u.HighWaterMark.Decimal.LessThan(d.PnL) {
			c.logger.Error().
				Str("order_no", d.OrderNo).
				Str("high_water_mark", u.HighWaterMark.Decimal.String()).
				Str("pnl", d.PnL.String()).
				Msg("High-water-mark below current P&L, recomputing")
		}
		d.HighWaterMark = decimal.Max(d.HighWaterMark, u.HighWaterMark.Decimal)
	}

	d.PeakProfitPct = decimal.Max(d.PeakProfitPct, d.PnLPct)
	d.HighWaterMark = decimal.Max(d.HighWaterMark, d.PnL)
	c.refreshBracketFlags(d)

	if u.At.IsZero() {
		d.LastUpdatedAt = c.now()
	} else {
		d.LastUpdatedAt = u.At
	}
}

func (c *Cache) refreshBracketFlags(d *PositionData) {
	if !d.CurrentLTP.IsPositive() {
		return
	}
	d.SLHit = d.SLPrice.Valid && d.CurrentLTP.LessThanOrEqual(d.SLPrice.Decimal)
	d.TPHit = d.TPPrice.Valid && d.CurrentLTP.GreaterThanOrEqual(d.TPPrice.Decimal)
}

// Get returns a snapshot of the position at key.
func (c *Cache) Get(key models.PositionKey) (PositionData, bool) {
	e := c.lookup(key)
	if e == nil {
		return PositionData{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return PositionData{}, false
	}
	return e.data, true
}

// Remove drops the position at key. It reports whether it was cached.
func (c *Cache) Remove(key models.PositionKey) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
	return true
}

// MarkExiting excludes the position from rule evaluation while an exit is in
// flight. It returns false if the position is missing or already exiting.
func (c *Cache) MarkExiting(key models.PositionKey) bool {
	e := c.lookup(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.data.Exiting {
		return false
	}
	e.data.Exiting = true
	return true
}

// ClearExiting returns the position to the evaluation pool.
func (c *Cache) ClearExiting(key models.PositionKey) {
	e := c.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.data.Exiting = false
	e.mu.Unlock()
}

// EachActive yields a snapshot of every cached position that is not exiting.
// The key set is captured when iteration starts; each position is copied
// under its own lock so no snapshot is torn.
func (c *Cache) EachActive() iter.Seq[PositionData] {
	return func(yield func(PositionData) bool) {
		c.mu.RLock()
		entries := make([]*entry, 0, len(c.entries))
		for _, e := range c.entries {
			entries = append(entries, e)
		}
		c.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			d, skip := e.data, e.gone || e.data.Exiting
			e.mu.Unlock()
			if skip {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Len returns the number of cached positions, including ones being exited.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ActiveCount returns the number of positions eligible for evaluation.
func (c *Cache) ActiveCount() int {
	n := 0
	for range c.EachActive() {
		n++
	}
	return n
}

func (c *Cache) lookup(key models.PositionKey) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

// isolate runs fn and converts a panic into an error log for that key only.
func (c *Cache) isolate(key models.PositionKey, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("key", key.String()).
				Str("operation", op).
				Str("panic", fmt.Sprint(r)).
				Msg("Position cache operation failed")
		}
	}()
	fn()
}
