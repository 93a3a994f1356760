package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"options-risk-engine/internal/models"
	"options-risk-engine/internal/positions"
)

// ContextInput carries everything needed to build a Context.
type ContextInput struct {
	Position      positions.PositionData
	Status        models.Status // defaults to active for cached positions
	Params        *Params
	Now           time.Time
	MarketClosed  bool
	SessionEnding bool
	Underlying    *models.UnderlyingHealth
}

// Context is an immutable snapshot of one position at one instant. Rules read
// it through accessors; nothing can change it once built.
type Context struct {
	position      positions.PositionData
	status        models.Status
	params        *Params
	now           time.Time
	marketClosed  bool
	sessionEnding bool
	underlying    models.UnderlyingHealth
	hasUnderlying bool
}

// NewContext builds a Context from in.
func NewContext(in ContextInput) *Context {
	c := &Context{
		position:      in.Position,
		status:        in.Status,
		params:        in.Params,
		now:           in.Now,
		marketClosed:  in.MarketClosed,
		sessionEnding: in.SessionEnding,
	}
	if c.status == "" {
		c.status = models.StatusActive
	}
	if in.Underlying != nil {
		c.underlying = *in.Underlying
		c.hasUnderlying = true
	}
	return c
}

// Position returns the position snapshot.
func (c *Context) Position() positions.PositionData { return c.position }

// Status returns the position status at snapshot time.
func (c *Context) Status() models.Status { return c.status }

// Params returns the resolved risk configuration, which may be nil.
func (c *Context) Params() *Params { return c.params }

// Now returns the evaluation time.
func (c *Context) Now() time.Time { return c.now }

// LocalNow returns the evaluation time in the exchange timezone.
func (c *Context) LocalNow() time.Time {
	if c.params == nil || c.params.Location == nil {
		return c.now
	}
	return c.now.In(c.params.Location)
}

// MarketClosed reports the session state at snapshot time.
func (c *Context) MarketClosed() bool { return c.marketClosed }

// SessionEnding reports whether the exit deadline has been reached.
func (c *Context) SessionEnding() bool { return c.sessionEnding }

// PnLPct returns the current P&L percent of entry premium.
func (c *Context) PnLPct() decimal.Decimal { return c.position.PnLPct }

// PnLRupees returns the current absolute P&L.
func (c *Context) PnLRupees() decimal.Decimal { return c.position.PnL }

// PeakProfitPct returns the best P&L percent seen since entry.
func (c *Context) PeakProfitPct() decimal.Decimal { return c.position.PeakProfitPct }

// HighWaterMark returns the best rupee P&L seen since entry.
func (c *Context) HighWaterMark() decimal.Decimal { return c.position.HighWaterMark }

// Underlying returns the underlying health, if the indicator collaborator has any.
func (c *Context) Underlying() (models.UnderlyingHealth, bool) {
	return c.underlying, c.hasUnderlying
}

// untrusted returns the data-quality reason a rule must skip, or "".
func (c *Context) untrusted() string {
	switch {
	case c.params == nil:
		return "missing_risk_config"
	case c.status != models.StatusActive:
		return "not_active"
	case !c.position.EntryPrice.IsPositive():
		return "missing_entry_price"
	case c.position.OrderNo == "":
		return "missing_identity"
	}
	return ""
}
