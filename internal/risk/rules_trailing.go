package risk

import (
	"github.com/shopspring/decimal"

	"options-risk-engine/internal/config"
)

// SecureProfitRule protects an absolute profit. Once the rupee high-water mark
// has reached secure_profit_threshold_rupees it exits when the P&L percent has
// given back secure_profit_drawdown_pct points from the peak, even if the
// current P&L has already slipped under the threshold. A position that never
// peaked that high rides.
type SecureProfitRule struct{}

func (SecureProfitRule) Name() string  { return config.RuleSecureProfit }
func (SecureProfitRule) Priority() int { return PrioritySecureProfit }

func (SecureProfitRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	p := c.Params()
	if !p.SecureProfitDrawdownPct.IsPositive() {
		return NoAction(), nil
	}
	if c.HighWaterMark().LessThan(p.SecureProfitThresholdRupees) {
		return NoAction(), nil
	}

	drawdown := c.PeakProfitPct().Sub(c.PnLPct())
	if drawdown.GreaterThanOrEqual(p.SecureProfitDrawdownPct) {
		return Exit(ReasonSecureProfit, values(
			"pnl_rupees", c.PnLRupees(),
			"high_water_mark", c.HighWaterMark(),
			"threshold_rupees", p.SecureProfitThresholdRupees,
			"peak_pct", c.PeakProfitPct(),
			"pnl_pct", c.PnLPct(),
			"drawdown_pct", drawdown,
		)), nil
	}
	return NoAction(), nil
}

// PeakDrawdownRule is the percentage trailing exit. It arms once the peak
// profit has reached trailing.activation_pct and then exits when the P&L has
// fallen at least the allowed number of points from the peak. Tiers narrow
// the allowance as the peak rises.
type PeakDrawdownRule struct{}

func (PeakDrawdownRule) Name() string  { return config.RulePeakDrawdown }
func (PeakDrawdownRule) Priority() int { return PriorityPeakDrawdown }

func (PeakDrawdownRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	p := c.Params()
	peak := c.PeakProfitPct()
	if peak.LessThan(p.TrailingActivationPct) {
		// Not armed yet. Later rules still get their turn.
		return NoAction(), nil
	}

	allowed := p.AllowedDrawdown(peak)
	drawdown := peak.Sub(c.PnLPct())
	if drawdown.GreaterThanOrEqual(allowed) {
		return Exit(ReasonPeakDrawdown, values(
			"peak_pct", peak,
			"pnl_pct", c.PnLPct(),
			"drawdown_pct", drawdown,
			"allowed_drawdown_pct", allowed,
			"activation_pct", p.TrailingActivationPct,
		)), nil
	}
	return NoAction(), nil
}

// TrailingStopRule is the legacy trailing stop: once armed it exits when the
// rupee P&L has dropped trailing.drawdown_pct percent below its high-water-mark.
type TrailingStopRule struct{}

func (TrailingStopRule) Name() string  { return config.RuleTrailingStop }
func (TrailingStopRule) Priority() int { return PriorityTrailingStop }

func (TrailingStopRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	p := c.Params()
	hwm := c.HighWaterMark()
	if !hwm.IsPositive() || !p.TrailingDrawdownPct.IsPositive() {
		return NoAction(), nil
	}
	if c.PeakProfitPct().LessThan(p.TrailingActivationPct) {
		return NoAction(), nil
	}

	drop := hwm.Sub(c.PnLRupees()).Div(hwm).Mul(decimal.NewFromInt(100))
	if drop.GreaterThanOrEqual(p.TrailingDrawdownPct) {
		return Exit(ReasonTrailingStop, values(
			"high_water_mark", hwm,
			"pnl_rupees", c.PnLRupees(),
			"drop_pct", drop,
			"trailing_drawdown_pct", p.TrailingDrawdownPct,
		)), nil
	}
	return NoAction(), nil
}
