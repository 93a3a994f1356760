package risk

import (
	"options-risk-engine/internal/config"
)

// BracketLimitRule exits when the latest tick has already crossed the
// position's bracket stop-loss or take-profit price.
type BracketLimitRule struct{}

func (BracketLimitRule) Name() string  { return config.RuleBracketLimit }
func (BracketLimitRule) Priority() int { return PriorityBracketLimit }

func (BracketLimitRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	p := c.Position()
	if !p.CurrentLTP.IsPositive() {
		return NoAction(), nil
	}

	if p.SLPrice.Valid && (p.SLHit || p.CurrentLTP.LessThanOrEqual(p.SLPrice.Decimal)) {
		return Exit(ReasonBracketStopLoss, values(
			"ltp", p.CurrentLTP,
			"sl_price", p.SLPrice.Decimal,
			"pnl_pct", p.PnLPct,
		)), nil
	}
	if p.TPPrice.Valid && (p.TPHit || p.CurrentLTP.GreaterThanOrEqual(p.TPPrice.Decimal)) {
		return Exit(ReasonBracketTakeProfit, values(
			"ltp", p.CurrentLTP,
			"tp_price", p.TPPrice.Decimal,
			"pnl_pct", p.PnLPct,
		)), nil
	}
	return NoAction(), nil
}

// StopLossRule exits when the loss reaches sl_pct of the entry premium.
// The boundary is inclusive: -20.00% exits at sl_pct=20.
type StopLossRule struct{}

func (StopLossRule) Name() string  { return config.RuleStopLoss }
func (StopLossRule) Priority() int { return PriorityStopLoss }

func (StopLossRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	limit := c.Params().SLPct.Neg()
	if c.PnLPct().LessThanOrEqual(limit) {
		return Exit(ReasonStopLoss, values(
			"pnl_pct", c.PnLPct(),
			"sl_pct", c.Params().SLPct,
			"pnl_rupees", c.PnLRupees(),
		)), nil
	}
	return NoAction(), nil
}

// TakeProfitRule exits when the gain reaches tp_pct of the entry premium.
type TakeProfitRule struct{}

func (TakeProfitRule) Name() string  { return config.RuleTakeProfit }
func (TakeProfitRule) Priority() int { return PriorityTakeProfit }

func (TakeProfitRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	if c.PnLPct().GreaterThanOrEqual(c.Params().TPPct) {
		return Exit(ReasonTakeProfit, values(
			"pnl_pct", c.PnLPct(),
			"tp_pct", c.Params().TPPct,
			"pnl_rupees", c.PnLRupees(),
		)), nil
	}
	return NoAction(), nil
}
