package risk

import (
	"options-risk-engine/internal/config"
)

// UnderlyingBreakRule exits when the underlying index no longer supports the
// trade: the directional trend score fell below the threshold, or ATR
// collapsed to multiplier x its recent average or less. Missing or stale
// underlying data never triggers an exit.
type UnderlyingBreakRule struct{}

func (UnderlyingBreakRule) Name() string  { return config.RuleUnderlyingBreak }
func (UnderlyingBreakRule) Priority() int { return PriorityUnderlyingBreak }

func (UnderlyingBreakRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	h, ok := c.Underlying()
	if !ok {
		return NoAction(), nil
	}
	p := c.Params()
	if p.UnderlyingMaxAge > 0 && c.Now().Sub(h.UpdatedAt) > p.UnderlyingMaxAge {
		return NoAction(), nil
	}

	side := c.Position().Side
	score := h.DirectionalScore(side)
	if score < p.TrendScoreThreshold {
		return Exit(ReasonUnderlyingTrend, values(
			"underlying", h.Symbol,
			"trend_score", score,
			"threshold", p.TrendScoreThreshold,
			"pnl_pct", c.PnLPct(),
		)), nil
	}

	if p.ATRCollapseMultiplier > 0 && h.ATRAverage > 0 && h.ATR <= h.ATRAverage*p.ATRCollapseMultiplier {
		return Exit(ReasonUnderlyingATR, values(
			"underlying", h.Symbol,
			"atr", h.ATR,
			"atr_average", h.ATRAverage,
			"multiplier", p.ATRCollapseMultiplier,
			"pnl_pct", c.PnLPct(),
		)), nil
	}
	return NoAction(), nil
}
