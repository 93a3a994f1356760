package risk

import (
	"fmt"

	"options-risk-engine/internal/config"
)

// SessionEndRule forces an exit once the session reaches its exit deadline,
// whatever the P&L. When the market is already closed no order can be placed,
// so evaluation is skipped instead.
type SessionEndRule struct{}

func (SessionEndRule) Name() string  { return config.RuleSessionEnd }
func (SessionEndRule) Priority() int { return PrioritySessionEnd }

func (SessionEndRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}
	if c.MarketClosed() {
		return Skip("market_closed"), nil
	}
	if c.SessionEnding() {
		return Exit(ReasonSessionEnd, values(
			"pnl_pct", c.PnLPct(),
			"pnl_rupees", c.PnLRupees(),
			"at", c.LocalNow().Format("15:04:05"),
		)), nil
	}
	return NoAction(), nil
}

// TimeExitRule closes profitable positions at or after time_exit_hhmm. Below
// min_profit_rupees the position is held; only the session-end rule forces a
// loss exit on time.
type TimeExitRule struct{}

func (TimeExitRule) Name() string  { return config.RuleTimeExit }
func (TimeExitRule) Priority() int { return PriorityTimeExit }

func (TimeExitRule) Evaluate(c *Context) (Result, error) {
	if why := c.untrusted(); why != "" {
		return Skip(why), nil
	}

	p := c.Params()
	now := c.LocalNow()
	minutes := now.Hour()*60 + now.Minute()
	if minutes < p.TimeExitHour*60+p.TimeExitMinute {
		return NoAction(), nil
	}
	if c.PnLRupees().LessThan(p.MinProfitRupees) {
		return NoAction(), nil
	}

	return Exit(ReasonTimeExit, values(
		"pnl_rupees", c.PnLRupees(),
		"min_profit_rupees", p.MinProfitRupees,
		"exit_time", fmt.Sprintf("%02d:%02d", p.TimeExitHour, p.TimeExitMinute),
		"at", now.Format("15:04:05"),
	)), nil
}
