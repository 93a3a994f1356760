// Package risk evaluates open positions against a priority-ordered set of exit rules.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options-risk-engine/internal/config"
)

// Tier narrows the peak-drawdown allowance once the peak reaches PeakPct.
type Tier struct {
	PeakPct     decimal.Decimal
	DrawdownPct decimal.Decimal
}

// Params is a risk configuration resolved into decimals and parsed clock
// values. It is built once per evaluation cycle from the live config.
type Params struct {
	SLPct                       decimal.Decimal
	TPPct                       decimal.Decimal
	TrailingActivationPct       decimal.Decimal
	TrailingDrawdownPct         decimal.Decimal
	Tiers                       []Tier // ascending PeakPct
	SecureProfitThresholdRupees decimal.Decimal
	SecureProfitDrawdownPct     decimal.Decimal
	PeakDrawdownExitPct         decimal.Decimal
	TimeExitHour                int
	TimeExitMinute              int
	MinProfitRupees             decimal.Decimal
	TrendScoreThreshold         float64
	ATRCollapseMultiplier       float64
	UnderlyingMaxAge            time.Duration
	Location                    *time.Location

	rules map[string]bool
}

// NewParams resolves rc. loc is the exchange timezone used by clock-based rules.
func NewParams(rc config.RiskConfig, loc *time.Location) (*Params, error) {
	hour, minute, err := config.ParseHHMM(rc.TimeExitHHMM)
	if err != nil {
		return nil, fmt.Errorf("time_exit_hhmm: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}

	p := &Params{
		SLPct:                       decimal.NewFromFloat(rc.SLPct),
		TPPct:                       decimal.NewFromFloat(rc.TPPct),
		TrailingActivationPct:       decimal.NewFromFloat(rc.Trailing.ActivationPct),
		TrailingDrawdownPct:         decimal.NewFromFloat(rc.Trailing.DrawdownPct),
		SecureProfitThresholdRupees: decimal.NewFromFloat(rc.SecureProfitThresholdRupees),
		SecureProfitDrawdownPct:     decimal.NewFromFloat(rc.SecureProfitDrawdownPct),
		PeakDrawdownExitPct:         decimal.NewFromFloat(rc.PeakDrawdownExitPct),
		TimeExitHour:                hour,
		TimeExitMinute:              minute,
		MinProfitRupees:             decimal.NewFromFloat(rc.MinProfitRupees),
		TrendScoreThreshold:         rc.UnderlyingTrendScoreThreshold,
		ATRCollapseMultiplier:       rc.UnderlyingATRCollapseMultiplier,
		UnderlyingMaxAge:            rc.UnderlyingMaxAge,
		Location:                    loc,
		rules:                       make(map[string]bool, len(rc.Rules)),
	}
	for _, t := range rc.Trailing.Tiers {
		p.Tiers = append(p.Tiers, Tier{
			PeakPct:     decimal.NewFromFloat(t.PeakPct),
			DrawdownPct: decimal.NewFromFloat(t.DrawdownPct),
		})
	}
	for name, enabled := range rc.Rules {
		p.rules[name] = enabled
	}
	return p, nil
}

// RuleEnabled reports whether the named rule should run. Unknown names run.
func (p *Params) RuleEnabled(name string) bool {
	enabled, ok := p.rules[name]
	return !ok || enabled
}

// SetRuleEnabled switches a rule on or off for this Params value.
func (p *Params) SetRuleEnabled(name string, enabled bool) {
	if p.rules == nil {
		p.rules = make(map[string]bool)
	}
	p.rules[name] = enabled
}

// AllowedDrawdown returns the peak-drawdown allowance for a given peak: the
// highest tier the peak has reached, or PeakDrawdownExitPct below all tiers.
func (p *Params) AllowedDrawdown(peak decimal.Decimal) decimal.Decimal {
	allowed := p.PeakDrawdownExitPct
	for _, t := range p.Tiers {
		if peak.LessThan(t.PeakPct) {
			break
		}
		allowed = t.DrawdownPct
	}
	return allowed
}
