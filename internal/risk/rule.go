package risk

// Rule priorities. Lower runs first.
const (
	PrioritySessionEnd      = 1
	PriorityBracketLimit    = 2
	PriorityStopLoss        = 3
	PriorityTakeProfit      = 4
	PrioritySecureProfit    = 5
	PriorityTimeExit        = 6
	PriorityPeakDrawdown    = 7
	PriorityTrailingStop    = 8
	PriorityUnderlyingBreak = 9
)

// Rule is one exit policy. Evaluate must not block or do I/O; everything it
// needs is already in the Context.
type Rule interface {
	// Name is the config switch name, e.g. "stop_loss".
	Name() string
	Priority() int
	Evaluate(c *Context) (Result, error)
}

// DefaultRules returns the standard rule set in priority order.
func DefaultRules() []Rule {
	return []Rule{
		SessionEndRule{},
		BracketLimitRule{},
		StopLossRule{},
		TakeProfitRule{},
		SecureProfitRule{},
		TimeExitRule{},
		PeakDrawdownRule{},
		TrailingStopRule{},
		UnderlyingBreakRule{},
	}
}
