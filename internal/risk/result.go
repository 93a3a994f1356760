package risk

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Verdict is the kind of a rule result.
type Verdict int

const (
	// VerdictNoAction means the rule's condition did not fire.
	VerdictNoAction Verdict = iota
	// VerdictExit means close the position now.
	VerdictExit
	// VerdictSkip means the data is not trustworthy this cycle.
	VerdictSkip
)

func (v Verdict) String() string {
	switch v {
	case VerdictExit:
		return "exit"
	case VerdictSkip:
		return "skip"
	default:
		return "no_action"
	}
}

// Exit reasons. They are written to position meta and logs and are stable.
const (
	ReasonSessionEnd        = "session_end"
	ReasonBracketStopLoss   = "bracket_sl_hit"
	ReasonBracketTakeProfit = "bracket_tp_hit"
	ReasonStopLoss          = "stop_loss"
	ReasonTakeProfit        = "take_profit"
	ReasonSecureProfit      = "secure_profit"
	ReasonTimeExit          = "time_exit"
	ReasonPeakDrawdown      = "peak_drawdown"
	ReasonTrailingStop      = "trailing_stop"
	ReasonUnderlyingTrend   = "underlying_trend_break"
	ReasonUnderlyingATR     = "underlying_atr_collapse"
)

// Result is the outcome of evaluating one rule or the whole engine.
// For Exit, Reason names the trigger and Metadata carries the numbers behind
// it. For Skip, Reason says what data was missing.
type Result struct {
	Verdict  Verdict
	Reason   string
	Metadata map[string]string
	Rule     string // set by the engine
}

// NoAction returns a result that lets later rules run.
func NoAction() Result {
	return Result{Verdict: VerdictNoAction}
}

// Skip returns a result that halts evaluation for this cycle.
func Skip(why string) Result {
	return Result{Verdict: VerdictSkip, Reason: why}
}

// Exit returns an exit decision.
func Exit(reason string, metadata map[string]string) Result {
	return Result{Verdict: VerdictExit, Reason: reason, Metadata: metadata}
}

// IsExit reports whether r is an exit decision.
func (r Result) IsExit() bool { return r.Verdict == VerdictExit }

// IsSkip reports whether r is a skip.
func (r Result) IsSkip() bool { return r.Verdict == VerdictSkip }

// values builds rule metadata from alternating name, decimal pairs.
func values(kv ...interface{}) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		name, _ := kv[i].(string)
		switch v := kv[i+1].(type) {
		case decimal.Decimal:
			m[name] = v.Round(4).String()
		case float64:
			m[name] = strconv.FormatFloat(v, 'f', -1, 64)
		case string:
			m[name] = v
		default:
			m[name] = ""
		}
	}
	return m
}
