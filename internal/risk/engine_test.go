package risk

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-risk-engine/internal/config"
)

type stubRule struct {
	name     string
	priority int
	result   Result
	err      error
	panicMsg string

	mu    sync.Mutex
	calls int
}

func (s *stubRule) Name() string  { return s.name }
func (s *stubRule) Priority() int { return s.priority }

func (s *stubRule) Evaluate(*Context) (Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.result, s.err
}

func (s *stubRule) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingObserver struct {
	verdicts map[string]Verdict
	errs     map[string]error
}

func (o *recordingObserver) ObserveRule(rule string, v Verdict, err error) {
	o.verdicts[rule] = v
	o.errs[rule] = err
}

func TestEngineOrdersByPriorityThenRegistration(t *testing.T) {
	late := &stubRule{name: "late", priority: 9}
	tieA := &stubRule{name: "tie_a", priority: 3}
	tieB := &stubRule{name: "tie_b", priority: 3}
	first := &stubRule{name: "first", priority: 1}

	e := NewEngine(zerolog.Nop(), late, tieA, tieB, first)
	var names []string
	for _, r := range e.Rules() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"first", "tie_a", "tie_b", "late"}, names)
}

func TestEngineFirstMatchWins(t *testing.T) {
	a := &stubRule{name: "a", priority: 1, result: NoAction()}
	b := &stubRule{name: "b", priority: 2, result: Exit("b_fired", nil)}
	c := &stubRule{name: "c", priority: 3, result: Exit("c_fired", nil)}

	e := NewEngine(zerolog.Nop(), c, b, a)
	res := e.Evaluate(ctxFor(testParams(t), position(0, 0), at("10:00")))

	require.True(t, res.IsExit())
	assert.Equal(t, "b_fired", res.Reason)
	assert.Equal(t, "b", res.Rule)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, 0, c.Calls(), "rules after the first exit are never evaluated")
}

func TestEngineSkipHalts(t *testing.T) {
	skip := &stubRule{name: "skip", priority: 1, result: Skip("stale_tick")}
	exit := &stubRule{name: "exit", priority: 2, result: Exit("would_fire", nil)}

	e := NewEngine(zerolog.Nop(), skip, exit)
	res := e.Evaluate(ctxFor(testParams(t), position(0, 0), at("10:00")))

	assert.True(t, res.IsSkip())
	assert.Equal(t, "stale_tick", res.Reason)
	assert.Equal(t, 0, exit.Calls())
}

func TestEngineNoActionWhenNothingFires(t *testing.T) {
	a := &stubRule{name: "a", priority: 1, result: NoAction()}
	b := &stubRule{name: "b", priority: 2, result: NoAction()}

	res := NewEngine(zerolog.Nop(), a, b).Evaluate(ctxFor(testParams(t), position(0, 0), at("10:00")))
	assert.Equal(t, VerdictNoAction, res.Verdict)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
}

func TestEngineFailsOpenOnErrorAndPanic(t *testing.T) {
	broken := &stubRule{name: "broken", priority: 1, err: errors.New("boom")}
	panicky := &stubRule{name: "panicky", priority: 2, panicMsg: "nil map"}
	stop := &stubRule{name: "stop", priority: 3, result: Exit(ReasonStopLoss, nil)}

	obs := &recordingObserver{verdicts: map[string]Verdict{}, errs: map[string]error{}}
	e := NewEngine(zerolog.Nop(), broken, panicky, stop)
	e.SetObserver(obs)

	res := e.Evaluate(ctxFor(testParams(t), position(0, 0), at("10:00")))
	require.True(t, res.IsExit())
	assert.Equal(t, ReasonStopLoss, res.Reason)
	assert.Error(t, obs.errs["broken"])
	assert.Error(t, obs.errs["panicky"])
	assert.NoError(t, obs.errs["stop"])
	assert.Equal(t, VerdictExit, obs.verdicts["stop"])
}

func TestEngineLogsRuleErrorsWithPositionAndRule(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	broken := &stubRule{name: "broken", priority: 1, err: errors.New("boom")}
	stop := &stubRule{name: "stop", priority: 3, result: Exit(ReasonStopLoss, nil)}

	res := NewEngine(logger, broken, stop).Evaluate(ctxFor(testParams(t), position(0, 0), at("10:00")))
	require.True(t, res.IsExit())

	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line), raw)
		lines = append(lines, line)
	}
	require.Len(t, lines, 1, "only the failure is logged; verdicts are logged by the caller")
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "broken", lines[0]["rule"])
	assert.Equal(t, "ORD-1", lines[0]["order_no"])
	assert.Equal(t, "43512", lines[0]["security_id"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestEngineRespectsEnabledFlagsAtEvaluationTime(t *testing.T) {
	e := NewDefaultEngine(zerolog.Nop())
	pos := position(-35, 0) // beyond the default 30% stop-loss

	p := testParams(t)
	res := e.Evaluate(ctxFor(p, pos, at("10:00")))
	require.True(t, res.IsExit())
	assert.Equal(t, ReasonStopLoss, res.Reason)

	p = testParams(t, func(rc *config.RiskConfig) {
		rc.Rules = map[string]bool{config.RuleStopLoss: false}
	})
	res = e.Evaluate(ctxFor(p, pos, at("10:00")))
	assert.False(t, res.IsExit(), "disabled rule must not fire")
}

func TestDefaultPriorityOrdering(t *testing.T) {
	e := NewDefaultEngine(zerolog.Nop())
	p := testParams(t, func(rc *config.RiskConfig) {
		rc.SLPct = 20
		rc.TPPct = -30
	})

	// Contradictory context: both stop-loss and take-profit conditions hold.
	pos := position(0, 0)
	pos.PnLPct = dec(-25)
	pos.PeakProfitPct = dec(0)
	res := e.Evaluate(NewContext(ContextInput{Position: pos, Params: p, Now: at("10:00")}))
	require.True(t, res.IsExit())
	assert.Equal(t, ReasonStopLoss, res.Reason, "stop-loss outranks take-profit")

	res = e.Evaluate(NewContext(ContextInput{Position: pos, Params: p, Now: at("15:16"), SessionEnding: true}))
	require.True(t, res.IsExit())
	assert.Equal(t, ReasonSessionEnd, res.Reason, "session end outranks every other rule")
}

func TestFindAddRemoveRule(t *testing.T) {
	e := NewDefaultEngine(zerolog.Nop())

	r, ok := e.FindRule(config.RuleSecureProfit)
	require.True(t, ok)
	assert.Equal(t, PrioritySecureProfit, r.Priority())

	pd, ok := FindRuleOf[PeakDrawdownRule](e)
	require.True(t, ok)
	assert.Equal(t, config.RulePeakDrawdown, pd.Name())

	assert.Error(t, e.AddRule(StopLossRule{}), "duplicate names are rejected")

	require.True(t, e.RemoveRule(config.RuleStopLoss))
	_, ok = e.FindRule(config.RuleStopLoss)
	assert.False(t, ok)
	assert.False(t, e.RemoveRule(config.RuleStopLoss))

	require.NoError(t, e.AddRule(StopLossRule{}))
	assert.Len(t, e.Rules(), len(DefaultRules()))
	assert.Equal(t, config.RuleStopLoss, e.Rules()[2].Name())
}

// Peak 25, now 20, activation 10, allowance 5: the full default engine picks
// peak-drawdown and nothing earlier fires.
func TestEngineEndToEndPeakDrawdown(t *testing.T) {
	e := NewDefaultEngine(zerolog.Nop())
	p := testParams(t, func(rc *config.RiskConfig) {
		rc.Trailing.ActivationPct = 10
		rc.PeakDrawdownExitPct = 5
		rc.SecureProfitThresholdRupees = 1_000_000 // keep secure-profit out of the way
	})

	res := e.Evaluate(ctxFor(p, position(20, 25), at("11:00")))
	require.True(t, res.IsExit())
	assert.Equal(t, ReasonPeakDrawdown, res.Reason)
	assert.Equal(t, config.RulePeakDrawdown, res.Rule)
}
