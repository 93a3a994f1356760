package risk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/logging"
)

// Observer receives every rule verdict, e.g. for metrics.
type Observer interface {
	ObserveRule(rule string, verdict Verdict, err error)
}

type registered struct {
	rule Rule
	seq  int
}

// Engine evaluates a Context against its rules in priority order. The first
// Exit or Skip wins; NoAction falls through to the next rule.
type Engine struct {
	mu       sync.RWMutex
	rules    []registered // sorted by priority, then registration order
	seq      int
	logger   zerolog.Logger
	observer Observer
}

// NewEngine creates an engine with the given rules.
func NewEngine(logger zerolog.Logger, rules ...Rule) *Engine {
	e := &Engine{logger: logging.WithComponent(logger, "rule_engine")}
	for _, r := range rules {
		_ = e.AddRule(r)
	}
	return e
}

// NewDefaultEngine creates an engine with DefaultRules.
func NewDefaultEngine(logger zerolog.Logger) *Engine {
	return NewEngine(logger, DefaultRules()...)
}

// SetObserver installs o. Pass nil to remove it.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

// AddRule registers r. Rule names are unique.
func (e *Engine) AddRule(r Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, reg := range e.rules {
		if reg.rule.Name() == r.Name() {
			return fmt.Errorf("rule %q already registered", r.Name())
		}
	}

	e.seq++
	next := make([]registered, len(e.rules), len(e.rules)+1)
	copy(next, e.rules)
	next = append(next, registered{rule: r, seq: e.seq})
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].rule.Priority() != next[j].rule.Priority() {
			return next[i].rule.Priority() < next[j].rule.Priority()
		}
		return next[i].seq < next[j].seq
	})
	e.rules = next
	return nil
}

// RemoveRule unregisters the rule with the given name.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, reg := range e.rules {
		if reg.rule.Name() == name {
			next := make([]registered, 0, len(e.rules)-1)
			next = append(next, e.rules[:i]...)
			next = append(next, e.rules[i+1:]...)
			e.rules = next
			return true
		}
	}
	return false
}

// FindRule returns the rule with the given name.
func (e *Engine) FindRule(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, reg := range e.rules {
		if reg.rule.Name() == name {
			return reg.rule, true
		}
	}
	return nil, false
}

// FindRuleOf returns the first registered rule of type T.
func FindRuleOf[T Rule](e *Engine) (T, bool) {
	for _, r := range e.Rules() {
		if t, ok := r.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// Rules returns the registered rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	for i, reg := range e.rules {
		out[i] = reg.rule
	}
	return out
}

// Evaluate runs the enabled rules against c. A rule that errors or panics is
// logged and counted as NoAction so the remaining rules still run.
func (e *Engine) Evaluate(c *Context) Result {
	e.mu.RLock()
	rules, observer := e.rules, e.observer
	e.mu.RUnlock()

	pos := c.Position()

	for _, reg := range rules {
		r := reg.rule
		if params := c.Params(); params != nil && !params.RuleEnabled(r.Name()) {
			continue
		}

		res, err := e.evaluateRule(r, c)
		if observer != nil {
			observer.ObserveRule(r.Name(), res.Verdict, err)
		}
		if err != nil {
			logger := logging.WithRule(logging.WithPosition(e.logger, string(pos.Segment), pos.SecurityID, pos.OrderNo), r.Name())
			logger.Error().
				Err(err).
				Str("pnl_pct", pos.PnLPct.String()).
				Msg("Rule evaluation failed, treating as no action")
			continue
		}

		switch res.Verdict {
		case VerdictExit, VerdictSkip:
			res.Rule = r.Name()
			return res
		}
	}

	return NoAction()
}

func (e *Engine) evaluateRule(r Rule, c *Context) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = NoAction()
			err = apperrors.NewRuleError(r.Name(), c.Position().OrderNo, fmt.Errorf("panic: %v", p))
		}
	}()

	res, err = r.Evaluate(c)
	if err != nil {
		return NoAction(), apperrors.NewRuleError(r.Name(), c.Position().OrderNo, err)
	}
	return res, nil
}
