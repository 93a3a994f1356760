package trading

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"options-risk-engine/internal/config"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/marketdata"
	"options-risk-engine/internal/positions"
	"options-risk-engine/internal/risk"
	"options-risk-engine/internal/store"
)

// Loop defaults.
const (
	DefaultActiveInterval = 500 * time.Millisecond
	DefaultIdleInterval   = 5 * time.Second
	DefaultStaleAfter     = 30 * time.Second
	DefaultWorkers        = 4
)

// Exiter closes positions the engine wants out.
type Exiter interface {
	Exit(ctx context.Context, pos positions.PositionData, reason string, metadata map[string]string) (ExitOutcome, error)
}

// SessionClock answers session questions for an instant.
type SessionClock interface {
	MarketClosed(t time.Time) bool
	SessionEnding(t time.Time) bool
	Location() *time.Location
}

// RiskSource supplies the current risk configuration.
type RiskSource interface {
	Risk() config.RiskConfig
}

// PnLWriter persists the latest P&L of a position.
type PnLWriter interface {
	UpdatePnL(ctx context.Context, orderNo string, snap store.PnLSnapshot) error
}

// CycleObserver is told about every completed cycle.
type CycleObserver interface {
	ObserveCycle(stats CycleStats, took time.Duration)
}

// CycleStats summarises one evaluation cycle.
type CycleStats struct {
	ID        string
	Evaluated int
	Stale     int
	Skipped   int
	Exits     int
	Failures  int
}

// RiskManagerDeps are the collaborators of a RiskManager. Ticks,
// Underlying, PnL and Observer are optional.
type RiskManagerDeps struct {
	Cache      *positions.Cache
	Engine     *risk.Engine
	Exiter     Exiter
	Session    SessionClock
	Risk       RiskSource
	Ticks      marketdata.LiveTickView
	Underlying marketdata.UnderlyingSource
	PnL        PnLWriter
	Observer   CycleObserver
}

// RiskManager evaluates every active position on a timer and dispatches
// exits. The interval is short while positions are open and long when idle;
// Wake cuts the current wait short.
type RiskManager struct {
	deps   RiskManagerDeps
	cfg    config.LoopConfig
	logger zerolog.Logger
	now    func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	persistedMu sync.Mutex
	persisted   map[string]time.Time

	cycles atomic.Int64
}

// NewRiskManager creates a risk loop.
func NewRiskManager(deps RiskManagerDeps, cfg config.LoopConfig, logger zerolog.Logger) *RiskManager {
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = DefaultActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &RiskManager{
		deps:      deps,
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "risk_manager"),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		persisted: make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (m *RiskManager) SetClock(now func() time.Time) {
	m.now = now
}

// Wake starts the next cycle now instead of at the end of the interval.
func (m *RiskManager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is started.
func (m *RiskManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Cycles returns how many cycles have completed.
func (m *RiskManager) Cycles() int64 {
	return m.cycles.Load()
}

// Start runs the loop in the background until ctx is done or Stop is called.
func (m *RiskManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("risk manager already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.run(ctx, m.stop, m.done)
	m.logger.Info().
		Dur("active_interval", m.cfg.ActiveInterval).
		Dur("idle_interval", m.cfg.IdleInterval).
		Int("workers", m.cfg.Workers).
		Msg("Risk manager started")
	return nil
}

// Stop lets the in-flight cycle finish, starts no new one and waits.
// Exit orders already sent are not cancelled.
func (m *RiskManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info().Int64("cycles", m.cycles.Load()).Msg("Risk manager stopped")
}

func (m *RiskManager) run(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	// Cycles outlive a cancelled parent so dispatched exits finish cleanly.
	cycleCtx := context.WithoutCancel(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		m.RunCycle(cycleCtx)
		timer.Reset(m.interval())
	}
}

func (m *RiskManager) interval() time.Duration {
	if m.deps.Cache.ActiveCount() > 0 {
		return m.cfg.ActiveInterval
	}
	return m.cfg.IdleInterval
}

// RunCycle evaluates every active position once and returns what happened.
// A failure on one position never stops the others.
func (m *RiskManager) RunCycle(ctx context.Context) CycleStats {
	start := m.now()
	stats := CycleStats{ID: uuid.NewString()}
	logger := m.logger.With().Str("cycle_id", stats.ID).Logger()

	params, err := risk.NewParams(m.deps.Risk.Risk(), m.deps.Session.Location())
	if err != nil {
		logger.Error().Err(err).Msg("Invalid risk configuration, skipping cycle")
		return stats
	}
	session := sessionState{
		closed: m.deps.Session.MarketClosed(start),
		ending: m.deps.Session.SessionEnding(start),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	seen := make(map[string]struct{})
	g.SetLimit(m.cfg.Workers)
	for pos := range m.deps.Cache.EachActive() {
		seen[pos.OrderNo] = struct{}{}
		g.Go(func() error {
			r := m.evaluate(ctx, logger, pos, params, session)
			mu.Lock()
			stats.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	m.prunePersisted(seen)

	m.cycles.Add(1)
	took := m.now().Sub(start)
	if stats.Exits > 0 || stats.Failures > 0 {
		logger.Info().
			Int("evaluated", stats.Evaluated).
			Int("exits", stats.Exits).
			Int("failures", stats.Failures).
			Dur("took", took).
			Msg("Risk cycle complete")
	}
	if m.deps.Observer != nil {
		m.deps.Observer.ObserveCycle(stats, took)
	}
	return stats
}

type sessionState struct {
	closed bool
	ending bool
}

type positionResult int

const (
	resultNoAction positionResult = iota
	resultStale
	resultSkip
	resultExit
	resultFailed
)

func (s *CycleStats) add(r positionResult) {
	s.Evaluated++
	switch r {
	case resultStale:
		s.Stale++
	case resultSkip:
		s.Skipped++
	case resultExit:
		s.Exits++
	case resultFailed:
		s.Failures++
	}
}

func (m *RiskManager) evaluate(ctx context.Context, logger zerolog.Logger, pos positions.PositionData, params *risk.Params, session sessionState) (result positionResult) {
	logger = logging.WithPosition(logger, string(pos.Segment), pos.SecurityID, pos.OrderNo)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("Position evaluation failed")
			result = resultFailed
		}
	}()

	now := m.now()
	orderNo := pos.OrderNo
	pos, ok := m.syncTick(pos)
	if !ok {
		m.forgetPersisted(orderNo)
		return resultNoAction
	}

	// Stale P&L is never trusted for an exit decision. Session end does not
	// depend on P&L and still goes through.
	if age := now.Sub(pos.LastUpdatedAt); pos.LastUpdatedAt.IsZero() || age > m.cfg.StaleAfter {
		if !session.ending {
			logger.Debug().Dur("age", age).Msg("Position data stale, skipping")
			return resultStale
		}
	}

	in := risk.ContextInput{
		Position:      pos,
		Params:        params,
		Now:           now,
		MarketClosed:  session.closed,
		SessionEnding: session.ending,
	}
	if m.deps.Underlying != nil && pos.UnderlyingSymbol != "" {
		if h, ok := m.deps.Underlying.UnderlyingHealth(pos.UnderlyingSymbol); ok {
			in.Underlying = &h
		}
	}

	began := m.now()
	res := m.deps.Engine.Evaluate(risk.NewContext(in))
	logging.LogRuleVerdict(logger, pos.OrderNo, res.Verdict.String(), res.Reason, m.now().Sub(began))

	m.persistPnL(ctx, logger, pos)

	switch {
	case res.IsSkip():
		return resultSkip
	case !res.IsExit():
		return resultNoAction
	}

	outcome, err := m.deps.Exiter.Exit(ctx, pos, res.Reason, res.Metadata)
	if err != nil {
		logger.Warn().Err(err).Str("reason", res.Reason).Str("outcome", string(outcome)).Msg("Exit not accepted, retrying next cycle")
		return resultFailed
	}
	if outcome.Accepted() {
		m.forgetPersisted(pos.OrderNo)
		return resultExit
	}
	return resultNoAction
}

// syncTick applies the live tick unless it is older than the cached P&L. A
// tick sharing the cached timestamp still applies when its price differs. It
// returns false if the position left the cache meanwhile.
func (m *RiskManager) syncTick(pos positions.PositionData) (positions.PositionData, bool) {
	if m.deps.Ticks == nil {
		return pos, true
	}
	tick, ok := m.deps.Ticks.CurrentTick(pos.Segment, pos.SecurityID)
	if !ok || tick.Timestamp.Before(pos.LastUpdatedAt) {
		return pos, true
	}
	if tick.Timestamp.Equal(pos.LastUpdatedAt) && tick.LTP.Equal(pos.CurrentLTP) {
		return pos, true
	}
	return m.deps.Cache.ApplyTick(pos.Key(), tick)
}

func (m *RiskManager) persistPnL(ctx context.Context, logger zerolog.Logger, pos positions.PositionData) {
	if m.deps.PnL == nil {
		return
	}
	m.persistedMu.Lock()
	last, seen := m.persisted[pos.OrderNo]
	if seen && !pos.LastUpdatedAt.After(last) {
		m.persistedMu.Unlock()
		return
	}
	m.persisted[pos.OrderNo] = pos.LastUpdatedAt
	m.persistedMu.Unlock()

	err := m.deps.PnL.UpdatePnL(ctx, pos.OrderNo, store.PnLSnapshot{
		PnLRupees:     pos.PnL,
		PnLPct:        pos.PnLPct,
		HighWaterMark: pos.HighWaterMark,
		At:            pos.LastUpdatedAt,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to persist P&L")
	}
}

func (m *RiskManager) forgetPersisted(orderNo string) {
	m.persistedMu.Lock()
	delete(m.persisted, orderNo)
	m.persistedMu.Unlock()
}

// prunePersisted drops bookkeeping for positions no longer in the cache.
func (m *RiskManager) prunePersisted(active map[string]struct{}) {
	m.persistedMu.Lock()
	defer m.persistedMu.Unlock()
	for orderNo := range m.persisted {
		if _, ok := active[orderNo]; !ok {
			delete(m.persisted, orderNo)
		}
	}
}

// trackedPnL returns how many positions have persisted P&L bookkeeping.
func (m *RiskManager) trackedPnL() int {
	m.persistedMu.Lock()
	defer m.persistedMu.Unlock()
	return len(m.persisted)
}
