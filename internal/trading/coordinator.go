package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-risk-engine/internal/broker"
	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/orders"
	"options-risk-engine/internal/positions"
	"options-risk-engine/internal/store"
)

// DefaultBrokerTimeout bounds a single exit call to the broker.
const DefaultBrokerTimeout = 5 * time.Second

// ExitOutcome is what came of an exit request.
type ExitOutcome string

const (
	// OutcomeConfirmed means the broker filled the exit; the position is closed.
	OutcomeConfirmed ExitOutcome = "confirmed"
	// OutcomeRequested means the broker accepted the order but no fill is known yet.
	OutcomeRequested ExitOutcome = "requested"
	// OutcomePending means the broker call may or may not have taken effect.
	OutcomePending ExitOutcome = "pending"
	// OutcomeRejected means nothing was placed; the position stays active.
	OutcomeRejected ExitOutcome = "rejected"
	// OutcomeDuplicate means another exit for the position is already in flight.
	OutcomeDuplicate ExitOutcome = "duplicate"
)

// Accepted reports whether the position has left the evaluation pool.
func (o ExitOutcome) Accepted() bool {
	switch o {
	case OutcomeConfirmed, OutcomeRequested, OutcomePending:
		return true
	}
	return false
}

// ExitObserver is told about every exit attempt.
type ExitObserver interface {
	ObserveExit(reason, outcome string, took time.Duration)
}

// CoordinatorConfig configures an ExitCoordinator.
type CoordinatorConfig struct {
	BrokerTimeout time.Duration
	Observer      ExitObserver
}

// ExitCoordinator turns an exit verdict into at most one live broker order
// per attempt and keeps the cache and the store in step with the outcome.
type ExitCoordinator struct {
	cache    *positions.Cache
	store    store.PositionStore
	placer   broker.ExitPlacer
	guard    *orders.Guard
	timeout  time.Duration
	observer ExitObserver
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	attempts map[string]int
	unsynced map[string]unsyncedExit

	realizedPaise atomic.Int64
	exits         atomic.Int64
}

// NewExitCoordinator creates an exit coordinator.
func NewExitCoordinator(cache *positions.Cache, st store.PositionStore, placer broker.ExitPlacer, guard *orders.Guard, cfg CoordinatorConfig, logger zerolog.Logger) *ExitCoordinator {
	timeout := cfg.BrokerTimeout
	if timeout <= 0 {
		timeout = DefaultBrokerTimeout
	}
	return &ExitCoordinator{
		cache:    cache,
		store:    st,
		placer:   placer,
		guard:    guard,
		timeout:  timeout,
		observer: cfg.Observer,
		logger:   logging.WithComponent(logger, "exit_coordinator"),
		now:      time.Now,
		attempts: make(map[string]int),
		unsynced: make(map[string]unsyncedExit),
	}
}

// unsyncedExit is an exit that went to the broker while the store still
// holds the position as active.
type unsyncedExit struct {
	key           models.PositionKey
	reason        string
	idemKey       string
	brokerOrderID string
	meta          map[string]string
	at            time.Time
}

// SetClock replaces the time source.
func (c *ExitCoordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Exit closes pos for reason. The position is excluded from evaluation
// before anything else happens, so a second call for the same position
// returns OutcomeDuplicate without reaching the broker. A rejection puts the
// position back in the pool so the rule fires again next cycle; an ambiguous
// failure keeps it out until the reconciler learns what the broker did.
func (c *ExitCoordinator) Exit(ctx context.Context, pos positions.PositionData, reason string, metadata map[string]string) (ExitOutcome, error) {
	start := c.now()
	key := pos.Key()
	logger := logging.WithPosition(c.logger, string(pos.Segment), pos.SecurityID, pos.OrderNo)

	if !c.cache.MarkExiting(key) {
		logger.Debug().Str("reason", reason).Msg("Exit already in flight, ignoring")
		return OutcomeDuplicate, nil
	}

	attempt := c.attempt(ctx, pos.OrderNo)
	idemKey := orders.ExitKey(pos.OrderNo, attempt)

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[models.MetaExitReason] = reason
	meta[models.MetaIdempotencyKey] = idemKey

	persisted := true
	if err := c.store.MarkExitRequested(ctx, pos.OrderNo, meta); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			return c.resolveStoreConflict(ctx, pos, err, logger)
		}
		// The exit still goes out: a store outage must not keep a position open.
		logger.Error().Err(err).Msg("Failed to persist exit request, exiting anyway")
		persisted = false
	}

	if !c.guard.Claim(ctx, idemKey) {
		logger.Warn().Str("idempotency_key", idemKey).Msg("Exit key already used, waiting for reconciliation")
		c.finish(ctx, pos, reason, idemKey, OutcomePending, broker.ExitResult{}, apperrors.ErrUnknownExitOutcome, meta, start)
		if !persisted {
			c.holdUnsynced(pos, reason, idemKey, "", meta)
		}
		return OutcomePending, nil
	}

	req := broker.ExitRequest{
		OrderNo:        pos.OrderNo,
		SecurityID:     pos.SecurityID,
		Segment:        pos.Segment,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Quantity:       pos.Quantity,
		Reason:         reason,
		IdempotencyKey: idemKey,
	}
	if pos.CurrentLTP.IsPositive() {
		req.LastPrice = decimal.NewNullDecimal(pos.CurrentLTP)
	}

	bctx, cancel := context.WithTimeout(ctx, c.timeout)
	res, err := c.placer.PlaceBracketExit(bctx, req)
	cancel()

	outcome := classify(res, err)
	c.finish(ctx, pos, reason, idemKey, outcome, res, err, meta, start)
	if !persisted && (outcome == OutcomePending || outcome == OutcomeRequested) {
		c.holdUnsynced(pos, reason, idemKey, res.OrderID, meta)
	}
	if outcome == OutcomeRejected {
		if err == nil {
			err = fmt.Errorf("%w: %s", apperrors.ErrBrokerRejected, res.Error)
		}
		return outcome, apperrors.NewExitError(pos.OrderNo, reason, err)
	}
	return outcome, nil
}

// classify maps a broker answer onto an exit outcome. Timeouts are never
// treated as failures: the order may have been placed.
func classify(res broker.ExitResult, err error) ExitOutcome {
	switch {
	case err != nil && apperrors.IsUnknownOutcome(err):
		return OutcomePending
	case err != nil:
		return OutcomeRejected
	case !res.Success:
		return OutcomeRejected
	case res.ExitPrice.Valid:
		return OutcomeConfirmed
	default:
		return OutcomeRequested
	}
}

func (c *ExitCoordinator) finish(ctx context.Context, pos positions.PositionData, reason, idemKey string, outcome ExitOutcome, res broker.ExitResult, err error, meta map[string]string, start time.Time) {
	key := pos.Key()

	switch outcome {
	case OutcomeConfirmed:
		done := map[string]string{
			models.MetaExitOutcome: string(outcome),
			models.MetaExitOrderID: res.OrderID,
		}
		if serr := c.store.MarkExited(ctx, pos.OrderNo, res.ExitPrice, done, c.now()); serr != nil {
			c.logger.Error().Err(serr).Str("order_no", pos.OrderNo).Msg("Failed to persist exit")
		}
		c.cache.Remove(key)
		c.realize(pos.OrderNo, pos.EntryPrice, res.ExitPrice.Decimal, pos.Quantity)
	case OutcomeRejected:
		if serr := c.store.RevertToActive(ctx, pos.OrderNo); serr != nil &&
			!errors.Is(serr, apperrors.ErrPositionNotFound) && !errors.Is(serr, apperrors.ErrInvalidTransition) {
			c.logger.Error().Err(serr).Str("order_no", pos.OrderNo).Msg("Failed to revert position after rejected exit")
		}
		c.nextAttempt(pos.OrderNo)
		c.cache.ClearExiting(key)
	}

	ev := &store.ExitEvent{
		OrderNo:        pos.OrderNo,
		Reason:         reason,
		Outcome:        string(outcome),
		IdempotencyKey: idemKey,
		BrokerOrderID:  res.OrderID,
		ExitPrice:      res.ExitPrice,
		Metadata:       meta,
	}
	errText := res.Error
	if err != nil {
		errText = err.Error()
	}
	ev.Error = errText
	if serr := c.store.RecordExitEvent(ctx, ev); serr != nil {
		c.logger.Error().Err(serr).Str("order_no", pos.OrderNo).Msg("Failed to record exit event")
	}

	var logErr error
	if errText != "" {
		logErr = errors.New(errText)
	}
	logging.LogExit(c.logger, logging.ExitEvent{
		OrderNo:        pos.OrderNo,
		Symbol:         pos.Symbol,
		Reason:         reason,
		Outcome:        string(outcome),
		IdempotencyKey: idemKey,
		ExitPrice:      nullString(res.ExitPrice),
		Err:            logErr,
	})
	if c.observer != nil {
		c.observer.ObserveExit(reason, string(outcome), c.now().Sub(start))
	}
}

// resolveStoreConflict handles a position whose stored status no longer
// allows an exit request.
func (c *ExitCoordinator) resolveStoreConflict(ctx context.Context, pos positions.PositionData, err error, logger zerolog.Logger) (ExitOutcome, error) {
	rec, gerr := c.store.Get(ctx, pos.OrderNo)
	if gerr != nil {
		logger.Error().Err(gerr).Msg("Failed to read position after rejected exit request")
		c.cache.ClearExiting(pos.Key())
		return OutcomeRejected, gerr
	}

	switch {
	case rec.Status.IsTerminal():
		logger.Info().Str("status", string(rec.Status)).Msg("Position already closed, dropping from cache")
		c.cache.Remove(pos.Key())
	case rec.Status == models.StatusExitRequested:
		logger.Info().Msg("Exit already requested, waiting for reconciliation")
	default:
		logger.Warn().Str("status", string(rec.Status)).Msg("Position not exitable")
		c.cache.ClearExiting(pos.Key())
		return OutcomeRejected, err
	}
	return OutcomeDuplicate, nil
}

// attempt returns the current exit attempt number for orderNo. It starts at
// the number of rejected attempts on record so restarts never reuse a key.
func (c *ExitCoordinator) attempt(ctx context.Context, orderNo string) int {
	c.mu.Lock()
	n, ok := c.attempts[orderNo]
	c.mu.Unlock()
	if ok {
		return n
	}

	events, err := c.store.ExitEvents(ctx, store.ExitEventFilter{OrderNo: orderNo, Outcome: string(OutcomeRejected)})
	if err != nil {
		c.logger.Warn().Err(err).Str("order_no", orderNo).Msg("Failed to count previous exit attempts")
	}
	n = len(events)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.attempts[orderNo]; ok {
		return cur
	}
	c.attempts[orderNo] = n
	return n
}

func (c *ExitCoordinator) nextAttempt(orderNo string) {
	c.mu.Lock()
	c.attempts[orderNo]++
	c.mu.Unlock()
}

func (c *ExitCoordinator) forget(orderNo string) {
	c.mu.Lock()
	delete(c.attempts, orderNo)
	delete(c.unsynced, orderNo)
	c.mu.Unlock()
}

// holdUnsynced remembers an exit the store never recorded so the reconciler
// can settle it.
func (c *ExitCoordinator) holdUnsynced(pos positions.PositionData, reason, idemKey, brokerOrderID string, meta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsynced[pos.OrderNo] = unsyncedExit{
		key:           pos.Key(),
		reason:        reason,
		idemKey:       idemKey,
		brokerOrderID: brokerOrderID,
		meta:          meta,
		at:            c.now(),
	}
}

func (c *ExitCoordinator) unsyncedExits() map[string]unsyncedExit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]unsyncedExit, len(c.unsynced))
	for k, v := range c.unsynced {
		out[k] = v
	}
	return out
}

func (c *ExitCoordinator) dropUnsynced(orderNo string) {
	c.mu.Lock()
	delete(c.unsynced, orderNo)
	c.mu.Unlock()
}

// UnsyncedExits returns how many exits are waiting to be written to the store.
func (c *ExitCoordinator) UnsyncedExits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsynced)
}

// realize adds the P&L of a filled exit to the day's total.
func (c *ExitCoordinator) realize(orderNo string, entry, exit decimal.Decimal, qty int64) {
	c.forget(orderNo)
	if !exit.IsPositive() {
		return
	}
	pnl, _ := models.ComputePnL(entry, exit, qty)
	c.realizedPaise.Add(pnl.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
	c.exits.Add(1)
}

// DailyPnL returns the realized P&L of exits confirmed since the last reset.
func (c *ExitCoordinator) DailyPnL() decimal.Decimal {
	return decimal.New(c.realizedPaise.Load(), -2)
}

// ExitCount returns how many exits were confirmed since the last reset.
func (c *ExitCoordinator) ExitCount() int64 {
	return c.exits.Load()
}

// ResetDaily clears the daily counters.
func (c *ExitCoordinator) ResetDaily() {
	c.realizedPaise.Store(0)
	c.exits.Store(0)
}

// ExitKeyFor returns the idempotency key the next exit of orderNo will use.
func (c *ExitCoordinator) ExitKeyFor(ctx context.Context, orderNo string) string {
	return orders.ExitKey(orderNo, c.attempt(ctx, orderNo))
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func (o ExitOutcome) String() string { return string(o) }
