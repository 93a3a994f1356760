package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-risk-engine/internal/broker"
	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/positions"
	"options-risk-engine/internal/store"
)

// Reconciler settings.
const (
	DefaultReconcileInterval = 10 * time.Second
	// DefaultNotFoundGrace is how long an exit may stay unknown to the broker
	// before it is treated as never placed.
	DefaultNotFoundGrace = 2 * time.Minute
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Interval      time.Duration
	NotFoundGrace time.Duration
	// OnAdopt is called for every active position the reconciler adds to
	// the cache, for example to subscribe its ticks.
	OnAdopt func(rec *models.PositionRecord)
}

// Reconciler settles exits whose outcome was not known when they were sent
// and keeps the cache in step with positions changed outside the loop.
type Reconciler struct {
	coord   *ExitCoordinator
	checker broker.OrderStatusChecker
	cfg     ReconcilerConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewReconciler creates a reconciler for coord's positions.
func NewReconciler(coord *ExitCoordinator, checker broker.OrderStatusChecker, cfg ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = DefaultNotFoundGrace
	}
	return &Reconciler{
		coord:   coord,
		checker: checker,
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "reconciler"),
	}
}

// ReconcileStats summarises one reconciliation pass.
type ReconcileStats struct {
	Checked   int
	Confirmed int
	Reopened  int
	Adopted   int
	Dropped   int
}

// Reconcile runs one pass.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	for orderNo, u := range r.coord.unsyncedExits() {
		stats.Checked++
		switch r.resync(ctx, orderNo, u) {
		case OutcomeConfirmed:
			stats.Confirmed++
		case OutcomeRejected:
			stats.Reopened++
		}
	}

	requested, err := r.coord.store.ListByStatus(ctx, models.StatusExitRequested)
	if err != nil {
		return stats, err
	}
	for _, rec := range requested {
		stats.Checked++
		switch r.settle(ctx, rec) {
		case OutcomeConfirmed:
			stats.Confirmed++
		case OutcomeRejected:
			stats.Reopened++
		}
	}

	adopted, dropped, err := r.syncActive(ctx)
	stats.Adopted, stats.Dropped = adopted, dropped
	return stats, err
}

func (r *Reconciler) settle(ctx context.Context, rec *models.PositionRecord) ExitOutcome {
	logger := logging.WithPosition(r.logger, string(rec.Segment), rec.SecurityID, rec.OrderNo)
	q := broker.ExitStatusQuery{
		OrderID:        rec.Meta[models.MetaExitOrderID],
		IdempotencyKey: rec.Meta[models.MetaIdempotencyKey],
	}
	if q.OrderID == "" {
		q.OrderID = r.lastBrokerOrderID(ctx, rec.OrderNo)
	}
	if q.OrderID == "" && q.IdempotencyKey == "" {
		logger.Warn().Msg("Exit request has no broker reference, reopening")
		r.coord.reopen(ctx, rec, "no broker reference")
		return OutcomeRejected
	}

	st, err := r.checker.ExitStatus(ctx, q)
	if err != nil {
		logger.Warn().Err(err).Msg("Exit status unavailable")
		return OutcomePending
	}

	switch st.State {
	case broker.OrderStateComplete:
		r.coord.complete(ctx, rec, st)
		return OutcomeConfirmed
	case broker.OrderStateRejected, broker.OrderStateCancelled:
		r.coord.reopen(ctx, rec, st.Message)
		return OutcomeRejected
	case broker.OrderStateNotFound:
		if r.coord.now().Sub(rec.UpdatedAt) >= r.cfg.NotFoundGrace {
			logger.Warn().Dur("age", r.coord.now().Sub(rec.UpdatedAt)).Msg("Exit never reached the broker, reopening")
			r.coord.reopen(ctx, rec, "exit order not found")
			return OutcomeRejected
		}
	}
	return OutcomePending
}

// resync settles an exit the store never recorded. Writing the exit request
// again hands it to the regular exit_requested pass; while the store keeps
// failing the broker is asked directly by idempotency key.
func (r *Reconciler) resync(ctx context.Context, orderNo string, u unsyncedExit) ExitOutcome {
	logger := logging.WithPosition(r.logger, string(u.key.Segment), u.key.SecurityID, orderNo)

	rec, err := r.coord.store.Get(ctx, orderNo)
	if err != nil {
		if errors.Is(err, apperrors.ErrPositionNotFound) {
			r.coord.dropUnsynced(orderNo)
		}
		logger.Warn().Err(err).Msg("Cannot read position with unrecorded exit")
		return OutcomePending
	}
	if rec.Status != models.StatusActive {
		r.coord.dropUnsynced(orderNo)
		return OutcomePending
	}

	if err := r.coord.store.MarkExitRequested(ctx, orderNo, u.meta); err == nil {
		r.coord.dropUnsynced(orderNo)
		logger.Info().Str("idempotency_key", u.idemKey).Msg("Recorded exit request after store recovery")
		return OutcomePending
	}

	st, err := r.checker.ExitStatus(ctx, broker.ExitStatusQuery{OrderID: u.brokerOrderID, IdempotencyKey: u.idemKey})
	if err != nil {
		logger.Warn().Err(err).Msg("Exit status unavailable")
		return OutcomePending
	}

	rec.Meta = mergeMeta(rec.Meta, u.meta)
	switch st.State {
	case broker.OrderStateComplete:
		r.coord.complete(ctx, rec, st)
		return OutcomeConfirmed
	case broker.OrderStateRejected, broker.OrderStateCancelled:
		r.coord.release(ctx, rec, st.Message)
		return OutcomeRejected
	case broker.OrderStateNotFound:
		if age := r.coord.now().Sub(u.at); age >= r.cfg.NotFoundGrace {
			logger.Warn().Dur("age", age).Msg("Exit never reached the broker, releasing")
			r.coord.release(ctx, rec, "exit order not found")
			return OutcomeRejected
		}
	}
	return OutcomePending
}

func mergeMeta(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (r *Reconciler) lastBrokerOrderID(ctx context.Context, orderNo string) string {
	events, err := r.coord.store.ExitEvents(ctx, store.ExitEventFilter{OrderNo: orderNo, Limit: 5})
	if err != nil {
		return ""
	}
	for _, ev := range events {
		if ev.BrokerOrderID != "" {
			return ev.BrokerOrderID
		}
	}
	return ""
}

// syncActive adds active positions missing from the cache and drops cached
// positions whose stored record is no longer monitored.
func (r *Reconciler) syncActive(ctx context.Context) (adopted, dropped int, err error) {
	cache := r.coord.cache
	active, err := r.coord.store.ListByStatus(ctx, models.StatusActive, models.StatusExitRequested)
	if err != nil {
		return 0, 0, err
	}

	live := make(map[string]bool, len(active))
	for _, rec := range active {
		live[rec.OrderNo] = true
		if rec.Status != models.StatusActive {
			continue
		}
		if d, ok := cache.Get(rec.Key()); ok && d.OrderNo == rec.OrderNo {
			continue
		}
		if verr := rec.Validate(); verr != nil {
			r.logger.Error().Err(verr).Str("order_no", rec.OrderNo).Msg("Skipping invalid active position")
			continue
		}
		cache.Add(rec, rec.SLPrice, rec.TPPrice)
		adopted++
		r.logger.Info().Str("order_no", rec.OrderNo).Str("symbol", rec.Symbol).Msg("Adopted active position")
		if r.cfg.OnAdopt != nil {
			r.cfg.OnAdopt(rec)
		}
	}

	var stale []positions.PositionData
	for d := range cache.EachActive() {
		if !live[d.OrderNo] {
			stale = append(stale, d)
		}
	}
	for _, d := range stale {
		rec, gerr := r.coord.store.Get(ctx, d.OrderNo)
		if gerr != nil && !errors.Is(gerr, apperrors.ErrPositionNotFound) {
			continue
		}
		if rec != nil && !rec.Status.IsTerminal() {
			continue
		}
		cache.Remove(d.Key())
		dropped++
		r.logger.Info().Str("order_no", d.OrderNo).Msg("Dropped closed position from cache")
	}
	return adopted, dropped, nil
}

// Start runs Reconcile every interval until ctx is done or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				stats, err := r.Reconcile(ctx)
				if err != nil {
					r.logger.Error().Err(err).Msg("Reconciliation failed")
					continue
				}
				if stats.Checked+stats.Adopted+stats.Dropped > 0 {
					r.logger.Info().
						Int("checked", stats.Checked).
						Int("confirmed", stats.Confirmed).
						Int("reopened", stats.Reopened).
						Int("adopted", stats.Adopted).
						Int("dropped", stats.Dropped).
						Msg("Reconciliation pass")
				}
			}
		}
	}()
}

// Stop halts the reconciler and waits for the current pass.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

// complete finalises a position the broker reports as filled.
func (c *ExitCoordinator) complete(ctx context.Context, rec *models.PositionRecord, st broker.ExitStatus) {
	reason := rec.Meta[models.MetaExitReason]
	meta := map[string]string{
		models.MetaExitOutcome: string(OutcomeConfirmed),
		models.MetaExitOrderID: st.OrderID,
	}
	if reason != "" {
		meta[models.MetaExitReason] = reason
	}
	if k := rec.Meta[models.MetaIdempotencyKey]; k != "" {
		meta[models.MetaIdempotencyKey] = k
	}
	if err := c.store.MarkExited(ctx, rec.OrderNo, st.AveragePrice, meta, c.now()); err != nil {
		c.logger.Error().Err(err).Str("order_no", rec.OrderNo).Msg("Failed to persist reconciled exit")
		return
	}
	c.cache.Remove(rec.Key())
	c.realize(rec.OrderNo, rec.EntryPrice, st.AveragePrice.Decimal, rec.Quantity)
	c.audit(ctx, rec, reason, OutcomeConfirmed, st, "")
}

// reopen returns a position whose exit never happened to the pool.
func (c *ExitCoordinator) reopen(ctx context.Context, rec *models.PositionRecord, why string) {
	reason := rec.Meta[models.MetaExitReason]
	if err := c.store.RevertToActive(ctx, rec.OrderNo); err != nil {
		c.logger.Error().Err(err).Str("order_no", rec.OrderNo).Msg("Failed to reopen position")
		return
	}
	c.nextAttempt(rec.OrderNo)

	if _, ok := c.cache.Get(rec.Key()); ok {
		c.cache.ClearExiting(rec.Key())
	} else {
		fresh, err := c.store.Get(ctx, rec.OrderNo)
		if err == nil {
			c.cache.Add(fresh, fresh.SLPrice, fresh.TPPrice)
		}
	}
	c.audit(ctx, rec, reason, OutcomeRejected, broker.ExitStatus{}, why)
}

// release returns a position whose unrecorded exit never happened to the
// pool. The stored row is still active so only the cache changes.
func (c *ExitCoordinator) release(ctx context.Context, rec *models.PositionRecord, why string) {
	c.dropUnsynced(rec.OrderNo)
	c.nextAttempt(rec.OrderNo)
	if _, ok := c.cache.Get(rec.Key()); ok {
		c.cache.ClearExiting(rec.Key())
	} else {
		c.cache.Add(rec, rec.SLPrice, rec.TPPrice)
	}
	c.audit(ctx, rec, rec.Meta[models.MetaExitReason], OutcomeRejected, broker.ExitStatus{}, why)
}

func (c *ExitCoordinator) audit(ctx context.Context, rec *models.PositionRecord, reason string, outcome ExitOutcome, st broker.ExitStatus, why string) {
	idemKey := rec.Meta[models.MetaIdempotencyKey]
	ev := &store.ExitEvent{
		OrderNo:        rec.OrderNo,
		Reason:         reason,
		Outcome:        string(outcome),
		IdempotencyKey: idemKey,
		BrokerOrderID:  st.OrderID,
		ExitPrice:      st.AveragePrice,
		Error:          why,
		Metadata:       map[string]string{"source": "reconciler"},
	}
	if err := c.store.RecordExitEvent(ctx, ev); err != nil {
		c.logger.Error().Err(err).Str("order_no", rec.OrderNo).Msg("Failed to record exit event")
	}

	var logErr error
	if why != "" {
		logErr = errors.New(why)
	}
	logging.LogExit(c.logger, logging.ExitEvent{
		OrderNo:        rec.OrderNo,
		Symbol:         rec.Symbol,
		Reason:         reason,
		Outcome:        string(outcome),
		IdempotencyKey: idemKey,
		ExitPrice:      nullString(st.AveragePrice),
		Err:            logErr,
	})
}
