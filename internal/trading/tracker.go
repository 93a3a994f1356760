package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-risk-engine/internal/config"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/positions"
	"options-risk-engine/internal/store"
)

// OpenRequest describes a new position.
type OpenRequest struct {
	OrderNo          string
	SecurityID       string
	Segment          models.Segment
	Symbol           string
	UnderlyingSymbol string
	Side             models.Side
	Quantity         int64
	LotSize          int64
	SLPrice          decimal.NullDecimal
	TPPrice          decimal.NullDecimal
}

// PositionTracker moves positions through pending and active and keeps the
// cache in step with the store.
type PositionTracker struct {
	store  store.PositionStore
	cache  *positions.Cache
	risk   RiskSource
	logger zerolog.Logger
	now    func() time.Time
}

// NewPositionTracker creates a tracker.
func NewPositionTracker(st store.PositionStore, cache *positions.Cache, rs RiskSource, logger zerolog.Logger) *PositionTracker {
	return &PositionTracker{
		store:  st,
		cache:  cache,
		risk:   rs,
		logger: logging.WithComponent(logger, "position_tracker"),
		now:    time.Now,
	}
}

// Open records a pending position awaiting its entry fill.
func (t *PositionTracker) Open(ctx context.Context, req OpenRequest) (*models.PositionRecord, error) {
	now := t.now()
	rec := &models.PositionRecord{
		OrderNo:          req.OrderNo,
		SecurityID:       req.SecurityID,
		Segment:          req.Segment,
		Symbol:           req.Symbol,
		UnderlyingSymbol: req.UnderlyingSymbol,
		Side:             req.Side,
		Quantity:         req.Quantity,
		LotSize:          req.LotSize,
		SLPrice:          req.SLPrice,
		TPPrice:          req.TPPrice,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("opening position %s: %w", req.OrderNo, err)
	}
	t.logger.Info().Str("order_no", rec.OrderNo).Str("symbol", rec.Symbol).Int64("quantity", rec.Quantity).Msg("Position opened")
	return rec, nil
}

// Activate records the entry fill and starts monitoring the position.
// Missing bracket levels are derived from the stop-loss and take-profit
// percentages.
func (t *PositionTracker) Activate(ctx context.Context, orderNo string, entryPrice decimal.Decimal) (positions.PositionData, error) {
	if err := t.store.Activate(ctx, orderNo, entryPrice, t.now()); err != nil {
		return positions.PositionData{}, fmt.Errorf("activating position %s: %w", orderNo, err)
	}
	rec, err := t.store.Get(ctx, orderNo)
	if err != nil {
		return positions.PositionData{}, fmt.Errorf("reading position %s: %w", orderNo, err)
	}

	sl, tp := t.brackets(rec)
	data := t.cache.Add(rec, sl, tp)
	t.logger.Info().
		Str("order_no", orderNo).
		Str("entry_price", entryPrice.String()).
		Str("sl_price", nullString(sl)).
		Str("tp_price", nullString(tp)).
		Msg("Position active")
	return data, nil
}

// Track opens and activates a position in one step.
func (t *PositionTracker) Track(ctx context.Context, req OpenRequest, entryPrice decimal.Decimal) (positions.PositionData, error) {
	if _, err := t.Open(ctx, req); err != nil {
		return positions.PositionData{}, err
	}
	return t.Activate(ctx, req.OrderNo, entryPrice)
}

// Cancel abandons a pending or active position without an exit order.
func (t *PositionTracker) Cancel(ctx context.Context, orderNo string) error {
	rec, err := t.store.Get(ctx, orderNo)
	if err != nil {
		return fmt.Errorf("reading position %s: %w", orderNo, err)
	}
	if err := t.store.Cancel(ctx, orderNo); err != nil {
		return fmt.Errorf("cancelling position %s: %w", orderNo, err)
	}
	if d, ok := t.cache.Get(rec.Key()); ok && d.OrderNo == orderNo {
		t.cache.Remove(rec.Key())
	}
	t.logger.Info().Str("order_no", orderNo).Msg("Position cancelled")
	return nil
}

func (t *PositionTracker) brackets(rec *models.PositionRecord) (sl, tp decimal.NullDecimal) {
	sl, tp = rec.SLPrice, rec.TPPrice
	if t.risk == nil || (sl.Valid && tp.Valid) {
		return sl, tp
	}
	return BracketPrices(rec.EntryPrice, t.risk.Risk(), sl, tp)
}

// BracketPrices fills in missing stop-loss and take-profit prices from the
// risk percentages.
func BracketPrices(entry decimal.Decimal, rc config.RiskConfig, sl, tp decimal.NullDecimal) (decimal.NullDecimal, decimal.NullDecimal) {
	hundred := decimal.NewFromInt(100)
	if !sl.Valid && rc.SLPct > 0 {
		f := hundred.Sub(decimal.NewFromFloat(rc.SLPct)).Div(hundred)
		sl = decimal.NewNullDecimal(entry.Mul(f).Round(2))
	}
	if !tp.Valid && rc.TPPct > 0 {
		f := hundred.Add(decimal.NewFromFloat(rc.TPPct)).Div(hundred)
		tp = decimal.NewNullDecimal(entry.Mul(f).Round(2))
	}
	return sl, tp
}
