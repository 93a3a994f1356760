package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
)

// KiteFeedConfig holds configuration for the Kite tick feed.
type KiteFeedConfig struct {
	APIKey         string
	AccessToken    string
	MaxRetries     int
	MaxRetryDelay  time.Duration
	ConnectTimeout time.Duration
}

// KiteFeed streams LTP ticks from Kite Connect and forwards them to a sink
// keyed by the instrument's (segment, security_id).
type KiteFeed struct {
	cfg    KiteFeedConfig
	sink   TickSink
	logger zerolog.Logger

	ticker *kiteticker.Ticker

	mu         sync.RWMutex
	connected  bool
	tokens     map[uint32]models.PositionKey
	subscribed map[uint32]bool

	writeMu sync.Mutex // protects websocket writes (Subscribe, SetMode)

	lastTick atomic.Int64 // unix nanos of the last delivered tick
}

// NewKiteFeed creates a feed that delivers ticks to sink.
func NewKiteFeed(cfg KiteFeedConfig, sink TickSink, logger zerolog.Logger) *KiteFeed {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 50
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &KiteFeed{
		cfg:        cfg,
		sink:       sink,
		logger:     logging.WithComponent(logger, "kite_feed"),
		tokens:     make(map[uint32]models.PositionKey),
		subscribed: make(map[uint32]bool),
	}
}

// Register maps an instrument token to the key ticks are delivered under.
func (f *KiteFeed) Register(token uint32, key models.PositionKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = key
}

// Connect opens the websocket and blocks until the first connection or
// timeout. The ticker reconnects on its own afterwards and resubscribes.
func (f *KiteFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.ticker != nil {
		f.mu.Unlock()
		return nil
	}

	t := kiteticker.New(f.cfg.APIKey, f.cfg.AccessToken)
	t.SetAutoReconnect(true)
	t.SetReconnectMaxRetries(f.cfg.MaxRetries)
	if err := t.SetReconnectMaxDelay(f.cfg.MaxRetryDelay); err != nil {
		f.logger.Warn().Err(err).Msg("Invalid reconnect delay, using ticker default")
	}
	f.ticker = t

	connectedCh := make(chan struct{}, 1)
	firstConnect := true

	t.OnConnect(func() {
		f.mu.Lock()
		f.connected = true
		isFirst := firstConnect
		firstConnect = false
		f.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		if isFirst {
			f.logger.Info().Msg("Tick feed connected")
			return
		}
		f.logger.Info().Msg("Tick feed reconnected, resubscribing")
		f.resubscribe()
	})

	t.OnClose(func(code int, reason string) {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		f.logger.Warn().Int("code", code).Str("reason", reason).Msg("Tick feed closed")
	})

	t.OnError(func(err error) {
		f.logger.Error().Err(err).Msg("Tick feed error")
	})

	t.OnReconnect(func(attempt int, delay time.Duration) {
		f.logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Tick feed reconnecting")
	})

	t.OnNoReconnect(func(attempt int) {
		f.logger.Error().Int("attempts", attempt).Msg("Tick feed gave up reconnecting")
	})

	t.OnTick(f.handleTick)
	f.mu.Unlock()

	go t.ServeWithContext(ctx)

	timer := time.NewTimer(f.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("tick feed connection timeout after %s", f.cfg.ConnectTimeout)
	}
}

// Close stops the feed.
func (f *KiteFeed) Close() {
	f.mu.Lock()
	t := f.ticker
	f.ticker = nil
	f.connected = false
	f.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Subscribe subscribes registered tokens in LTP mode.
func (f *KiteFeed) Subscribe(tokens ...uint32) error {
	f.mu.Lock()
	if !f.connected || f.ticker == nil {
		f.mu.Unlock()
		return fmt.Errorf("tick feed not connected")
	}
	want := make([]uint32, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := f.tokens[tok]; !ok {
			// Token not registered - skip
			continue
		}
		want = append(want, tok)
		f.subscribed[tok] = true
	}
	t := f.ticker
	f.mu.Unlock()

	if len(want) == 0 {
		return nil
	}
	return f.subscribe(t, want)
}

// Unsubscribe stops ticks for the given tokens.
func (f *KiteFeed) Unsubscribe(tokens ...uint32) error {
	f.mu.Lock()
	for _, tok := range tokens {
		delete(f.subscribed, tok)
	}
	t, connected := f.ticker, f.connected
	f.mu.Unlock()

	if !connected || t == nil || len(tokens) == 0 {
		return nil
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := t.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// IsConnected returns whether the feed is connected.
func (f *KiteFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *KiteFeed) subscribe(t *kiteticker.Ticker, tokens []uint32) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := t.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := t.SetMode(kiteticker.ModeLTP, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

func (f *KiteFeed) resubscribe() {
	f.mu.RLock()
	tokens := make([]uint32, 0, len(f.subscribed))
	for tok := range f.subscribed {
		tokens = append(tokens, tok)
	}
	t := f.ticker
	f.mu.RUnlock()

	if len(tokens) == 0 || t == nil {
		return
	}
	if err := f.subscribe(t, tokens); err != nil {
		f.logger.Error().Err(err).Int("tokens", len(tokens)).Msg("Resubscribe failed")
	}
}

// handleTick runs on the ticker's read goroutine, so ticks reach the sink in
// arrival order.
func (f *KiteFeed) handleTick(tick kitemodels.Tick) {
	key, tk, ok := f.convertTick(tick)
	if !ok {
		return
	}
	f.lastTick.Store(tk.Timestamp.UnixNano())
	f.sink.OnTick(key, tk)
}

// LastTickAt returns when the last tick was delivered, or the zero time.
func (f *KiteFeed) LastTickAt() time.Time {
	n := f.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// convertTick converts a Kite ticker tick to our model. LTP-mode packets carry
// no exchange timestamp, so the receive time is used instead.
func (f *KiteFeed) convertTick(tick kitemodels.Tick) (models.PositionKey, models.Tick, bool) {
	f.mu.RLock()
	key, ok := f.tokens[tick.InstrumentToken]
	f.mu.RUnlock()
	if !ok || tick.LastPrice <= 0 {
		return models.PositionKey{}, models.Tick{}, false
	}

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return key, models.Tick{LTP: decimal.NewFromFloat(tick.LastPrice), Timestamp: ts}, true
}
