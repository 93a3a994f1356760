package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
)

const (
	defaultLatestTTL = 30 * time.Minute
	redisOpTimeout   = 250 * time.Millisecond
)

type tickJSON struct {
	LTP decimal.Decimal `json:"ltp"`
	TS  int64           `json:"ts"` // unix millis
}

// RedisTickStore keeps the latest tick per security in Redis so other
// processes and a restarted engine see the same view.
type RedisTickStore struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisTickStore wraps client. A non-positive ttl uses 30 minutes.
func NewRedisTickStore(client *goredis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisTickStore {
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	return &RedisTickStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logging.WithComponent(logger, "redis_ticks"),
	}
}

func (s *RedisTickStore) key(k models.PositionKey) string {
	return s.prefix + "latest:" + string(k.Segment) + ":" + k.SecurityID
}

// Put stores tick under key.
func (s *RedisTickStore) Put(ctx context.Context, key models.PositionKey, tick models.Tick) error {
	b, err := json.Marshal(tickJSON{LTP: tick.LTP, TS: tick.Timestamp.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode tick: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get loads the tick under key.
func (s *RedisTickStore) Get(ctx context.Context, key models.PositionKey) (models.Tick, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return models.Tick{}, false, nil
	}
	if err != nil {
		return models.Tick{}, false, fmt.Errorf("redis get: %w", err)
	}
	var tj tickJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return models.Tick{}, false, fmt.Errorf("decode tick: %w", err)
	}
	return models.Tick{LTP: tj.LTP, Timestamp: time.UnixMilli(tj.TS)}, true, nil
}

// OnTick writes the tick with a short timeout. Failures are logged; the
// in-memory view stays authoritative for this process.
func (s *RedisTickStore) OnTick(key models.PositionKey, tick models.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.Put(ctx, key, tick); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to publish tick")
	}
}

func (s *RedisTickStore) CurrentTick(segment models.Segment, securityID string) (models.Tick, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	t, ok, err := s.Get(ctx, models.PositionKey{Segment: segment, SecurityID: securityID})
	if err != nil {
		s.logger.Warn().Err(err).Str("security_id", securityID).Msg("Failed to read tick")
		return models.Tick{}, false
	}
	return t, ok
}

// Layered reads from each view in order and returns the freshest tick.
type Layered []LiveTickView

func (l Layered) CurrentTick(segment models.Segment, securityID string) (models.Tick, bool) {
	var (
		best  models.Tick
		found bool
	)
	for _, v := range l {
		t, ok := v.CurrentTick(segment, securityID)
		if ok && (!found || t.Timestamp.After(best.Timestamp)) {
			best, found = t, true
		}
	}
	return best, found
}

type underlyingJSON struct {
	TrendScore float64 `json:"trend_score"`
	ATR        float64 `json:"atr"`
	ATRAverage float64 `json:"atr_avg"`
	TS         int64   `json:"ts"` // unix millis
}

// RedisUnderlyingStore reads underlying health published by the indicator
// engine under <prefix>underlying:<SYMBOL>.
type RedisUnderlyingStore struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisUnderlyingStore wraps client. A non-positive ttl uses 30 minutes.
func NewRedisUnderlyingStore(client *goredis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisUnderlyingStore {
	if ttl <= 0 {
		ttl = defaultLatestTTL
	}
	return &RedisUnderlyingStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logging.WithComponent(logger, "redis_underlying"),
	}
}

func (s *RedisUnderlyingStore) key(symbol string) string {
	return s.prefix + "underlying:" + symbol
}

// Put publishes h.
func (s *RedisUnderlyingStore) Put(ctx context.Context, h models.UnderlyingHealth) error {
	b, err := json.Marshal(underlyingJSON{
		TrendScore: h.TrendScore,
		ATR:        h.ATR,
		ATRAverage: h.ATRAverage,
		TS:         h.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode underlying: %w", err)
	}
	if err := s.client.Set(ctx, s.key(h.Symbol), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisUnderlyingStore) UnderlyingHealth(symbol string) (models.UnderlyingHealth, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(symbol)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return models.UnderlyingHealth{}, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("underlying", symbol).Msg("Failed to read underlying health")
		return models.UnderlyingHealth{}, false
	}
	var uj underlyingJSON
	if err := json.Unmarshal(raw, &uj); err != nil {
		s.logger.Warn().Err(err).Str("underlying", symbol).Msg("Malformed underlying health")
		return models.UnderlyingHealth{}, false
	}
	return models.UnderlyingHealth{
		Symbol:     symbol,
		TrendScore: uj.TrendScore,
		ATR:        uj.ATR,
		ATRAverage: uj.ATRAverage,
		UpdatedAt:  time.UnixMilli(uj.TS),
	}, true
}
