package marketdata

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	"options-risk-engine/internal/models"
	"options-risk-engine/internal/positions"
)

var (
	t0  = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	key = models.PositionKey{Segment: models.SegmentNFO, SecurityID: "52175"}
)

func tick(ltp string, at time.Time) models.Tick {
	return models.Tick{LTP: decimal.RequireFromString(ltp), Timestamp: at}
}

type recordingSink struct {
	got []models.Tick
}

func (s *recordingSink) OnTick(_ models.PositionKey, t models.Tick) { s.got = append(s.got, t) }

func TestTickCacheKeepsNewest(t *testing.T) {
	c := NewTickCache()
	c.OnTick(key, tick("101", t0.Add(time.Second)))
	c.OnTick(key, tick("99", t0)) // late

	got, ok := c.CurrentTick(models.SegmentNFO, "52175")
	require.True(t, ok)
	assert.Equal(t, "101", got.LTP.String())

	_, ok = c.CurrentTick(models.SegmentBFO, "52175")
	assert.False(t, ok)

	c.Forget(key)
	_, ok = c.CurrentTick(models.SegmentNFO, "52175")
	assert.False(t, ok)
}

func TestLayeredPicksFreshest(t *testing.T) {
	a, b := NewTickCache(), NewTickCache()
	a.OnTick(key, tick("100", t0))
	b.OnTick(key, tick("105", t0.Add(2*time.Second)))

	got, ok := Layered{a, b}.CurrentTick(key.Segment, key.SecurityID)
	require.True(t, ok)
	assert.Equal(t, "105", got.LTP.String())

	_, ok = Layered{NewTickCache()}.CurrentTick(key.Segment, key.SecurityID)
	assert.False(t, ok)
}

func TestUnderlyingCacheIgnoresOlderReadings(t *testing.T) {
	c := NewUnderlyingCache()
	c.Put(models.UnderlyingHealth{Symbol: "NIFTY", TrendScore: 40, UpdatedAt: t0.Add(time.Minute)})
	c.Put(models.UnderlyingHealth{Symbol: "NIFTY", TrendScore: -80, UpdatedAt: t0})

	h, ok := c.UnderlyingHealth("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 40.0, h.TrendScore)

	_, ok = c.UnderlyingHealth("BANKNIFTY")
	assert.False(t, ok)
}

func TestSinksFanOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Sinks{a, b}.OnTick(key, tick("100", t0))
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestTickRouterWakesOnBracketCross(t *testing.T) {
	cache := positions.NewCache(zerolog.Nop())
	cache.Add(&models.PositionRecord{
		OrderNo:    "ORD-1",
		SecurityID: "52175",
		Segment:    models.SegmentNFO,
		Side:       models.SideLongCall,
		Quantity:   75,
		EntryPrice: decimal.NewFromInt(100),
		Status:     models.StatusActive,
	}, decimal.NewNullDecimal(decimal.NewFromInt(80)), decimal.NewNullDecimal(decimal.NewFromInt(160)))

	var wakes atomic.Int32
	r := NewTickRouter(cache, func() { wakes.Add(1) }, zerolog.Nop())

	r.OnTick(key, tick("95", t0))
	assert.Equal(t, int32(0), wakes.Load())

	r.OnTick(key, tick("79.5", t0.Add(time.Second)))
	assert.Equal(t, int32(1), wakes.Load())

	data, ok := cache.Get(key)
	require.True(t, ok)
	assert.True(t, data.SLHit)
	assert.Equal(t, "79.5", data.CurrentLTP.String())

	// Unknown keys are ignored.
	r.OnTick(models.PositionKey{Segment: models.SegmentNFO, SecurityID: "1"}, tick("1", t0))
	assert.Equal(t, int32(1), wakes.Load())
}

func TestKiteFeedConvertsRegisteredTokens(t *testing.T) {
	sink := &recordingSink{}
	f := NewKiteFeed(KiteFeedConfig{APIKey: "k", AccessToken: "t"}, sink, zerolog.Nop())
	f.Register(12345, key)

	f.handleTick(kitemodels.Tick{InstrumentToken: 12345, LastPrice: 101.25, Timestamp: kitemodels.Time{Time: t0}})
	f.handleTick(kitemodels.Tick{InstrumentToken: 999, LastPrice: 50})
	f.handleTick(kitemodels.Tick{InstrumentToken: 12345, LastPrice: 0})

	require.Len(t, sink.got, 1)
	assert.Equal(t, "101.25", sink.got[0].LTP.String())
	assert.True(t, sink.got[0].Timestamp.Equal(t0))
	assert.False(t, f.IsConnected())
	assert.Error(t, f.Subscribe(12345), "subscribing before connect fails")
}
