package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-risk-engine/internal/models"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func record(orderNo, securityID string) *models.PositionRecord {
	return &models.PositionRecord{
		OrderNo:    orderNo,
		SecurityID: securityID,
		Segment:    models.SegmentNFO,
		Symbol:     "NIFTY24OCT25000CE",
		Side:       models.SideLongCall,
		Quantity:   75,
		LotSize:    75,
		EntryPrice: d(100),
		Status:     models.StatusActive,
	}
}

func TestAddIsIdempotent(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")

	c.Add(rec, decimal.NewNullDecimal(d(70)), decimal.NewNullDecimal(d(160)))
	_, ok := c.Update(rec.Key(), Update{LTP: decimal.NewNullDecimal(d(120))})
	require.True(t, ok)

	data := c.Add(rec, decimal.NewNullDecimal(d(80)), decimal.NewNullDecimal(d(160)))
	assert.Equal(t, 1, c.Len())
	assert.True(t, data.SLPrice.Decimal.Equal(d(80)), "bracket levels are updated in place")
	assert.True(t, data.PeakProfitPct.Equal(d(20)), "live state survives re-add")
}

func TestUpdateDerivesPnLFromLTP(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")
	c.Add(rec, decimal.NullDecimal{}, decimal.NullDecimal{})

	data, ok := c.Update(rec.Key(), Update{LTP: decimal.NewNullDecimal(d(125))})
	require.True(t, ok)
	assert.True(t, data.PnL.Equal(d(1875)))
	assert.True(t, data.PnLPct.Equal(d(25)))
	assert.True(t, data.HighWaterMark.Equal(d(1875)))

	data, _ = c.Update(rec.Key(), Update{LTP: decimal.NewNullDecimal(d(110))})
	assert.True(t, data.PnLPct.Equal(d(10)))
	assert.True(t, data.PeakProfitPct.Equal(d(25)))
	assert.True(t, data.HighWaterMark.Equal(d(1875)))
}

func TestUpdateMissingKey(t *testing.T) {
	c := NewCache(zerolog.Nop())
	_, ok := c.Update(models.PositionKey{Segment: models.SegmentNFO, SecurityID: "1"}, Update{PnLPct: decimal.NewNullDecimal(d(5))})
	assert.False(t, ok)
	_, ok = c.Get(models.PositionKey{Segment: models.SegmentNFO, SecurityID: "1"})
	assert.False(t, ok)
	assert.False(t, c.Remove(models.PositionKey{Segment: models.SegmentNFO, SecurityID: "1"}))
}

func TestHighWaterMarkBelowPnLSelfHeals(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")
	c.Add(rec, decimal.NullDecimal{}, decimal.NullDecimal{})

	data, ok := c.Update(rec.Key(), Update{
		PnL:           decimal.NewNullDecimal(d(500)),
		PnLPct:        decimal.NewNullDecimal(d(6)),
		HighWaterMark: decimal.NewNullDecimal(d(100)),
	})
	require.True(t, ok)
	assert.True(t, data.HighWaterMark.Equal(d(500)))
}

func TestBracketFlags(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")
	c.Add(rec, decimal.NewNullDecimal(d(70)), decimal.NewNullDecimal(d(160)))

	data, _ := c.Update(rec.Key(), Update{LTP: decimal.NewNullDecimal(d(70))})
	assert.True(t, data.SLHit)
	assert.False(t, data.TPHit)

	data, _ = c.Update(rec.Key(), Update{LTP: decimal.NewNullDecimal(d(161))})
	assert.False(t, data.SLHit)
	assert.True(t, data.TPHit)
}

func TestApplyTickIgnoresOutOfOrderTicks(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")
	c.Add(rec, decimal.NullDecimal{}, decimal.NullDecimal{})
	now := time.Now()

	c.ApplyTick(rec.Key(), models.Tick{LTP: d(120), Timestamp: now})
	data, ok := c.ApplyTick(rec.Key(), models.Tick{LTP: d(90), Timestamp: now.Add(-time.Second)})
	require.True(t, ok)
	assert.True(t, data.CurrentLTP.Equal(d(120)))
	assert.Equal(t, now, data.LastUpdatedAt)
}

func TestApplyTickSameTimestampTakesLatestPrice(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")
	c.Add(rec, decimal.NullDecimal{}, decimal.NullDecimal{})
	at := time.Date(2026, 10, 16, 10, 0, 5, 0, time.UTC)

	c.ApplyTick(rec.Key(), models.Tick{LTP: d(100), Timestamp: at})
	data, ok := c.ApplyTick(rec.Key(), models.Tick{LTP: d(75), Timestamp: at})
	require.True(t, ok)
	assert.True(t, data.CurrentLTP.Equal(d(75)))
	assert.True(t, data.PnLPct.Equal(d(-25)), "pnl_pct=%s", data.PnLPct)
	assert.Equal(t, at, data.LastUpdatedAt)
}

func TestEachActiveSkipsExitingAndRemoved(t *testing.T) {
	c := NewCache(zerolog.Nop())
	a, b, x := record("A", "1"), record("B", "2"), record("C", "3")
	for _, r := range []*models.PositionRecord{a, b, x} {
		c.Add(r, decimal.NullDecimal{}, decimal.NullDecimal{})
	}

	require.True(t, c.MarkExiting(b.Key()))
	assert.False(t, c.MarkExiting(b.Key()), "second mark must fail")
	c.Remove(x.Key())

	var seen []string
	for p := range c.EachActive() {
		seen = append(seen, p.OrderNo)
	}
	assert.Equal(t, []string{"A"}, seen)

	c.ClearExiting(b.Key())
	assert.Equal(t, 2, c.ActiveCount())
}

func TestEachActiveRestartsPerCall(t *testing.T) {
	c := NewCache(zerolog.Nop())
	c.Add(record("A", "1"), decimal.NullDecimal{}, decimal.NullDecimal{})
	c.Add(record("B", "2"), decimal.NullDecimal{}, decimal.NullDecimal{})

	seq := c.EachActive()
	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())

	for range seq {
		break
	}
}

func TestConcurrentUpdatesKeepSnapshotConsistent(t *testing.T) {
	c := NewCache(zerolog.Nop())
	rec := record("ORD-1", "43512")
	c.Add(rec, decimal.NullDecimal{}, decimal.NullDecimal{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Update(rec.Key(), Update{LTP: decimal.NewNullDecimal(d(float64(80 + (i*j)%60)))})
			}
		}(i)
	}
	for i := 0; i < 200; i++ {
		for p := range c.EachActive() {
			pnl, pct := models.ComputePnL(p.EntryPrice, p.CurrentLTP, p.Quantity)
			if p.CurrentLTP.IsPositive() {
				assert.True(t, pnl.Equal(p.PnL), "pnl matches ltp in the same snapshot")
				assert.True(t, pct.Equal(p.PnLPct))
			}
			assert.True(t, p.PeakProfitPct.GreaterThanOrEqual(p.PnLPct))
		}
	}
	wg.Wait()
}

type fakeLister struct {
	records []*models.PositionRecord
}

func (f fakeLister) ListByStatus(_ context.Context, _ ...models.Status) ([]*models.PositionRecord, error) {
	return f.records, nil
}

func TestRebuildRestoresPeakFromHighWaterMark(t *testing.T) {
	rec := record("ORD-1", "43512")
	rec.HighWaterMarkPnL = d(1875) // 25% of 100 * 75
	rec.LastPnLRupees = d(1500)
	rec.LastPnLPct = d(20)
	rec.SLPrice = decimal.NewNullDecimal(d(70))

	bad := record("ORD-2", "99")
	bad.EntryPrice = decimal.Zero

	c := NewCache(zerolog.Nop())
	n, err := Rebuild(context.Background(), fakeLister{records: []*models.PositionRecord{rec, bad}}, c)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, ok := c.Get(rec.Key())
	require.True(t, ok)
	assert.True(t, data.PeakProfitPct.Equal(d(25)))
	assert.True(t, data.PnLPct.Equal(d(20)))
	assert.True(t, data.SLPrice.Decimal.Equal(d(70)))
}

// Peak profit after each update is the running maximum of every P&L percent seen.
func TestProperty_PeakProfitIsRunningMax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("peak_profit_pct never decreases", prop.ForAll(
		func(pcts []float64) bool {
			c := NewCache(zerolog.Nop())
			rec := record("ORD-1", "1")
			c.Add(rec, decimal.NullDecimal{}, decimal.NullDecimal{})

			peak := decimal.Zero
			for _, p := range pcts {
				pct := decimal.NewFromFloat(p).Round(2)
				data, ok := c.Update(rec.Key(), Update{
					PnL:    decimal.NewNullDecimal(pct.Mul(d(75))),
					PnLPct: decimal.NewNullDecimal(pct),
				})
				if !ok {
					return false
				}
				peak = decimal.Max(peak, pct)
				if !data.PeakProfitPct.Equal(peak) {
					return false
				}
				if data.HighWaterMark.LessThan(data.PnL) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-90, 300)),
	))

	properties.TestingRun(t)
}
