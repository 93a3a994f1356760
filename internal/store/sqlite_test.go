package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "riskd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func pendingRecord(orderNo string) *models.PositionRecord {
	return &models.PositionRecord{
		OrderNo:          orderNo,
		SecurityID:       "52175",
		Segment:          models.SegmentNFO,
		Symbol:           "NIFTY25JAN23500CE",
		UnderlyingSymbol: "NIFTY",
		Side:             models.SideLongCall,
		Quantity:         75,
		LotSize:          75,
		SLPrice:          decimal.NewNullDecimal(d("80")),
		TPPrice:          decimal.NewNullDecimal(d("160")),
		Status:           models.StatusPending,
		CreatedAt:        time.Date(2025, 1, 6, 9, 30, 0, 0, time.UTC),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord("ORD-1")
	rec.Meta = map[string]string{"strategy": "supertrend"}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.SideLongCall, got.Side)
	assert.True(t, got.SLPrice.Valid)
	assert.True(t, got.SLPrice.Decimal.Equal(d("80")))
	assert.False(t, got.ExitPrice.Valid)
	assert.Equal(t, "supertrend", got.Meta["strategy"])
	assert.Nil(t, got.ExitedAt)

	err = s.Create(ctx, pendingRecord("ORD-1"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePosition)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestCreateRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	rec := pendingRecord("ORD-2")
	rec.Quantity = 80 // not a multiple of 75
	err := s.Create(context.Background(), rec)
	var ve *apperrors.ValidationError
	assert.ErrorAs(t, err, &ve)

	rec = pendingRecord("ORD-3")
	rec.Status = models.StatusExited
	rec.EntryPrice = d("100")
	assert.ErrorIs(t, s.Create(context.Background(), rec), apperrors.ErrInvalidTransition)
}

func TestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingRecord("ORD-1")))

	at := time.Date(2025, 1, 6, 9, 31, 0, 0, time.UTC)
	require.NoError(t, s.Activate(ctx, "ORD-1", d("100"), at))
	assert.ErrorIs(t, s.Activate(ctx, "ORD-1", d("100"), at), apperrors.ErrInvalidTransition)

	require.NoError(t, s.MarkExitRequested(ctx, "ORD-1", map[string]string{
		models.MetaExitReason:     "stop_loss",
		models.MetaIdempotencyKey: "exit:ORD-1:0",
	}))
	got, err := s.Get(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExitRequested, got.Status)
	assert.Equal(t, "stop_loss", got.Meta[models.MetaExitReason])

	assert.ErrorIs(t, s.Cancel(ctx, "ORD-1"), apperrors.ErrInvalidTransition)

	exitAt := at.Add(time.Hour)
	require.NoError(t, s.MarkExited(ctx, "ORD-1", decimal.NewNullDecimal(d("79.5")), map[string]string{
		models.MetaExitOutcome: "confirmed",
	}, exitAt))
	got, err = s.Get(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExited, got.Status)
	assert.True(t, got.ExitPrice.Decimal.Equal(d("79.5")))
	require.NotNil(t, got.ExitedAt)
	assert.True(t, got.ExitedAt.Equal(exitAt))
	assert.Equal(t, "stop_loss", got.Meta[models.MetaExitReason], "meta merges across transitions")
	assert.Equal(t, "confirmed", got.Meta[models.MetaExitOutcome])

	assert.ErrorIs(t, s.RevertToActive(ctx, "ORD-1"), apperrors.ErrInvalidTransition)
	err = s.UpdatePnL(ctx, "ORD-1", PnLSnapshot{PnLRupees: d("10")})
	var te *apperrors.TransitionError
	assert.ErrorAs(t, err, &te, "exited positions have frozen P&L")
}

func TestRevertToActiveClearsExitMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingRecord("ORD-1")))
	require.NoError(t, s.Activate(ctx, "ORD-1", d("100"), time.Now()))
	require.NoError(t, s.MarkExitRequested(ctx, "ORD-1", map[string]string{models.MetaExitReason: "take_profit"}))

	require.NoError(t, s.RevertToActive(ctx, "ORD-1"))
	got, err := s.Get(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.NotContains(t, got.Meta, models.MetaExitReason)
}

func TestUpdatePnLKeepsHighWaterMark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingRecord("ORD-1")))
	require.NoError(t, s.Activate(ctx, "ORD-1", d("100"), time.Now()))

	require.NoError(t, s.UpdatePnL(ctx, "ORD-1", PnLSnapshot{PnLRupees: d("1875"), PnLPct: d("25"), HighWaterMark: d("1875")}))
	require.NoError(t, s.UpdatePnL(ctx, "ORD-1", PnLSnapshot{PnLRupees: d("1500"), PnLPct: d("20"), HighWaterMark: d("0")}))

	got, err := s.Get(ctx, "ORD-1")
	require.NoError(t, err)
	assert.True(t, got.HighWaterMarkPnL.Equal(d("1875")))
	assert.True(t, got.LastPnLRupees.Equal(d("1500")))
	assert.True(t, got.LastPnLPct.Equal(d("20")))

	assert.ErrorIs(t, s.UpdatePnL(ctx, "nope", PnLSnapshot{}), apperrors.ErrPositionNotFound)
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, no := range []string{"A", "B", "C"} {
		require.NoError(t, s.Create(ctx, pendingRecord(no)))
	}
	require.NoError(t, s.Activate(ctx, "A", d("100"), time.Now()))
	require.NoError(t, s.Activate(ctx, "B", d("100"), time.Now()))
	require.NoError(t, s.Cancel(ctx, "C"))

	active, err := s.ListByStatus(ctx, models.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "A", active[0].OrderNo)

	all, err := s.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := s.ListByStatus(ctx, models.StatusCancelled, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "C", some[0].OrderNo)
}

func TestExitEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingRecord("ORD-1")))

	base := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordExitEvent(ctx, &ExitEvent{
		OrderNo: "ORD-1", Reason: "stop_loss", Outcome: "rejected", Error: "margin", CreatedAt: base,
	}))
	ev := &ExitEvent{
		OrderNo: "ORD-1", Reason: "stop_loss", Outcome: "confirmed",
		IdempotencyKey: "exit:ORD-1:1", ExitPrice: decimal.NewNullDecimal(d("79")),
		Metadata: map[string]string{"pnl_pct": "-21"}, CreatedAt: base.Add(time.Second),
	}
	require.NoError(t, s.RecordExitEvent(ctx, ev))
	assert.NotEmpty(t, ev.ID)

	events, err := s.ExitEvents(ctx, ExitEventFilter{OrderNo: "ORD-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "confirmed", events[0].Outcome, "newest first")
	assert.Equal(t, "-21", events[0].Metadata["pnl_pct"])
	assert.True(t, events[0].ExitPrice.Decimal.Equal(d("79")))

	rejected, err := s.ExitEvents(ctx, ExitEventFilter{Outcome: "rejected", Limit: 5})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "margin", rejected[0].Error)
}

func TestProperty_StoredHighWaterMarkNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	seq := 0
	properties.Property("high_water_mark_pnl is the running max", prop.ForAll(
		func(pnls []int64) bool {
			seq++
			orderNo := "P-" + decimal.NewFromInt(int64(seq)).String()
			if err := s.Create(ctx, pendingRecord(orderNo)); err != nil {
				return false
			}
			if err := s.Activate(ctx, orderNo, d("100"), time.Now()); err != nil {
				return false
			}

			want := decimal.Zero
			for _, v := range pnls {
				pnl := decimal.NewFromInt(v)
				want = decimal.Max(want, pnl)
				if err := s.UpdatePnL(ctx, orderNo, PnLSnapshot{PnLRupees: pnl, HighWaterMark: pnl}); err != nil {
					return false
				}
				got, err := s.Get(ctx, orderNo)
				if err != nil || !got.HighWaterMarkPnL.Equal(want) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Int64Range(-5000, 5000)),
	))

	properties.TestingRun(t)
}
