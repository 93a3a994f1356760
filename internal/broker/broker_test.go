package broker

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/marketdata"
	"options-risk-engine/internal/models"
)

func exitRequest(key string) ExitRequest {
	return ExitRequest{
		OrderNo:        "ORD-1",
		SecurityID:     "52175",
		Segment:        models.SegmentNFO,
		Symbol:         "NIFTY25JAN23500CE",
		Side:           models.SideLongCall,
		Quantity:       75,
		Reason:         "stop_loss",
		IdempotencyKey: key,
	}
}

func TestPaperBrokerFillsAtCurrentTick(t *testing.T) {
	ticks := marketdata.NewTickCache()
	ticks.OnTick(models.PositionKey{Segment: models.SegmentNFO, SecurityID: "52175"},
		models.Tick{LTP: decimal.RequireFromString("79.5"), Timestamp: time.Now()})
	p := NewPaperBroker(PaperBrokerConfig{Prices: ticks})

	res, err := p.PlaceBracketExit(context.Background(), exitRequest("exit:ORD-1:0"))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "79.5", res.ExitPrice.Decimal.String())

	again, err := p.PlaceBracketExit(context.Background(), exitRequest("exit:ORD-1:0"))
	require.NoError(t, err)
	assert.Equal(t, res, again, "repeats return the original result")

	st, err := p.ExitStatus(context.Background(), ExitStatusQuery{IdempotencyKey: "exit:ORD-1:0"})
	require.NoError(t, err)
	assert.Equal(t, OrderStateComplete, st.State)
	assert.Equal(t, res.OrderID, st.OrderID)
}

func TestPaperBrokerRejectsWithoutPrice(t *testing.T) {
	p := NewPaperBroker(PaperBrokerConfig{})
	res, err := p.PlaceBracketExit(context.Background(), exitRequest("k1"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	req := exitRequest("k2")
	req.LastPrice = decimal.NewNullDecimal(decimal.NewFromInt(90))
	res, err = p.PlaceBracketExit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "90", res.ExitPrice.Decimal.String())
}

func TestPaperBrokerInjectedFailures(t *testing.T) {
	p := NewPaperBroker(PaperBrokerConfig{})
	req := exitRequest("k1")
	req.LastPrice = decimal.NewNullDecimal(decimal.NewFromInt(90))

	p.FailNext(apperrors.ErrBrokerTimeout)
	_, err := p.PlaceBracketExit(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrBrokerTimeout)

	p.RejectNext("RMS: margin exceeded")
	res, err := p.PlaceBracketExit(context.Background(), exitRequest("k2"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "RMS: margin exceeded", res.Error)

	res, err = p.PlaceBracketExit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success, "an injected failure does not poison the key")
	assert.Equal(t, 3, p.Calls())
}

func TestPaperBrokerLatencyHonoursContext(t *testing.T) {
	p := NewPaperBroker(PaperBrokerConfig{})
	p.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.PlaceBracketExit(ctx, exitRequest("k"))
	assert.True(t, apperrors.IsTimeout(err))
}

type fakeKite struct {
	mu       sync.Mutex
	placeErr []error
	params   []kiteconnect.OrderParams
	history  []kiteconnect.Order
	orders   kiteconnect.Orders
	block    chan struct{}
}

func (f *fakeKite) PlaceOrder(_ string, params kiteconnect.OrderParams) (kiteconnect.OrderResponse, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, params)
	if len(f.placeErr) > 0 {
		err := f.placeErr[0]
		f.placeErr = f.placeErr[1:]
		if err != nil {
			return kiteconnect.OrderResponse{}, err
		}
	}
	return kiteconnect.OrderResponse{OrderID: "230106000123"}, nil
}

func (f *fakeKite) GetOrderHistory(string) ([]kiteconnect.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeKite) GetOrders() (kiteconnect.Orders, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders, nil
}

func (f *fakeKite) placed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func newTestKite(f *fakeKite) *KiteBroker {
	return newKiteBroker(f, KiteConfig{RetryAttempts: 3, BreakerFailures: 5}, zerolog.Nop())
}

func TestKiteBrokerConfirmedFill(t *testing.T) {
	f := &fakeKite{history: []kiteconnect.Order{
		{OrderID: "230106000123", Status: "OPEN"},
		{OrderID: "230106000123", Status: "COMPLETE", AveragePrice: 79.45},
	}}
	k := newTestKite(f)

	key := "exit:NFO-ORDER-0000000000001:0"
	res, err := k.PlaceBracketExit(context.Background(), exitRequest(key))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "230106000123", res.OrderID)
	assert.Equal(t, "79.45", res.ExitPrice.Decimal.String())

	require.Len(t, f.params, 1)
	p := f.params[0]
	assert.Equal(t, kiteconnect.TransactionTypeSell, p.TransactionType)
	assert.Equal(t, kiteconnect.OrderTypeMarket, p.OrderType)
	assert.Equal(t, 75, p.Quantity)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-zA-Z]{1,20}$`), p.Tag)
	assert.Equal(t, kiteTag(key), p.Tag)
}

func TestKiteTagIsStableAndAlphanumeric(t *testing.T) {
	alnum := regexp.MustCompile(`^[0-9a-zA-Z]+$`)
	for _, key := range []string{"exit:ORD-1:0", "exit:NFO-ORDER-0000000000001:12", "", "k"} {
		tag := kiteTag(key)
		assert.Len(t, tag, kiteTagLength, key)
		assert.Regexp(t, alnum, tag, key)
		assert.Equal(t, tag, kiteTag(key))
	}
	assert.NotEqual(t, kiteTag("exit:ORD-1:0"), kiteTag("exit:ORD-1:1"), "attempts get distinct tags")
}

func TestKiteBrokerRejectionIsDefinite(t *testing.T) {
	f := &fakeKite{placeErr: []error{kiteconnect.Error{
		Code: 400, ErrorType: kiteconnect.InputError, Message: "Insufficient funds",
	}}}
	k := newTestKite(f)

	res, err := k.PlaceBracketExit(context.Background(), exitRequest("k"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Insufficient funds", res.Error)
	assert.Equal(t, 1, f.placed(), "rejections are not retried")
}

func TestKiteBrokerRetriesRateLimit(t *testing.T) {
	f := &fakeKite{
		placeErr: []error{kiteconnect.Error{Code: 429, ErrorType: kiteconnect.NetworkError, Message: "Too many requests"}, nil},
		history:  []kiteconnect.Order{{OrderID: "230106000123", Status: "OPEN"}},
	}
	k := newTestKite(f)

	res, err := k.PlaceBracketExit(context.Background(), exitRequest("k"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.ExitPrice.Valid, "open orders are left for reconciliation")
	assert.Equal(t, 2, f.placed())
}

func TestKiteBrokerServerErrorIsUnknownOutcome(t *testing.T) {
	f := &fakeKite{placeErr: []error{kiteconnect.Error{
		Code: 500, ErrorType: kiteconnect.GeneralError, Message: "Something went wrong",
	}}}
	k := newTestKite(f)

	_, err := k.PlaceBracketExit(context.Background(), exitRequest("k"))
	require.Error(t, err)
	assert.True(t, apperrors.IsUnknownOutcome(err))
	assert.Equal(t, 1, f.placed(), "ambiguous failures are never retried")
}

func TestKiteBrokerTimeout(t *testing.T) {
	f := &fakeKite{block: make(chan struct{})}
	defer close(f.block)
	k := newTestKite(f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.PlaceBracketExit(ctx, exitRequest("k"))
	assert.ErrorIs(t, err, apperrors.ErrBrokerTimeout)
}

func TestKiteExitStatusByTag(t *testing.T) {
	key := "exit:ORD-1:0"
	f := &fakeKite{orders: kiteconnect.Orders{
		{OrderID: "1", Tag: "other", TransactionType: kiteconnect.TransactionTypeSell, Status: "COMPLETE"},
		{OrderID: "2", Tag: kiteTag(key), TransactionType: kiteconnect.TransactionTypeSell, Status: "REJECTED", StatusMessage: "RMS"},
	}}
	k := newTestKite(f)

	st, err := k.ExitStatus(context.Background(), ExitStatusQuery{IdempotencyKey: key})
	require.NoError(t, err)
	assert.Equal(t, OrderStateRejected, st.State)
	assert.Equal(t, "2", st.OrderID)
	assert.Equal(t, "RMS", st.Message)

	st, err = k.ExitStatus(context.Background(), ExitStatusQuery{IdempotencyKey: "exit:ORD-9:0"})
	require.NoError(t, err)
	assert.Equal(t, OrderStateNotFound, st.State)
}

func TestMapKiteError(t *testing.T) {
	err := mapKiteError(kiteconnect.Error{Code: 400, ErrorType: kiteconnect.OrderError, Message: "bad"})
	assert.ErrorIs(t, err, apperrors.ErrBrokerRejected)
	assert.False(t, apperrors.IsRetryable(err))

	err = mapKiteError(errors.New("eof"))
	assert.True(t, apperrors.IsUnknownOutcome(err))
}
