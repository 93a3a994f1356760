package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options-risk-engine/internal/marketdata"
)

// PaperBroker simulates exits by filling at the current tick. It remembers
// every idempotency key it has seen and answers repeats with the original
// result.
type PaperBroker struct {
	prices marketdata.LiveTickView

	mu       sync.Mutex
	byKey    map[string]ExitResult
	orders   map[string]ExitStatus
	counter  int
	calls    int
	failures []error
	rejects  []string
	latency  time.Duration
	now      func() time.Time
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	// Prices supplies fill prices. When nil or without a tick, the request's
	// LastPrice is used.
	Prices marketdata.LiveTickView
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		prices: cfg.Prices,
		byKey:  make(map[string]ExitResult),
		orders: make(map[string]ExitStatus),
		now:    time.Now,
	}
}

// FailNext makes the next call return err without placing anything.
func (p *PaperBroker) FailNext(err error) {
	p.mu.Lock()
	p.failures = append(p.failures, err)
	p.mu.Unlock()
}

// RejectNext makes the next call a definite rejection with message msg.
func (p *PaperBroker) RejectNext(msg string) {
	p.mu.Lock()
	p.rejects = append(p.rejects, msg)
	p.mu.Unlock()
}

// SetLatency delays every call by d, honouring ctx.
func (p *PaperBroker) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
}

// Calls returns how many times PlaceBracketExit reached the broker.
func (p *PaperBroker) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// PlaceBracketExit simulates a SELL MARKET order for the whole position.
func (p *PaperBroker) PlaceBracketExit(ctx context.Context, req ExitRequest) (ExitResult, error) {
	p.mu.Lock()
	p.calls++
	latency := p.latency
	p.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ExitResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return ExitResult{}, err
	}
	if req.IdempotencyKey != "" {
		if prev, ok := p.byKey[req.IdempotencyKey]; ok {
			return prev, nil
		}
	}

	var res ExitResult
	if len(p.rejects) > 0 {
		res = ExitResult{Error: p.rejects[0]}
		p.rejects = p.rejects[1:]
	} else if price, ok := p.fillPrice(req); !ok {
		res = ExitResult{Error: fmt.Sprintf("no price for %s:%s", req.Segment, req.SecurityID)}
	} else {
		p.counter++
		orderID := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.counter)
		res = ExitResult{Success: true, ExitPrice: decimal.NewNullDecimal(price), OrderID: orderID}
		p.orders[orderID] = ExitStatus{
			State:        OrderStateComplete,
			OrderID:      orderID,
			AveragePrice: res.ExitPrice,
			UpdatedAt:    p.now(),
		}
	}

	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = res
	}
	return res, nil
}

func (p *PaperBroker) fillPrice(req ExitRequest) (decimal.Decimal, bool) {
	if p.prices != nil {
		if t, ok := p.prices.CurrentTick(req.Segment, req.SecurityID); ok && t.LTP.IsPositive() {
			return t.LTP, true
		}
	}
	if req.LastPrice.Valid && req.LastPrice.Decimal.IsPositive() {
		return req.LastPrice.Decimal, true
	}
	return decimal.Zero, false
}

// ExitStatus reports a simulated order by id or idempotency key.
func (p *PaperBroker) ExitStatus(_ context.Context, q ExitStatusQuery) (ExitStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := q.OrderID
	if id == "" && q.IdempotencyKey != "" {
		res, ok := p.byKey[q.IdempotencyKey]
		if !ok {
			return ExitStatus{State: OrderStateNotFound}, nil
		}
		if !res.Success {
			return ExitStatus{State: OrderStateRejected, Message: res.Error, UpdatedAt: p.now()}, nil
		}
		id = res.OrderID
	}
	st, ok := p.orders[id]
	if !ok {
		return ExitStatus{State: OrderStateNotFound, OrderID: id}, nil
	}
	return st, nil
}

// SetOrderState overrides the state of a simulated order.
func (p *PaperBroker) SetOrderState(orderID string, st ExitStatus) {
	p.mu.Lock()
	st.OrderID = orderID
	p.orders[orderID] = st
	p.mu.Unlock()
}

// IsPaperTrading returns true.
func (p *PaperBroker) IsPaperTrading() bool {
	return true
}

var _ ExitBroker = (*PaperBroker)(nil)

