package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "options-risk-engine/internal/errors"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/resilience"
	"options-risk-engine/pkg/utils"
)

// kiteTagLength is the longest order tag Kite accepts.
const kiteTagLength = 20

// kiteTag maps an idempotency key onto an order tag. Kite only accepts
// alphanumeric tags of up to 20 characters, so the tag is a prefix of the
// key's SHA-256 in hex.
func kiteTag(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:kiteTagLength]
}

// kiteAPI is the part of the Kite Connect client the broker uses.
type kiteAPI interface {
	PlaceOrder(variety string, params kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
	GetOrders() (kiteconnect.Orders, error)
}

// KiteConfig holds configuration for the Kite broker.
type KiteConfig struct {
	APIKey          string
	AccessToken     string
	Product         string // NRML or MIS
	RetryAttempts   int
	BreakerFailures int
	BreakerTimeout  time.Duration
	// OnBreakerChange is told about circuit breaker transitions.
	OnBreakerChange func(name string, from, to resilience.CircuitState)
}

// KiteBroker places exits through Kite Connect as SELL MARKET orders tagged
// with the idempotency key.
type KiteBroker struct {
	client  kiteAPI
	product string
	retry   utils.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewKiteBroker creates a broker with a Kite Connect client.
func NewKiteBroker(cfg KiteConfig, logger zerolog.Logger) *KiteBroker {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	return newKiteBroker(client, cfg, logger)
}

func newKiteBroker(client kiteAPI, cfg KiteConfig, logger zerolog.Logger) *KiteBroker {
	product := cfg.Product
	if product == "" {
		product = kiteconnect.ProductNRML
	}

	retry := utils.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	retry.Retryable = retryablePlacement

	bc := resilience.DefaultCircuitBreakerConfig()
	if cfg.BreakerFailures > 0 {
		bc.FailureThreshold = cfg.BreakerFailures
	}
	if cfg.BreakerTimeout > 0 {
		bc.Timeout = cfg.BreakerTimeout
	}
	bc.IsFailure = func(err error) bool {
		return apperrors.IsRetryable(err) || apperrors.IsUnknownOutcome(err)
	}
	bc.OnStateChange = cfg.OnBreakerChange

	return &KiteBroker{
		client:  client,
		product: product,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker("kite_orders", bc),
		logger:  logging.WithComponent(logger, "kite_broker"),
	}
}

// Breaker returns the circuit breaker guarding order calls.
func (k *KiteBroker) Breaker() *resilience.CircuitBreaker {
	return k.breaker
}

// PlaceBracketExit sells the whole position at market. Only failures that
// prove the order never reached the exchange are retried; anything that may
// have placed the order is returned as an unknown outcome for reconciliation.
func (k *KiteBroker) PlaceBracketExit(ctx context.Context, req ExitRequest) (ExitResult, error) {
	if req.Quantity <= 0 {
		return ExitResult{Error: fmt.Sprintf("invalid quantity %d", req.Quantity)}, nil
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(req.Segment),
		Tradingsymbol:   req.Symbol,
		TransactionType: kiteconnect.TransactionTypeSell,
		OrderType:       kiteconnect.OrderTypeMarket,
		Product:         k.product,
		Quantity:        int(req.Quantity),
		Validity:        kiteconnect.ValidityDay,
		Tag:             kiteTag(req.IdempotencyKey),
	}

	resp, err := resilience.ExecuteWithResult(k.breaker, ctx, func(ctx context.Context) (kiteconnect.OrderResponse, error) {
		return utils.RetryWithResult(ctx, k.retry, func(ctx context.Context) (kiteconnect.OrderResponse, error) {
			return callWithContext(ctx, func() (kiteconnect.OrderResponse, error) {
				return k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
			})
		})
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrCircuitOpen) {
			// Nothing was sent.
			return ExitResult{Error: err.Error()}, nil
		}
		var be *apperrors.BrokerError
		if errors.As(err, &be) && !be.Retryable {
			return ExitResult{Error: be.Message}, nil
		}
		if apperrors.IsRetryable(err) && !apperrors.IsUnknownOutcome(err) {
			// Retries exhausted on failures that never reached the exchange.
			return ExitResult{Error: err.Error()}, nil
		}
		return ExitResult{}, err
	}

	res := ExitResult{Success: true, OrderID: resp.OrderID}
	st, err := k.ExitStatus(ctx, ExitStatusQuery{OrderID: resp.OrderID})
	if err != nil {
		k.logger.Warn().Err(err).Str("order_id", resp.OrderID).Msg("Exit placed, fill not yet known")
		return res, nil
	}
	switch st.State {
	case OrderStateComplete:
		res.ExitPrice = st.AveragePrice
	case OrderStateRejected, OrderStateCancelled:
		return ExitResult{OrderID: resp.OrderID, Error: st.Message}, nil
	}
	return res, nil
}

// ExitStatus reads the latest state of an exit order. Without an order id it
// searches today's orders for the idempotency tag.
func (k *KiteBroker) ExitStatus(ctx context.Context, q ExitStatusQuery) (ExitStatus, error) {
	if q.OrderID == "" {
		return k.statusByTag(ctx, kiteTag(q.IdempotencyKey))
	}

	history, err := callWithContext(ctx, func() ([]kiteconnect.Order, error) {
		return k.client.GetOrderHistory(q.OrderID)
	})
	if err != nil {
		return ExitStatus{}, fmt.Errorf("failed to get order history: %w", err)
	}
	if len(history) == 0 {
		return ExitStatus{State: OrderStateNotFound, OrderID: q.OrderID}, nil
	}
	return toExitStatus(history[len(history)-1]), nil
}

func (k *KiteBroker) statusByTag(ctx context.Context, tag string) (ExitStatus, error) {
	if tag == "" {
		return ExitStatus{State: OrderStateNotFound}, nil
	}
	all, err := callWithContext(ctx, func() (kiteconnect.Orders, error) {
		return k.client.GetOrders()
	})
	if err != nil {
		return ExitStatus{}, fmt.Errorf("failed to get orders: %w", err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		o := all[i]
		if o.Tag == tag && o.TransactionType == kiteconnect.TransactionTypeSell {
			return toExitStatus(o), nil
		}
	}
	return ExitStatus{State: OrderStateNotFound}, nil
}

func toExitStatus(o kiteconnect.Order) ExitStatus {
	st := ExitStatus{
		OrderID:   o.OrderID,
		Message:   o.StatusMessage,
		UpdatedAt: o.OrderTimestamp.Time,
	}
	switch strings.ToUpper(o.Status) {
	case "COMPLETE":
		st.State = OrderStateComplete
		if o.AveragePrice > 0 {
			st.AveragePrice = decimal.NewNullDecimal(decimal.NewFromFloat(o.AveragePrice))
		}
	case "REJECTED":
		st.State = OrderStateRejected
	case "CANCELLED":
		st.State = OrderStateCancelled
	default:
		st.State = OrderStateOpen
	}
	return st
}

// callWithContext runs a blocking client call and gives up when ctx is done.
// The call itself keeps running; its late result is discarded.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.v, mapKiteError(r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", apperrors.ErrBrokerTimeout, ctx.Err())
	}
}

// mapKiteError classifies Kite Connect errors. Input, order, token and
// permission errors are definite rejections; rate limiting never reached the
// exchange and is retryable; server-side failures leave the outcome unknown.
func mapKiteError(err error) error {
	var ke kiteconnect.Error
	if !errors.As(err, &ke) {
		if apperrors.IsRetryable(err) {
			return err
		}
		return fmt.Errorf("%w: %v", apperrors.ErrUnknownExitOutcome, err)
	}

	switch {
	case ke.Code == http.StatusTooManyRequests:
		return apperrors.NewRetryableBrokerError(ke.ErrorType, ke.Message, err)
	case ke.ErrorType == kiteconnect.InputError,
		ke.ErrorType == kiteconnect.OrderError,
		ke.ErrorType == kiteconnect.TokenError,
		ke.ErrorType == kiteconnect.PermissionError,
		ke.ErrorType == kiteconnect.UserError:
		return apperrors.NewBrokerError(ke.ErrorType, ke.Message, fmt.Errorf("%w: %v", apperrors.ErrBrokerRejected, err))
	default:
		return fmt.Errorf("%w: %s: %s", apperrors.ErrUnknownExitOutcome, ke.ErrorType, ke.Message)
	}
}

// retryablePlacement allows a retry only when the order cannot have been placed.
func retryablePlacement(err error) bool {
	return apperrors.IsRetryable(err) && !apperrors.IsUnknownOutcome(err)
}

var _ ExitBroker = (*KiteBroker)(nil)
