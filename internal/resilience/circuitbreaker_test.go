package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "options-risk-engine/internal/errors"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	var transitions []CircuitState
	cb := NewCircuitBreaker("kite", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		OnStateChange: func(_ string, _, to CircuitState) {
			transitions = append(transitions, to)
		},
	})
	cb.SetClock(func() time.Time { return now })
	ctx := context.Background()
	boom := errors.New("connection reset")

	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return boom }), boom)
	require.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)

	stats := cb.Stats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalRejected)
}

func TestCircuitBreakerIgnoresBusinessErrors(t *testing.T) {
	cb := NewCircuitBreaker("kite", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        apperrors.IsRetryable,
	})
	rejected := apperrors.NewBrokerError("InputException", "insufficient margin", nil)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return rejected })
	}
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), func(context.Context) error { return apperrors.ErrBrokerTimeout })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("kite", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	cb.SetClock(func() time.Time { return now })
	fail := func(context.Context) error { return errors.New("down") }

	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("kite", DefaultCircuitBreakerConfig())
	v, err := ExecuteWithResult(cb, context.Background(), func(context.Context) (string, error) {
		return "ORD-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", v)
}
