package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(status HealthStatus) HealthCheck {
	return func(context.Context) ComponentHealth { return ComponentHealth{Status: status} }
}

func TestHealthMonitorAggregates(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	assert.False(t, m.IsReady(), "nothing checked yet")

	m.RegisterComponent("sqlite", fixed(HealthStatusHealthy))
	m.RegisterComponent("feed", fixed(HealthStatusDegraded))
	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	assert.True(t, m.IsReady())
	assert.False(t, m.IsHealthy())
	require.Len(t, h.Components, 2)
	assert.Equal(t, "feed", h.Components[0].Name)

	m.RegisterComponent("broker", fixed(HealthStatusUnhealthy))
	h = m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.False(t, m.IsReady())

	c, ok := m.GetComponentHealth("broker")
	require.True(t, ok)
	assert.Equal(t, HealthStatusUnhealthy, c.Status)
	assert.False(t, c.LastCheck.IsZero())
}

func TestHealthMonitorRecoversPanickingCheck(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	m.RegisterComponent("bad", func(context.Context) ComponentHealth { panic("boom") })
	h := m.Check(context.Background())
	require.Len(t, h.Components, 1)
	assert.Equal(t, HealthStatusUnhealthy, h.Components[0].Status)
	assert.Contains(t, h.Components[0].Message, "boom")
}

func TestHealthHandlers(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{}, zerolog.Nop())
	m.RegisterComponent("sqlite", fixed(HealthStatusHealthy))

	rec := httptest.NewRecorder()
	m.ReadinessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.Check(context.Background())
	rec = httptest.NewRecorder()
	m.ReadinessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusHealthy, body.Status)

	rec = httptest.NewRecorder()
	m.LivenessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthMonitorStartStop(t *testing.T) {
	m := NewHealthMonitor(HealthMonitorConfig{CheckInterval: time.Hour}, zerolog.Nop())
	m.RegisterComponent("sqlite", fixed(HealthStatusHealthy))
	m.Start(context.Background())
	assert.Eventually(t, m.IsHealthy, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestComponentChecks(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, HealthStatusHealthy, PingHealthCheck(func(context.Context) error { return nil }, time.Second)(ctx).Status)
	assert.Equal(t, HealthStatusUnhealthy, PingHealthCheck(func(context.Context) error { return errors.New("refused") }, 0)(ctx).Status)

	now := time.Now()
	feed := func(connected bool, last time.Time) HealthStatus {
		return FeedHealthCheck(func() bool { return connected }, func() time.Time { return last }, time.Minute)(ctx).Status
	}
	assert.Equal(t, HealthStatusUnhealthy, feed(false, now))
	assert.Equal(t, HealthStatusHealthy, feed(true, now))
	assert.Equal(t, HealthStatusHealthy, feed(true, time.Time{}), "no ticks yet")
	assert.Equal(t, HealthStatusDegraded, feed(true, now.Add(-5*time.Minute)))

	cb := NewCircuitBreaker("kite", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	assert.Equal(t, HealthStatusHealthy, BreakerHealthCheck(cb)(ctx).Status)
	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("reset") })
	require.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, HealthStatusUnhealthy, BreakerHealthCheck(cb)(ctx).Status)
}
