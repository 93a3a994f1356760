// Package metrics exposes the risk engine's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"options-risk-engine/internal/marketdata"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/resilience"
	"options-risk-engine/internal/risk"
	"options-risk-engine/internal/trading"
)

const namespace = "riskengine"

// Metrics holds all Prometheus metrics for the risk engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	RuleVerdicts *prometheus.CounterVec // labels: rule, verdict
	RuleErrors   *prometheus.CounterVec // labels: rule

	ExitsTotal  *prometheus.CounterVec   // labels: reason, outcome
	ExitLatency *prometheus.HistogramVec // labels: outcome

	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	CyclePositions   *prometheus.CounterVec // labels: result
	LastCycleSeconds prometheus.Gauge

	TicksTotal prometheus.Counter

	IdempotencyFailOpen *prometheus.CounterVec // labels: op

	BreakerState *prometheus.GaugeVec   // labels: breaker; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec // labels: breaker

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		RuleVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_verdicts_total",
			Help:      "Rule evaluations by rule and verdict",
		}, []string{"rule", "verdict"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule evaluations that failed or panicked",
		}, []string{"rule"}),

		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Exit attempts by reason and outcome",
		}, []string{"reason", "outcome"}),
		ExitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exit_duration_seconds",
			Help:      "Time from exit decision to broker answer",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),

		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed risk evaluation cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Risk evaluation cycle latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		CyclePositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_positions_total",
			Help:      "Positions handled per cycle by result",
		}, []string{"result"}),
		LastCycleSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle completed",
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Live ticks received from the feed",
		}),

		IdempotencyFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_fail_open_total",
			Help:      "Orders let through because the idempotency store failed",
		}, []string{"op"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Times a circuit breaker tripped open",
		}, []string{"breaker"}),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RuleVerdicts,
		m.RuleErrors,
		m.ExitsTotal,
		m.ExitLatency,
		m.CyclesTotal,
		m.CycleDuration,
		m.CyclePositions,
		m.LastCycleSeconds,
		m.TicksTotal,
		m.IdempotencyFailOpen,
		m.BreakerState,
		m.BreakerTrips,
	)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ObserveRule implements risk.Observer.
func (m *Metrics) ObserveRule(rule string, verdict risk.Verdict, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RuleErrors.WithLabelValues(rule).Inc()
		return
	}
	m.RuleVerdicts.WithLabelValues(rule, verdict.String()).Inc()
}

// ObserveExit implements trading.ExitObserver.
func (m *Metrics) ObserveExit(reason, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ExitsTotal.WithLabelValues(reason, outcome).Inc()
	m.ExitLatency.WithLabelValues(outcome).Observe(took.Seconds())
}

// ObserveCycle implements trading.CycleObserver.
func (m *Metrics) ObserveCycle(stats trading.CycleStats, took time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(took.Seconds())
	m.LastCycleSeconds.SetToCurrentTime()

	ok := stats.Evaluated - stats.Stale - stats.Skipped - stats.Exits - stats.Failures
	for result, n := range map[string]int{
		"no_action": ok,
		"stale":     stats.Stale,
		"skipped":   stats.Skipped,
		"exit":      stats.Exits,
		"failed":    stats.Failures,
	} {
		if n > 0 {
			m.CyclePositions.WithLabelValues(result).Add(float64(n))
		}
	}
}

// ObserveIdempotencyFailOpen implements orders.FailOpenObserver.
func (m *Metrics) ObserveIdempotencyFailOpen(op string) {
	if m == nil {
		return
	}
	m.IdempotencyFailOpen.WithLabelValues(op).Inc()
}

// ObserveBreaker matches resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) ObserveBreaker(name string, from, to resilience.CircuitState) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(breakerValue(to))
	if to == resilience.CircuitOpen && from != resilience.CircuitOpen {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

func breakerValue(s resilience.CircuitState) float64 {
	switch s {
	case resilience.CircuitOpen:
		return 1
	case resilience.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

// CountTicks wraps sink so every tick is counted before it is delivered.
func (m *Metrics) CountTicks(sink marketdata.TickSink) marketdata.TickSink {
	if m == nil {
		return sink
	}
	return tickCounter{next: sink, counter: m.TicksTotal}
}

type tickCounter struct {
	next    marketdata.TickSink
	counter prometheus.Counter
}

func (c tickCounter) OnTick(key models.PositionKey, tick models.Tick) {
	c.counter.Inc()
	c.next.OnTick(key, tick)
}

// NewServer returns an HTTP server exposing /metrics and, when health is
// not nil, /healthz, /livez and /readyz.
func NewServer(addr string, m *Metrics, health *resilience.HealthMonitor) *http.Server {
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	if health != nil {
		mux.HandleFunc("/healthz", health.HealthHTTPHandler())
		mux.HandleFunc("/livez", health.LivenessHTTPHandler())
		mux.HandleFunc("/readyz", health.ReadinessHTTPHandler())
	}
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
