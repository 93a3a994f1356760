package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth is the result of one component check.
type ComponentHealth struct {
	Name      string         `json:"name"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check"`
	Latency   time.Duration  `json:"latency_ns"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthCheck checks a single component.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the aggregate of all component checks.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Uptime     time.Duration     `json:"uptime_ns"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval: 15 * time.Second,
		CheckTimeout:  5 * time.Second,
	}
}

// HealthMonitor runs registered component checks and keeps the latest
// results. A degraded component keeps the system ready; an unhealthy one
// does not.
type HealthMonitor struct {
	cfg    HealthMonitorConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	started   time.Time
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	overall   HealthStatus
	checkedAt time.Time
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(cfg HealthMonitorConfig, logger zerolog.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	return &HealthMonitor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "health").Logger(),
		now:     time.Now,
		started: time.Now(),
		checks:  make(map[string]HealthCheck),
		results: make(map[string]ComponentHealth),
		overall: HealthStatusUnknown,
	}
}

// RegisterComponent registers check under name, replacing any earlier one.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start runs the checks now and then every CheckInterval until ctx is done
// or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	done := m.loopDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			m.Check(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the background checks.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Check runs every registered check concurrently and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.runCheck(ctx, name, check)
		}()
	}
	wg.Wait()
	close(results)

	m.mu.Lock()
	prev := m.overall
	overall := HealthStatusHealthy
	for h := range results {
		m.results[h.Name] = h
		switch h.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded, HealthStatusUnknown:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	m.overall = overall
	m.checkedAt = m.now()
	m.mu.Unlock()

	if overall != prev {
		ev := m.logger.Info()
		if overall == HealthStatusUnhealthy {
			ev = m.logger.Warn()
		}
		ev.Str("from", string(prev)).Str("to", string(overall)).Msg("Health status changed")
	}
	return m.GetHealth()
}

func (m *HealthMonitor) runCheck(ctx context.Context, name string, check HealthCheck) (h ComponentHealth) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("check panicked: %v", r),
			}
		}
		h.Name = name
		h.LastCheck = m.now()
		if h.Latency == 0 {
			h.Latency = h.LastCheck.Sub(start)
		}
	}()
	return check(ctx)
}

// GetHealth returns the latest results without running the checks.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(m.results))
	for _, h := range m.results {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return SystemHealth{
		Status:     m.overall,
		Uptime:     m.now().Sub(m.started),
		CheckedAt:  m.checkedAt,
		Components: components,
	}
}

// GetComponentHealth returns the latest result for one component.
func (m *HealthMonitor) GetComponentHealth(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// IsHealthy returns true if every component is healthy.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall == HealthStatusHealthy
}

// IsReady returns true unless a component is unhealthy or nothing was
// checked yet.
func (m *HealthMonitor) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall == HealthStatusHealthy || m.overall == HealthStatusDegraded
}

// HealthHTTPHandler serves the full health report.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		if !m.IsReady() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, m.GetHealth())
	}
}

// LivenessHTTPHandler answers as long as the process serves HTTP.
func (m *HealthMonitor) LivenessHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHTTPHandler answers 200 when ready and 503 otherwise.
func (m *HealthMonitor) ReadinessHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.IsReady() {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// PingHealthCheck checks a dependency that answers a ping, such as the
// position database or Redis. Slow answers degrade rather than fail.
func PingHealthCheck(ping func(ctx context.Context) error, slow time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		h := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			h.Status = HealthStatusUnhealthy
			h.Message = fmt.Sprintf("ping failed: %v", err)
		case slow > 0 && h.Latency > slow:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("slow: %v", h.Latency.Round(time.Millisecond))
		default:
			h.Status = HealthStatusHealthy
		}
		return h
	}
}

// FeedHealthCheck checks a streaming tick feed. A connected feed that has
// been quiet longer than quietAfter is degraded; quiet periods are normal
// outside market hours.
func FeedHealthCheck(isConnected func() bool, lastTick func() time.Time, quietAfter time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		connected := isConnected()
		last := lastTick()
		h := ComponentHealth{
			Details: map[string]any{"connected": connected, "last_tick": last},
		}

		switch {
		case !connected:
			h.Status = HealthStatusUnhealthy
			h.Message = "feed disconnected"
		case !last.IsZero() && quietAfter > 0 && time.Since(last) > quietAfter:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("no ticks for %v", time.Since(last).Round(time.Second))
		default:
			h.Status = HealthStatusHealthy
		}
		return h
	}
}

// BreakerHealthCheck reports an open breaker as unhealthy and a half-open
// one as degraded.
func BreakerHealthCheck(cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		state := cb.State()
		h := ComponentHealth{Details: map[string]any{"state": string(state)}}
		switch state {
		case CircuitOpen:
			h.Status = HealthStatusUnhealthy
			h.Message = "circuit open"
		case CircuitHalfOpen:
			h.Status = HealthStatusDegraded
			h.Message = "circuit half-open"
		default:
			h.Status = HealthStatusHealthy
		}
		return h
	}
}
