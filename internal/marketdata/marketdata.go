// Package marketdata supplies the latest ticks and underlying health the risk
// loop reads, and routes live ticks into the position cache.
package marketdata

import (
	"sync"

	"options-risk-engine/internal/models"
)

// LiveTickView returns the latest tick for a security.
type LiveTickView interface {
	CurrentTick(segment models.Segment, securityID string) (models.Tick, bool)
}

// UnderlyingSource returns the latest health of an underlying index.
type UnderlyingSource interface {
	UnderlyingHealth(symbol string) (models.UnderlyingHealth, bool)
}

// TickSink consumes live ticks.
type TickSink interface {
	OnTick(key models.PositionKey, tick models.Tick)
}

// Sinks fans a tick out to several sinks in order.
type Sinks []TickSink

func (s Sinks) OnTick(key models.PositionKey, tick models.Tick) {
	for _, sink := range s {
		sink.OnTick(key, tick)
	}
}

// TickCache is an in-memory LiveTickView that keeps the newest tick per key.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[models.PositionKey]models.Tick
}

// NewTickCache creates an empty tick cache.
func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[models.PositionKey]models.Tick)}
}

// OnTick stores tick unless a newer one is already held.
func (c *TickCache) OnTick(key models.PositionKey, tick models.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.ticks[key]; ok && prev.Timestamp.After(tick.Timestamp) {
		return
	}
	c.ticks[key] = tick
}

func (c *TickCache) CurrentTick(segment models.Segment, securityID string) (models.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[models.PositionKey{Segment: segment, SecurityID: securityID}]
	return t, ok
}

// Forget drops the tick for key.
func (c *TickCache) Forget(key models.PositionKey) {
	c.mu.Lock()
	delete(c.ticks, key)
	c.mu.Unlock()
}

// UnderlyingCache holds the latest health per underlying symbol, fed by the
// indicator collaborator.
type UnderlyingCache struct {
	mu     sync.RWMutex
	health map[string]models.UnderlyingHealth
}

// NewUnderlyingCache creates an empty cache.
func NewUnderlyingCache() *UnderlyingCache {
	return &UnderlyingCache{health: make(map[string]models.UnderlyingHealth)}
}

// Put stores h unless a newer reading is already held.
func (c *UnderlyingCache) Put(h models.UnderlyingHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.health[h.Symbol]; ok && prev.UpdatedAt.After(h.UpdatedAt) {
		return
	}
	c.health[h.Symbol] = h
}

func (c *UnderlyingCache) UnderlyingHealth(symbol string) (models.UnderlyingHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[symbol]
	return h, ok
}
