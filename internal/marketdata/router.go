package marketdata

import (
	"github.com/rs/zerolog"

	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/positions"
)

// TickRouter applies live ticks to the position cache and wakes the risk
// loop as soon as a tick crosses a position's bracket level, so the exit
// does not wait for the next scheduled cycle.
type TickRouter struct {
	cache  *positions.Cache
	wake   func()
	logger zerolog.Logger
}

// NewTickRouter creates a router. wake may be nil.
func NewTickRouter(cache *positions.Cache, wake func(), logger zerolog.Logger) *TickRouter {
	return &TickRouter{
		cache:  cache,
		wake:   wake,
		logger: logging.WithComponent(logger, "tick_router"),
	}
}

func (r *TickRouter) OnTick(key models.PositionKey, tick models.Tick) {
	data, ok := r.cache.ApplyTick(key, tick)
	if !ok || data.Exiting {
		return
	}
	if (data.SLHit || data.TPHit) && r.wake != nil {
		r.logger.Debug().
			Str("key", key.String()).
			Str("ltp", tick.LTP.String()).
			Bool("sl_hit", data.SLHit).
			Bool("tp_hit", data.TPHit).
			Msg("Bracket level crossed, waking risk loop")
		r.wake()
	}
}
