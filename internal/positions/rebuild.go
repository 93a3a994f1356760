package positions

import (
	"context"
	"fmt"

	"options-risk-engine/internal/models"
)

// Lister reads persisted positions by status.
type Lister interface {
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PositionRecord, error)
}

// Rebuild loads every persisted active position into the cache and returns how
// many were restored. Records that fail validation are logged and skipped.
func Rebuild(ctx context.Context, store Lister, cache *Cache) (int, error) {
	records, err := store.ListByStatus(ctx, models.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("listing active positions: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			cache.logger.Error().Err(err).Str("order_no", rec.OrderNo).Msg("Skipping invalid persisted position")
			continue
		}
		cache.Add(rec, rec.SLPrice, rec.TPPrice)
		restored++
	}

	cache.logger.Info().Int("restored", restored).Int("persisted", len(records)).Msg("Position cache rebuilt")
	return restored, nil
}
