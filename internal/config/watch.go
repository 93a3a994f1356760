package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// RiskStore holds the live risk configuration. Readers always see a complete,
// validated RiskConfig; reloads swap it atomically.
type RiskStore struct {
	current atomic.Pointer[RiskConfig]
}

// NewRiskStore creates a store seeded with rc.
func NewRiskStore(rc RiskConfig) *RiskStore {
	s := &RiskStore{}
	s.current.Store(&rc)
	return s
}

// Risk returns the current risk configuration.
func (s *RiskStore) Risk() RiskConfig {
	return *s.current.Load()
}

// Update validates rc and makes it current.
func (s *RiskStore) Update(rc RiskConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	s.current.Store(&rc)
	return nil
}

// WatchRisk reloads the [risk] section into store whenever the config file changes.
// A file that fails to decode or validate leaves the previous values in place.
func WatchRisk(v *viper.Viper, store *RiskStore, logger zerolog.Logger) {
	v.OnConfigChange(func(e fsnotify.Event) {
		// The whole tree is decoded so keys missing from the file keep their defaults.
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("Risk config reload failed to decode")
			return
		}
		if err := store.Update(cfg.Risk); err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("Risk config reload rejected")
			return
		}
		logger.Info().Str("file", e.Name).Msg("Risk config reloaded")
	})
	v.WatchConfig()
}
