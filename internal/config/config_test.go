package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, 30.0, cfg.Risk.SLPct)
	assert.Equal(t, 60.0, cfg.Risk.TPPct)
	assert.Equal(t, 10.0, cfg.Risk.Trailing.ActivationPct)
	assert.Equal(t, 1000.0, cfg.Risk.SecureProfitThresholdRupees)
	assert.Equal(t, "15:20", cfg.Risk.TimeExitHHMM)
	assert.Equal(t, 500*time.Millisecond, cfg.Loop.ActiveInterval)
	assert.Equal(t, 5*time.Second, cfg.Loop.IdleInterval)
	assert.Equal(t, 30*time.Second, cfg.Loop.StaleAfter)
	assert.Equal(t, 20*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, 30, cfg.Idempotency.MaxKeyLength)

	assert.True(t, cfg.Risk.RuleEnabled(RuleStopLoss))
	assert.False(t, cfg.Risk.RuleEnabled(RuleTrailingStop))
	assert.True(t, cfg.Risk.RuleEnabled("not_configured"))
}

func TestLoadCreatesTemplateAndUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.Equal(t, 30.0, cfg.Risk.SLPct)

	// The written template must load back to the same values.
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Risk.SLPct, again.Risk.SLPct)
	assert.Equal(t, cfg.Loop, again.Loop)
	assert.False(t, again.Risk.RuleEnabled(RuleTrailingStop))
}

func TestLoadReadsFileAndTiers(t *testing.T) {
	dir := t.TempDir()
	content := `
mode = "paper"

[risk]
sl_pct = 20.0
tp_pct = 50.0
time_exit_hhmm = "15:05"

[[risk.trailing.tiers]]
peak_pct = 40.0
drawdown_pct = 4.0

[[risk.trailing.tiers]]
peak_pct = 80.0
drawdown_pct = 2.5

[risk.rules]
take_profit = false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.Risk.SLPct)
	assert.Equal(t, 50.0, cfg.Risk.TPPct)
	assert.Equal(t, "15:05", cfg.Risk.TimeExitHHMM)
	require.Len(t, cfg.Risk.Trailing.Tiers, 2)
	assert.Equal(t, 80.0, cfg.Risk.Trailing.Tiers[1].PeakPct)
	assert.False(t, cfg.Risk.RuleEnabled(RuleTakeProfit))
	assert.True(t, cfg.Risk.RuleEnabled(RuleStopLoss))
	// Untouched sections keep their defaults.
	assert.Equal(t, 3.0, cfg.Risk.SecureProfitDrawdownPct)
}

func TestEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RISK_ENGINE_RISK_SL_PCT", "25")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.Risk.SLPct)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"mode", func(c *Config) { c.Mode = "demo" }},
		{"sl_pct", func(c *Config) { c.Risk.SLPct = 0 }},
		{"time_exit", func(c *Config) { c.Risk.TimeExitHHMM = "25:99" }},
		{"atr multiplier", func(c *Config) { c.Risk.UnderlyingATRCollapseMultiplier = 1.5 }},
		{"tier order", func(c *Config) {
			c.Risk.Trailing.Tiers = []TrailingTier{{PeakPct: 50, DrawdownPct: 3}, {PeakPct: 20, DrawdownPct: 4}}
		}},
		{"intervals", func(c *Config) { c.Loop.ActiveInterval = 10 * time.Second }},
		{"workers", func(c *Config) { c.Loop.Workers = 0 }},
		{"exit deadline", func(c *Config) { c.Session.ExitDeadline = "3pm" }},
		{"holiday", func(c *Config) { c.Session.Holidays = []string{"26-01-2026"} }},
		{"redis backend without redis", func(c *Config) { c.Idempotency.Backend = "redis" }},
		{"exit timeout", func(c *Config) { c.Broker.ExitTimeout = 30 * time.Second }},
		{"live without credentials", func(c *Config) { c.Mode = "live" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseHHMM(t *testing.T) {
	h, m, err := ParseHHMM("15:20")
	require.NoError(t, err)
	assert.Equal(t, 15, h)
	assert.Equal(t, 20, m)

	_, _, err = ParseHHMM("1520")
	assert.Error(t, err)
}

func TestRiskStoreUpdate(t *testing.T) {
	store := NewRiskStore(Default().Risk)

	next := store.Risk()
	next.SLPct = 15
	require.NoError(t, store.Update(next))
	assert.Equal(t, 15.0, store.Risk().SLPct)

	bad := store.Risk()
	bad.SLPct = -1
	assert.Error(t, store.Update(bad))
	assert.Equal(t, 15.0, store.Risk().SLPct, "rejected update must keep previous values")
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteTemplate(dir, false)
	require.NoError(t, err)

	_, err = WriteTemplate(dir, false)
	assert.Error(t, err)

	_, err = WriteTemplate(dir, true)
	assert.NoError(t, err)
}

func TestWatchRiskReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[risk]\nsl_pct = 20.0\n"), 0o644))

	cfg, v, err := LoadWithViper(dir)
	require.NoError(t, err)
	store := NewRiskStore(cfg.Risk)
	WatchRisk(v, store, zerolog.Nop())

	replace := func(content string) {
		tmp := filepath.Join(dir, "config.toml.tmp")
		require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
		require.NoError(t, os.Rename(tmp, path))
	}

	replace("[risk]\nsl_pct = 25.0\n")
	assert.Eventually(t, func() bool { return store.Risk().SLPct == 25.0 }, 5*time.Second, 20*time.Millisecond)
	reloaded := store.Risk()
	defaults := Default().Risk
	assert.Equal(t, defaults.TPPct, reloaded.TPPct, "keys missing from the file keep their defaults")
	assert.Equal(t, defaults.Trailing, reloaded.Trailing)
	assert.Equal(t, defaults.TimeExitHHMM, reloaded.TimeExitHHMM)

	replace("[risk]\nsl_pct = 150.0\n")
	assert.Never(t, func() bool { return store.Risk().SLPct != 25.0 }, 500*time.Millisecond, 20*time.Millisecond)
}
