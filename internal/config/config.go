// Package config provides configuration management for the risk engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. RISK_ENGINE_RISK_SL_PCT.
const EnvPrefix = "RISK_ENGINE"

// Rule names as they appear under [risk.rules].
const (
	RuleSessionEnd      = "session_end"
	RuleBracketLimit    = "bracket_limit"
	RuleStopLoss        = "stop_loss"
	RuleTakeProfit      = "take_profit"
	RuleSecureProfit    = "secure_profit"
	RuleTimeExit        = "time_exit"
	RulePeakDrawdown    = "peak_drawdown"
	RuleTrailingStop    = "trailing_stop"
	RuleUnderlyingBreak = "underlying_break"
)

// Config holds all application configuration.
type Config struct {
	Mode        string            `mapstructure:"mode"` // "live", "paper"
	Risk        RiskConfig        `mapstructure:"risk"`
	Loop        LoopConfig        `mapstructure:"loop"`
	Session     SessionConfig     `mapstructure:"session"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// RiskConfig holds the exit rule thresholds. Percentages are in percent
// units (30 means 30%), rupee values are absolute.
type RiskConfig struct {
	SLPct                           float64         `mapstructure:"sl_pct"`
	TPPct                           float64         `mapstructure:"tp_pct"`
	Trailing                        TrailingConfig  `mapstructure:"trailing"`
	SecureProfitThresholdRupees     float64         `mapstructure:"secure_profit_threshold_rupees"`
	SecureProfitDrawdownPct         float64         `mapstructure:"secure_profit_drawdown_pct"`
	PeakDrawdownExitPct             float64         `mapstructure:"peak_drawdown_exit_pct"`
	TimeExitHHMM                    string          `mapstructure:"time_exit_hhmm"`
	MinProfitRupees                 float64         `mapstructure:"min_profit_rupees"`
	UnderlyingTrendScoreThreshold   float64         `mapstructure:"underlying_trend_score_threshold"`
	UnderlyingATRCollapseMultiplier float64         `mapstructure:"underlying_atr_collapse_multiplier"`
	UnderlyingMaxAge                time.Duration   `mapstructure:"underlying_max_age"`
	Rules                           map[string]bool `mapstructure:"rules"`
}

// TrailingConfig configures trailing activation and give-back.
type TrailingConfig struct {
	ActivationPct float64        `mapstructure:"activation_pct"`
	DrawdownPct   float64        `mapstructure:"drawdown_pct"`
	Tiers         []TrailingTier `mapstructure:"tiers"`
}

// TrailingTier narrows the allowed peak drawdown once the peak reaches PeakPct.
type TrailingTier struct {
	PeakPct     float64 `mapstructure:"peak_pct"`
	DrawdownPct float64 `mapstructure:"drawdown_pct"`
}

// RuleEnabled reports whether the named rule is switched on.
// Rules without an entry are enabled.
func (r RiskConfig) RuleEnabled(name string) bool {
	if r.Rules == nil {
		return true
	}
	enabled, ok := r.Rules[name]
	if !ok {
		return true
	}
	return enabled
}

// LoopConfig holds risk loop scheduling parameters.
type LoopConfig struct {
	ActiveInterval    time.Duration `mapstructure:"active_interval"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	Workers           int           `mapstructure:"workers"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// SessionConfig holds the exchange calendar and time windows, all HH:MM in Timezone.
type SessionConfig struct {
	Timezone     string   `mapstructure:"timezone"`
	MarketOpen   string   `mapstructure:"market_open"`
	MarketClose  string   `mapstructure:"market_close"`
	EntryStart   string   `mapstructure:"entry_start"`
	EntryEnd     string   `mapstructure:"entry_end"`
	ExitDeadline string   `mapstructure:"exit_deadline"`
	Holidays     []string `mapstructure:"holidays"` // YYYY-MM-DD
}

// IdempotencyConfig configures the order idempotency guard.
type IdempotencyConfig struct {
	Backend      string        `mapstructure:"backend"` // "memory", "redis"
	TTL          time.Duration `mapstructure:"ttl"`
	MaxKeyLength int           `mapstructure:"max_key_length"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// BrokerConfig holds live broker settings. Secrets come from the environment.
type BrokerConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	AccessToken     string        `mapstructure:"access_token"`
	Product         string        `mapstructure:"product"` // MIS, NRML
	ExitTimeout     time.Duration `mapstructure:"exit_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TickTTL  time.Duration `mapstructure:"tick_ttl"`
}

// StorageConfig holds the position database location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	JSON     bool   `mapstructure:"json"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/options-risk-engine"
	}
	return filepath.Join(home, ".config", "options-risk-engine")
}

// Load loads configuration from configDir, or the default directory when empty.
func Load(configDir string) (*Config, error) {
	cfg, _, err := LoadWithViper(configDir)
	return cfg, err
}

// LoadWithViper loads configuration and also returns the viper instance so
// callers can watch the file for changes.
func LoadWithViper(configDir string) (*Config, *viper.Viper, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, nil, fmt.Errorf("creating config template: %w", err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("reading config template: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Default returns a configuration populated only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := DefaultConfigDir()

	v.SetDefault("mode", "paper")

	v.SetDefault("risk.sl_pct", 30.0)
	v.SetDefault("risk.tp_pct", 60.0)
	v.SetDefault("risk.trailing.activation_pct", 10.0)
	v.SetDefault("risk.trailing.drawdown_pct", 5.0)
	v.SetDefault("risk.secure_profit_threshold_rupees", 1000.0)
	v.SetDefault("risk.secure_profit_drawdown_pct", 3.0)
	v.SetDefault("risk.peak_drawdown_exit_pct", 5.0)
	v.SetDefault("risk.time_exit_hhmm", "15:20")
	v.SetDefault("risk.min_profit_rupees", 200.0)
	v.SetDefault("risk.underlying_trend_score_threshold", -10.0)
	v.SetDefault("risk.underlying_atr_collapse_multiplier", 0.5)
	v.SetDefault("risk.underlying_max_age", 2*time.Minute)
	v.SetDefault("risk.rules."+RuleSessionEnd, true)
	v.SetDefault("risk.rules."+RuleBracketLimit, true)
	v.SetDefault("risk.rules."+RuleStopLoss, true)
	v.SetDefault("risk.rules."+RuleTakeProfit, true)
	v.SetDefault("risk.rules."+RuleSecureProfit, true)
	v.SetDefault("risk.rules."+RuleTimeExit, true)
	v.SetDefault("risk.rules."+RulePeakDrawdown, true)
	v.SetDefault("risk.rules."+RuleTrailingStop, false)
	v.SetDefault("risk.rules."+RuleUnderlyingBreak, true)

	v.SetDefault("loop.active_interval", 500*time.Millisecond)
	v.SetDefault("loop.idle_interval", 5*time.Second)
	v.SetDefault("loop.stale_after", 30*time.Second)
	v.SetDefault("loop.workers", 4)
	v.SetDefault("loop.reconcile_interval", 10*time.Second)

	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("session.market_open", "09:15")
	v.SetDefault("session.market_close", "15:30")
	v.SetDefault("session.entry_start", "09:20")
	v.SetDefault("session.entry_end", "14:30")
	v.SetDefault("session.exit_deadline", "15:15")
	v.SetDefault("session.holidays", []string{})

	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.ttl", 20*time.Minute)
	v.SetDefault("idempotency.max_key_length", 30)
	v.SetDefault("idempotency.key_prefix", "riskd:idem:")

	v.SetDefault("broker.api_key", "")
	v.SetDefault("broker.access_token", "")
	v.SetDefault("broker.product", "NRML")
	v.SetDefault("broker.exit_timeout", 5*time.Second)
	v.SetDefault("broker.retry_attempts", 3)
	v.SetDefault("broker.breaker_failures", 5)
	v.SetDefault("broker.breaker_timeout", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tick_ttl", 30*time.Minute)

	v.SetDefault("storage.path", filepath.Join(dir, "riskd.db"))

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9108")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(dir, "logs", "riskd.log"))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return fmt.Errorf("invalid mode: %s (must be 'live' or 'paper')", c.Mode)
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}

	if c.Loop.ActiveInterval <= 0 || c.Loop.IdleInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	if c.Loop.ActiveInterval > c.Loop.IdleInterval {
		return fmt.Errorf("loop.active_interval must not exceed loop.idle_interval")
	}
	if c.Loop.StaleAfter <= 0 {
		return fmt.Errorf("loop.stale_after must be positive")
	}
	if c.Loop.Workers < 1 {
		return fmt.Errorf("loop.workers must be at least 1")
	}

	for name, value := range map[string]string{
		"session.market_open":   c.Session.MarketOpen,
		"session.market_close":  c.Session.MarketClose,
		"session.entry_start":   c.Session.EntryStart,
		"session.entry_end":     c.Session.EntryEnd,
		"session.exit_deadline": c.Session.ExitDeadline,
	} {
		if _, _, err := ParseHHMM(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, day := range c.Session.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("session.holidays: invalid date %q", day)
		}
	}

	if c.Idempotency.Backend != "memory" && c.Idempotency.Backend != "redis" {
		return fmt.Errorf("invalid idempotency.backend: %s (must be 'memory' or 'redis')", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("idempotency.backend 'redis' requires redis.enabled")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Idempotency.MaxKeyLength < 16 {
		return fmt.Errorf("idempotency.max_key_length must be at least 16")
	}

	if c.Broker.ExitTimeout <= 0 || c.Broker.ExitTimeout > 10*time.Second {
		return fmt.Errorf("broker.exit_timeout must be between 0 and 10s")
	}
	if c.Broker.RetryAttempts < 1 {
		return fmt.Errorf("broker.retry_attempts must be at least 1")
	}
	if c.Mode == "live" && (c.Broker.APIKey == "" || c.Broker.AccessToken == "") {
		return fmt.Errorf("live mode requires broker.api_key and broker.access_token")
	}

	return nil
}

// Validate checks the risk thresholds.
func (r RiskConfig) Validate() error {
	if r.SLPct <= 0 || r.SLPct > 100 {
		return fmt.Errorf("risk.sl_pct must be between 0 and 100")
	}
	if r.TPPct <= 0 {
		return fmt.Errorf("risk.tp_pct must be positive")
	}
	if r.Trailing.ActivationPct < 0 || r.Trailing.DrawdownPct < 0 {
		return fmt.Errorf("risk.trailing values must be non-negative")
	}
	if r.SecureProfitThresholdRupees < 0 || r.SecureProfitDrawdownPct < 0 {
		return fmt.Errorf("risk.secure_profit values must be non-negative")
	}
	if r.PeakDrawdownExitPct <= 0 {
		return fmt.Errorf("risk.peak_drawdown_exit_pct must be positive")
	}
	if _, _, err := ParseHHMM(r.TimeExitHHMM); err != nil {
		return fmt.Errorf("risk.time_exit_hhmm: %w", err)
	}
	if r.MinProfitRupees < 0 {
		return fmt.Errorf("risk.min_profit_rupees must be non-negative")
	}
	if r.UnderlyingTrendScoreThreshold < -100 || r.UnderlyingTrendScoreThreshold > 100 {
		return fmt.Errorf("risk.underlying_trend_score_threshold must be between -100 and 100")
	}
	if r.UnderlyingATRCollapseMultiplier < 0 || r.UnderlyingATRCollapseMultiplier > 1 {
		return fmt.Errorf("risk.underlying_atr_collapse_multiplier must be between 0 and 1")
	}
	prev := -1.0
	for _, tier := range r.Trailing.Tiers {
		if tier.PeakPct <= prev {
			return fmt.Errorf("risk.trailing.tiers must be sorted by ascending peak_pct")
		}
		if tier.DrawdownPct <= 0 {
			return fmt.Errorf("risk.trailing.tiers drawdown_pct must be positive")
		}
		prev = tier.PeakPct
	}
	return nil
}

// ParseHHMM parses a 24h "HH:MM" clock value.
func ParseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Mode == "paper"
}
