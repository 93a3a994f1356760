package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Options risk engine configuration

# "paper" fills exits against the local tick cache, "live" routes them to the broker.
mode = "paper"

[risk]
# Hard stop-loss, percent of entry premium
sl_pct = 30.0
# Hard take-profit, percent of entry premium
tp_pct = 60.0
# Absolute profit (INR) after which secure-profit protection applies
secure_profit_threshold_rupees = 1000.0
# Percentage points of give-back from peak that trigger a secure-profit exit
secure_profit_drawdown_pct = 3.0
# Percentage points of give-back from peak that trigger a peak-drawdown exit
peak_drawdown_exit_pct = 5.0
# Clock time (exchange local) after which profitable positions are closed
time_exit_hhmm = "15:20"
# Minimum profit (INR) required for the time exit
min_profit_rupees = 200.0
# Directional underlying trend score (-100..100, positive favours the position)
# below which the move is considered invalidated
underlying_trend_score_threshold = -10.0
# ATR at or below average * multiplier counts as a volatility collapse
underlying_atr_collapse_multiplier = 0.5
# Underlying health older than this is ignored
underlying_max_age = "2m"

[risk.trailing]
# Peak profit percent that arms trailing exits
activation_pct = 10.0
# Legacy trailing stop: percent drop from the rupee high-water-mark
drawdown_pct = 5.0

# Tighter give-back once the peak is higher. Uncomment to enable.
# [[risk.trailing.tiers]]
# peak_pct = 40.0
# drawdown_pct = 4.0
# [[risk.trailing.tiers]]
# peak_pct = 80.0
# drawdown_pct = 3.0

[risk.rules]
session_end = true
bracket_limit = true
stop_loss = true
take_profit = true
secure_profit = true
time_exit = true
peak_drawdown = true
trailing_stop = false
underlying_break = true

[loop]
active_interval = "500ms"
idle_interval = "5s"
stale_after = "30s"
workers = 4
reconcile_interval = "10s"

[session]
timezone = "Asia/Kolkata"
market_open = "09:15"
market_close = "15:30"
entry_start = "09:20"
entry_end = "14:30"
exit_deadline = "15:15"
holidays = []

[idempotency]
# "memory" or "redis"
backend = "memory"
ttl = "20m"
max_key_length = 30
key_prefix = "riskd:idem:"

[broker]
# Set RISK_ENGINE_BROKER_API_KEY and RISK_ENGINE_BROKER_ACCESS_TOKEN in the environment.
product = "NRML"
exit_timeout = "5s"
retry_attempts = 3
breaker_failures = 5
breaker_timeout = "30s"

[redis]
enabled = false
addr = "localhost:6379"
db = 0
tick_ttl = "30m"

[metrics]
enabled = true
addr = ":9108"

[logging]
level = "info"
json = false
file = true
`

// TemplatePath returns the config file path inside configDir.
func TemplatePath(configDir string) string {
	return filepath.Join(configDir, "config.toml")
}

// WriteTemplate writes the commented default config, refusing to overwrite
// an existing file unless force is set.
func WriteTemplate(configDir string, force bool) (string, error) {
	path := TemplatePath(configDir)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config file already exists at %s", path)
		}
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return path, fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return path, fmt.Errorf("writing config template: %w", err)
	}
	return path, nil
}

func createTemplateConfig(configDir string) error {
	_, err := WriteTemplate(configDir, false)
	return err
}
