package cli

import (
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"options-risk-engine/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View, validate and create the riskd configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redacted(app.Config))
			}
			showConfig(output, redacted(app.Config))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Loading already validated it; reaching here means it is valid.
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented config.toml with default values",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			path, err := config.WriteTemplate(dir, force)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.toml")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show the configuration directory",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			NewOutput(cmd).Println(dir)
		},
	})

	return cmd
}

// redacted returns a copy of cfg with secrets masked.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	if c.Broker.APIKey != "" {
		c.Broker.APIKey = "****"
	}
	if c.Broker.AccessToken != "" {
		c.Broker.AccessToken = "****"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "****"
	}
	return &c
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("General")
	output.Printf("  Mode:              %s\n", cfg.Mode)
	output.Printf("  Database:          %s\n", cfg.Storage.Path)
	output.Println()

	r := cfg.Risk
	output.Bold("Risk")
	output.Printf("  Stop-loss:         %.1f%%\n", r.SLPct)
	output.Printf("  Take-profit:       %.1f%%\n", r.TPPct)
	output.Printf("  Trailing:          activate at %.1f%%, give back %.1f%%\n", r.Trailing.ActivationPct, r.Trailing.DrawdownPct)
	for _, tier := range r.Trailing.Tiers {
		output.Printf("    tier:            peak %.1f%% -> give back %.1f%%\n", tier.PeakPct, tier.DrawdownPct)
	}
	output.Printf("  Secure profit:     above ₹%.0f, give back %.1f%%\n", r.SecureProfitThresholdRupees, r.SecureProfitDrawdownPct)
	output.Printf("  Peak drawdown:     %.1f%%\n", r.PeakDrawdownExitPct)
	output.Printf("  Time exit:         %s (min profit ₹%.0f)\n", r.TimeExitHHMM, r.MinProfitRupees)
	output.Printf("  Underlying break:  trend < %.0f or ATR < %.2fx average\n", r.UnderlyingTrendScoreThreshold, r.UnderlyingATRCollapseMultiplier)

	names := []string{
		config.RuleSessionEnd, config.RuleBracketLimit, config.RuleStopLoss,
		config.RuleTakeProfit, config.RuleSecureProfit, config.RuleTimeExit,
		config.RulePeakDrawdown, config.RuleTrailingStop, config.RuleUnderlyingBreak,
	}
	var extra []string
	for name := range r.Rules {
		if !slices.Contains(names, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)
	var on, off []string
	for _, name := range names {
		if r.RuleEnabled(name) {
			on = append(on, name)
		} else {
			off = append(off, name)
		}
	}
	output.Printf("  Rules on:          %s\n", strings.Join(on, ", "))
	if len(off) > 0 {
		output.Printf("  Rules off:         %s\n", strings.Join(off, ", "))
	}
	output.Println()

	output.Bold("Session")
	output.Printf("  Market:            %s-%s %s\n", cfg.Session.MarketOpen, cfg.Session.MarketClose, cfg.Session.Timezone)
	output.Printf("  Entry window:      %s-%s\n", cfg.Session.EntryStart, cfg.Session.EntryEnd)
	output.Printf("  Exit deadline:     %s\n", cfg.Session.ExitDeadline)
	output.Printf("  Holidays:          %d\n", len(cfg.Session.Holidays))
	output.Println()

	output.Bold("Loop")
	output.Printf("  Interval:          %s active, %s idle\n", cfg.Loop.ActiveInterval, cfg.Loop.IdleInterval)
	output.Printf("  Stale after:       %s\n", cfg.Loop.StaleAfter)
	output.Printf("  Workers:           %d\n", cfg.Loop.Workers)
	output.Println()

	output.Bold("Integrations")
	output.Printf("  Idempotency:       %s (ttl %s)\n", cfg.Idempotency.Backend, cfg.Idempotency.TTL)
	output.Printf("  Broker product:    %s, exit timeout %s\n", cfg.Broker.Product, cfg.Broker.ExitTimeout)
	output.Printf("  Redis:             %v %s\n", cfg.Redis.Enabled, cfg.Redis.Addr)
	output.Printf("  Metrics:           %v %s\n", cfg.Metrics.Enabled, cfg.Metrics.Addr)
}
