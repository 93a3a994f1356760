// Package cli provides the riskd command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"options-risk-engine/internal/config"
	"options-risk-engine/internal/logging"
	"options-risk-engine/internal/store"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// skipConfig marks commands that run without loading config.toml.
const skipConfig = "skip-config"

// App holds state shared by all commands. Config and Logger are set once
// the persistent pre-run has loaded the configuration.
type App struct {
	ConfigDir string
	Config    *config.Config
	Viper     *viper.Viper
	Logger    zerolog.Logger

	debug bool
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "riskd",
		Short: "Risk and exit engine for index options",
		Long: `riskd watches open NIFTY/BANKNIFTY/SENSEX option positions and closes them
when a stop-loss, take-profit, trailing, time or session rule fires.

Positions are stored in a local SQLite database. 'riskd run' monitors them;
the other commands inspect and edit them while it runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return app.load(cmd.Name() == "run")
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config", "", "config directory (default: ~/.config/options-risk-engine)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&app.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newRunCmd(app))

	return rootCmd
}

// load reads the configuration and builds the logger. Only the daemon logs
// to the console; other commands log to the file alone so their output stays
// readable.
func (a *App) load(console bool) error {
	cfg, v, err := config.LoadWithViper(a.ConfigDir)
	if err != nil {
		return err
	}
	a.Config, a.Viper = cfg, v

	lc := logging.DefaultLogConfig()
	lc.Level = cfg.Logging.Level
	if a.debug {
		lc.Level = "debug"
	}
	lc.Console = console
	lc.JSON = cfg.Logging.JSON
	lc.File = cfg.Logging.File
	lc.FilePath = cfg.Logging.FilePath
	a.Logger = logging.NewLoggerWithConfig(lc)
	return nil
}

// openStore opens the position database.
func (a *App) openStore() (*store.SQLiteStore, error) {
	return openPositionStore(a.Config.Storage.Path)
}

func openPositionStore(path string) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening position store: %w", err)
	}
	return st, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("riskd v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
