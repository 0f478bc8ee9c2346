// Package cli provides the command-line interface for the simulator.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"backsim/internal/config"
	"backsim/internal/store"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.ResultStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Store.Enabled {
		resultStore, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize store, runs will not be persisted")
		} else {
			app.Store = resultStore
			logger.Debug().Str("path", cfg.Store.Path).Msg("SQLite store initialized")
		}
	}

	rootCmd := &cobra.Command{
		Use:   "backsim",
		Short: "Backsim - order-matching backtest simulator",
		Long: `Backsim simulates a brokerage against historical price bars: it accepts
orders from a strategy, matches them once per bar without look-ahead, and
tracks cash, positions and commissions.

Use 'backsim run' to execute a backtest over CSV bar data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/backsim)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newRunsCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("backsim v%s\n", Version)
		},
	}
}
