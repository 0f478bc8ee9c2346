package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"backsim/internal/backtest"
	"backsim/internal/broker"
	"backsim/internal/feed"
)

func newRunCmd(app *App) *cobra.Command {
	var (
		symbols  []string
		strategy string
		size     float64
		fast     int
		slow     int
		save     bool
		name     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest over CSV bar data",
		Long: `Run a backtest. Bar data is read from <data_dir>/<symbol>.csv with
date,open,high,low,close,volume columns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(symbols) == 0 {
				symbols = app.Config.Run.Symbols
			}
			if len(symbols) == 0 {
				return fmt.Errorf("no symbols: pass --symbol or set run.symbols in the config")
			}

			strat, err := buildStrategy(strategy, size, fast, slow)
			if err != nil {
				return err
			}

			b := broker.NewBacktestBroker(app.Config.BrokerConfig(), app.Logger)
			runner := backtest.NewRunner(backtest.RunnerConfig{
				CheatOnOpen: app.Config.Broker.CheatOnOpen,
			}, b, strat, app.Logger)

			for _, symbol := range symbols {
				path := filepath.Join(app.Config.Run.DataDir, symbol+".csv")
				f, err := feed.LoadCSV(path, symbol)
				if err != nil {
					return fmt.Errorf("loading %s: %w", symbol, err)
				}
				runner.AddFeed(f)
				b.SetCommission(symbol, app.Config.CommissionInfo(symbol))
				app.Logger.Info().Str("symbol", symbol).Int("bars", f.Total()).Msg("feed loaded")
			}

			result, err := runner.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("running backtest: %w", err)
			}

			printResult(cmd, result)

			if save {
				if app.Store == nil {
					return fmt.Errorf("store disabled: enable store.enabled in the config")
				}
				if name == "" {
					name = strategy + " " + strings.Join(symbols, ",")
				}
				runID, err := app.Store.SaveRun(cmd.Context(), name, result)
				if err != nil {
					return fmt.Errorf("saving run: %w", err)
				}
				color.Green("✓ Saved as run %d", runID)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&symbols, "symbol", "s", nil, "symbols to simulate (repeatable)")
	cmd.Flags().StringVar(&strategy, "strategy", "sma_cross", "strategy: sma_cross or buy_hold")
	cmd.Flags().Float64Var(&size, "size", 1, "order size in units")
	cmd.Flags().IntVar(&fast, "fast", 10, "fast SMA period")
	cmd.Flags().IntVar(&slow, "slow", 30, "slow SMA period")
	cmd.Flags().BoolVar(&save, "save", false, "persist the run to the result store")
	cmd.Flags().StringVar(&name, "name", "", "name for the saved run")

	return cmd
}

func buildStrategy(name string, size float64, fast, slow int) (backtest.Strategy, error) {
	switch name {
	case "sma_cross":
		return backtest.NewSMACrossStrategy(fast, slow, size), nil
	case "buy_hold":
		return backtest.NewBuyHoldStrategy(size), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q (want sma_cross or buy_hold)", name)
	}
}

func printResult(cmd *cobra.Command, result *backtest.Result) {
	color.Cyan("📈 Backtest Result")
	cmd.Printf("  Start cash:    %s\n", FormatMoney(result.StartCash))
	cmd.Printf("  Final value:   %s\n", FormatMoney(result.FinalValue))
	cmd.Printf("  Total return:  %s\n", FormatSignedPercent(result.TotalReturn))
	cmd.Printf("  Max drawdown:  %.2f%%\n", result.MaxDrawdown)
	cmd.Printf("  Sharpe ratio:  %.2f\n", result.SharpeRatio)
	cmd.Printf("  Trades:        %d (win rate %.1f%%)\n", result.TotalTrades, result.WinRate)

	if spark := Sparkline(equities(result), 40); spark != "" {
		cmd.Printf("  Equity:        %s\n", spark)
	}
}

func equities(result *backtest.Result) []float64 {
	out := make([]float64, 0, len(result.EquityCurve))
	for _, p := range result.EquityCurve {
		out = append(out, p.Equity)
	}
	return out
}

func newRunsCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List saved backtest runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store disabled: enable store.enabled in the config")
			}
			runs, err := app.Store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			if len(runs) == 0 {
				cmd.Println("No saved runs.")
				return nil
			}

			color.Cyan("💾 Saved Runs")
			for _, r := range runs {
				cmd.Printf("  #%-4d %-30s %s  return %s  dd %.2f%%  trades %d\n",
					r.ID, r.Name, r.CreatedAt.Format("2006-01-02 15:04"),
					FormatSignedPercent(r.TotalReturn), r.MaxDrawdown, r.TotalTrades)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
