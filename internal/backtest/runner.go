// Package backtest orchestrates a simulation run: it advances the feeds,
// steps the broker once per bar, drains notifications and hands control to
// the strategy, then computes performance metrics over the equity curve.
package backtest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"backsim/internal/broker"
	"backsim/internal/feed"
	"backsim/internal/logging"
	"backsim/internal/models"
)

// Strategy receives control once per bar, after the broker's matching pass.
// Orders placed inside Next are matched starting with the following bar
// unless the broker runs in a cheat mode.
type Strategy interface {
	// Next is the per-bar decision hook. bars holds the current bar of
	// every feed that has one.
	Next(ctx context.Context, b broker.Broker, bars map[string]models.Candle)

	// Notify delivers one order status change. Orders are immutable clones.
	Notify(o *broker.Order)
}

// StrategyFunc adapts a plain function to the Strategy interface, dropping
// notifications.
type StrategyFunc func(ctx context.Context, b broker.Broker, bars map[string]models.Candle)

// Next calls the wrapped function.
func (f StrategyFunc) Next(ctx context.Context, b broker.Broker, bars map[string]models.Candle) {
	f(ctx, b, bars)
}

// Notify discards the notification.
func (f StrategyFunc) Notify(*broker.Order) {}

// RunnerConfig holds the orchestration options.
type RunnerConfig struct {
	// CheatOnOpen hands control to the strategy before the matching pass,
	// so orders can fill at the same bar's open. The broker must run with
	// its matching CheatOnOpen option.
	CheatOnOpen bool
}

// Runner drives one backtest over a broker and a set of feeds.
type Runner struct {
	cfg      RunnerConfig
	broker   *broker.BacktestBroker
	feeds    []*feed.SliceFeed
	strategy Strategy
	log      zerolog.Logger
}

// NewRunner creates a runner for the given broker and strategy.
func NewRunner(cfg RunnerConfig, b *broker.BacktestBroker, strategy Strategy, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		broker:   b,
		strategy: strategy,
		log:      logger,
	}
}

// AddFeed registers a feed with both the runner and the broker.
func (r *Runner) AddFeed(f *feed.SliceFeed) {
	r.feeds = append(r.feeds, f)
	r.broker.AddData(f)
}

// Run steps through all bars until every feed is exhausted or the context is
// canceled, and returns the aggregated result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	startCash := r.broker.GetCash()
	var curve []EquityPoint

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		advanced := false
		for _, f := range r.feeds {
			if f.Advance() {
				advanced = true
			}
		}
		if !advanced {
			break
		}

		bars := r.currentBars()

		if r.cfg.CheatOnOpen {
			r.strategy.Next(ctx, r.broker, bars)
		}

		r.broker.Next()

		for {
			o, ok := r.broker.GetNotification()
			if !ok {
				break
			}
			r.strategy.Notify(o)
		}

		if !r.cfg.CheatOnOpen {
			r.strategy.Next(ctx, r.broker, bars)
		}

		point := EquityPoint{
			Timestamp: latestTimestamp(bars),
			Equity:    r.broker.GetValue(),
			Cash:      r.broker.GetCash(),
		}
		curve = append(curve, point)
		logging.LogBar(r.log, "portfolio", point.Timestamp, point.Equity)
	}

	result := newResult(startCash, curve, r.broker.GetOrderHistory())
	result.FinalCash = r.broker.GetCash()
	return result, nil
}

func (r *Runner) currentBars() map[string]models.Candle {
	bars := make(map[string]models.Candle, len(r.feeds))
	for _, f := range r.feeds {
		if c, ok := f.Current(); ok {
			bars[f.Symbol()] = c
		}
	}
	return bars
}

func latestTimestamp(bars map[string]models.Candle) time.Time {
	var latest time.Time
	for _, c := range bars {
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
	}
	return latest
}
