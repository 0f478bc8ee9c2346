// Package store provides result persistence for backtest runs.
package store

import (
	"context"
	"time"

	"backsim/internal/backtest"
	"backsim/internal/models"
)

// RunRecord identifies one persisted backtest run.
type RunRecord struct {
	ID          int64
	Name        string
	StartCash   float64
	FinalValue  float64
	TotalReturn float64
	MaxDrawdown float64
	SharpeRatio float64
	WinRate     float64
	TotalTrades int
	CreatedAt   time.Time
}

// ResultStore persists backtest outcomes.
type ResultStore interface {
	// SaveRun persists a run's summary, equity curve and order history and
	// returns the run id.
	SaveRun(ctx context.Context, name string, result *backtest.Result) (int64, error)

	// GetRun loads one run summary.
	GetRun(ctx context.Context, id int64) (*RunRecord, error)

	// ListRuns returns run summaries, newest first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// GetEquityCurve loads the persisted equity curve of a run.
	GetEquityCurve(ctx context.Context, runID int64) ([]backtest.EquityPoint, error)

	// SaveCandles persists bar data for later runs.
	SaveCandles(ctx context.Context, symbol string, candles []models.Candle) error

	// GetCandles loads bar data for a symbol within [from, to].
	GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)

	Close() error
}
