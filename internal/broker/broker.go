// Package broker provides the order-matching and broker-simulation engine
// used for backtesting. Orders submitted by a strategy are matched against
// historical bars once per bar, with cash, positions and commissions tracked
// without look-ahead.
package broker

import (
	"time"

	"backsim/internal/models"
)

// Broker defines the contract between a strategy layer and a broker. The
// backtest engine implements it in-memory; live adapters implement the same
// contract over real connections but must present fills through the same
// single-threaded per-bar stepping.
type Broker interface {
	// Data registration
	AddData(src BarSource)

	// Commission resolution
	SetCommission(symbol string, comminfo *CommissionInfo)
	GetCommissionInfo(symbol string) *CommissionInfo

	// Order submission
	Buy(req OrderRequest) (*Order, error)
	Sell(req OrderRequest) (*Order, error)
	Cancel(ref int) bool

	// Per-bar stepping. Next runs exactly one matching pass and must be
	// called after the bar sources advance and before the strategy's
	// decision logic for that bar.
	Next()

	// Queries
	GetCash() float64
	GetValue(symbols ...string) float64
	GetValueLever(symbols ...string) float64
	GetLeverage() float64
	GetPosition(symbol string) *Position
	GetOrdersOpen() []*Order

	// Notifications; pops one cloned order snapshot, or false when drained.
	GetNotification() (*Order, bool)
}

// BarSource supplies bars to the engine. Implementations advance outside the
// engine; the engine only reads the current bar, one bar in the past, and an
// optional tick-level override of the last traded prices.
type BarSource interface {
	Symbol() string
	// Len returns the number of bars delivered so far.
	Len() int
	// Current returns the active bar; ok is false before the first advance.
	Current() (models.Candle, bool)
	// Prev returns the bar before the current one.
	Prev() (models.Candle, bool)
	// Tick returns an intrabar override for the current bar, if any.
	Tick() (models.Tick, bool)
}

// OrderRequest holds the named parameters of a buy/sell submission.
type OrderRequest struct {
	Owner  string
	Symbol string
	Size   float64 // absolute; the side comes from Buy/Sell

	Price      float64 // limit price (Limit) or trigger price (Stop*)
	PriceLimit float64 // limit price for StopLimit/StopTrailLimit
	ExecType   ExecType
	Valid      time.Time // zero = good till canceled
	TradeID    int

	TrailAmount  float64
	TrailPercent float64

	// Bracket/OCO linkage by order ref.
	Parent int
	OCO    int

	// DeferTransmit holds the order inside the engine until the last order
	// of its bracket chain arrives with DeferTransmit unset. The zero value
	// transmits immediately, which is the common case.
	DeferTransmit bool
}

// HistOrder is an externally scheduled order record. It becomes a Historical
// order force-filled at Price on the first bar at or after Dt.
type HistOrder struct {
	Symbol string
	Dt     time.Time
	Size   float64 // signed
	Price  float64
}

// FundRecord is one sample of an external fund value history. When a fund
// history is configured, valuation defers to it instead of computing value
// from positions.
type FundRecord struct {
	Dt    time.Time
	Share float64 // value per share
	Value float64 // net asset value
}
