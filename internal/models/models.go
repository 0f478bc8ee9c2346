// Package models provides shared market-data value types for the simulator.
package models

import (
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Candle represents OHLCV data for a single bar.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Tick represents an intrabar price override for the current bar. When a
// feed exposes a tick, the matching trial uses these prices instead of the
// bar's own open/high/low/close.
type Tick struct {
	Symbol    string
	LTP       float64
	High      float64
	Low       float64
	Close     float64
	Timestamp time.Time
}

// SessionEnd returns the end of the calendar day the candle belongs to.
// It bounds the validity of session-close orders created during that day.
func (c Candle) SessionEnd() time.Time {
	y, m, d := c.Timestamp.Date()
	return time.Date(y, m, d, 23, 59, 59, 999999999, c.Timestamp.Location())
}
