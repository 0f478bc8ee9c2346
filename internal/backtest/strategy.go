package backtest

import (
	"context"

	"backsim/internal/broker"
	"backsim/internal/indicators"
	"backsim/internal/models"
)

// SMACrossStrategy is a simple moving-average crossover strategy: it goes
// long when the fast average crosses above the slow one and exits on the
// opposite cross. One position per symbol, long only.
type SMACrossStrategy struct {
	fast int
	slow int
	size float64

	state map[string]*smaCrossState
}

type smaCrossState struct {
	fast  *indicators.RollingSMA
	slow  *indicators.RollingSMA
	cross indicators.Crossover
}

// NewSMACrossStrategy creates a crossover strategy trading size units.
func NewSMACrossStrategy(fast, slow int, size float64) *SMACrossStrategy {
	if fast <= 0 {
		fast = 10
	}
	if slow <= fast {
		slow = fast * 2
	}
	if size <= 0 {
		size = 1
	}
	return &SMACrossStrategy{
		fast:  fast,
		slow:  slow,
		size:  size,
		state: make(map[string]*smaCrossState),
	}
}

// Next implements Strategy.
func (s *SMACrossStrategy) Next(ctx context.Context, b broker.Broker, bars map[string]models.Candle) {
	for symbol, bar := range bars {
		st := s.state[symbol]
		if st == nil {
			fast, _ := indicators.NewRollingSMA(s.fast)
			slow, _ := indicators.NewRollingSMA(s.slow)
			st = &smaCrossState{fast: fast, slow: slow}
			s.state[symbol] = st
		}

		fastNow := st.fast.Update(bar.Close)
		slowNow := st.slow.Update(bar.Close)
		if !st.slow.Ready() {
			continue
		}

		pos := b.GetPosition(symbol)
		switch st.cross.Update(fastNow, slowNow) {
		case 1:
			if pos.Size == 0 {
				b.Buy(broker.OrderRequest{Owner: "sma_cross", Symbol: symbol, Size: s.size})
			}
		case -1:
			if pos.Size > 0 {
				b.Sell(broker.OrderRequest{Owner: "sma_cross", Symbol: symbol, Size: pos.Size})
			}
		}
	}
}

// Notify implements Strategy.
func (s *SMACrossStrategy) Notify(*broker.Order) {}

// BuyHoldStrategy buys each symbol once at the start and holds to the end.
type BuyHoldStrategy struct {
	size   float64
	bought map[string]bool
}

// NewBuyHoldStrategy creates a buy-and-hold strategy trading size units.
func NewBuyHoldStrategy(size float64) *BuyHoldStrategy {
	if size <= 0 {
		size = 1
	}
	return &BuyHoldStrategy{size: size, bought: make(map[string]bool)}
}

// Next implements Strategy.
func (s *BuyHoldStrategy) Next(ctx context.Context, b broker.Broker, bars map[string]models.Candle) {
	for symbol := range bars {
		if s.bought[symbol] {
			continue
		}
		s.bought[symbol] = true
		b.Buy(broker.OrderRequest{Owner: "buy_hold", Symbol: symbol, Size: s.size})
	}
}

// Notify implements Strategy.
func (s *BuyHoldStrategy) Notify(*broker.Order) {}
