package backtest

import (
	"math"
	"time"

	"backsim/internal/broker"
)

// EquityPoint is one sample of the portfolio value curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
	Cash      float64
}

// Result aggregates the outcome of one backtest run.
type Result struct {
	StartCash  float64
	FinalValue float64
	FinalCash  float64

	// TotalReturn is the percentage gain over the starting cash.
	TotalReturn float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	// WinRate is the percentage of closing fills with positive realized pnl.
	WinRate float64

	// MaxDrawdown is the worst peak-to-trough equity decline, in percent.
	MaxDrawdown float64

	// SharpeRatio is annualized from per-bar returns assuming 252 bars per
	// year and a zero risk-free rate.
	SharpeRatio float64

	EquityCurve []EquityPoint
	Orders      []*broker.Order
}

func newResult(startCash float64, curve []EquityPoint, orders []*broker.Order) *Result {
	r := &Result{
		StartCash:   startCash,
		FinalValue:  startCash,
		EquityCurve: curve,
		Orders:      orders,
	}
	if len(curve) > 0 {
		r.FinalValue = curve[len(curve)-1].Equity
	}
	if startCash != 0 {
		r.TotalReturn = (r.FinalValue - startCash) / startCash * 100
	}

	r.countTrades()
	r.MaxDrawdown = maxDrawdown(curve) * 100
	r.SharpeRatio = sharpeRatio(curve)
	return r
}

// countTrades counts closing fills by realized pnl. An order with zero pnl
// only opened or grew a position and is not a round trip.
func (r *Result) countTrades() {
	for _, o := range r.Orders {
		if o.Status != broker.StatusCompleted && o.Status != broker.StatusPartial {
			continue
		}
		if o.Executed.PnL > 0 {
			r.WinningTrades++
		} else if o.Executed.PnL < 0 {
			r.LosingTrades++
		}
	}
	r.TotalTrades = r.WinningTrades + r.LosingTrades
	if r.TotalTrades > 0 {
		r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades) * 100
	}
}

func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - p.Equity) / peak
		if dd > worst {
			worst = dd
		}
	}
	return worst
}

func sharpeRatio(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, ret := range returns {
		mean += ret
	}
	mean /= float64(len(returns))

	var variance float64
	for _, ret := range returns {
		variance += (ret - mean) * (ret - mean)
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
