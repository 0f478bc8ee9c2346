package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backsim/internal/broker"
	"backsim/internal/feed"
	"backsim/internal/models"
)

func candle(day int, o, h, l, c float64) models.Candle {
	return models.Candle{
		Timestamp: time.Date(2024, 1, day, 15, 30, 0, 0, time.UTC),
		Open:      o, High: h, Low: l, Close: c,
		Volume: 1_000_000,
	}
}

func newRunnerWith(t *testing.T, strategy Strategy, bars []models.Candle) (*Runner, *broker.BacktestBroker) {
	t.Helper()
	b := broker.NewBacktestBroker(broker.DefaultBrokerConfig(), zerolog.Nop())
	r := NewRunner(RunnerConfig{}, b, strategy, zerolog.Nop())
	r.AddFeed(feed.NewSliceFeed("NIFTY", bars))
	return r, b
}

type buyOnceStrategy struct {
	bought  bool
	sellDay int
	notifs  []*broker.Order
}

func (s *buyOnceStrategy) Next(ctx context.Context, b broker.Broker, bars map[string]models.Candle) {
	bar, ok := bars["NIFTY"]
	if !ok {
		return
	}
	if !s.bought {
		b.Buy(broker.OrderRequest{Owner: "test", Symbol: "NIFTY", Size: 10})
		s.bought = true
		return
	}
	if s.sellDay != 0 && bar.Timestamp.Day() == s.sellDay {
		pos := b.GetPosition("NIFTY")
		if pos.Size > 0 {
			b.Sell(broker.OrderRequest{Owner: "test", Symbol: "NIFTY", Size: pos.Size})
		}
	}
}

func (s *buyOnceStrategy) Notify(o *broker.Order) {
	s.notifs = append(s.notifs, o)
}

func TestRunnerRoundTrip(t *testing.T) {
	bars := []models.Candle{
		candle(1, 99, 101, 98, 100),
		candle(2, 100, 103, 99, 102),  // buy fills at 100
		candle(3, 105, 107, 104, 106), // sell placed
		candle(4, 110, 112, 108, 111), // sell fills at 110
	}
	strat := &buyOnceStrategy{sellDay: 3}
	r, b := newRunnerWith(t, strat, bars)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(result.EquityCurve) != 4 {
		t.Fatalf("expected 4 equity points, got %d", len(result.EquityCurve))
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("expected flat at the end, got %v", pos.Size)
	}
	if !almost(result.FinalCash, 10100.0) {
		t.Errorf("expected final cash 10100, got %v", result.FinalCash)
	}
	if !almost(result.TotalReturn, 1.0) {
		t.Errorf("expected 1%% total return, got %v", result.TotalReturn)
	}
	if result.TotalTrades != 1 || result.WinningTrades != 1 {
		t.Errorf("expected one winning trade, got total=%d winning=%d",
			result.TotalTrades, result.WinningTrades)
	}
	if result.WinRate != 100.0 {
		t.Errorf("expected 100%% win rate, got %v", result.WinRate)
	}
	if len(strat.notifs) == 0 {
		t.Error("strategy must receive order notifications")
	}
}

func TestRunnerEquityMarksToMarket(t *testing.T) {
	bars := []models.Candle{
		candle(1, 99, 101, 98, 100),
		candle(2, 100, 103, 99, 102),
		candle(3, 105, 107, 104, 106),
	}
	strat := &buyOnceStrategy{}
	r, _ := newRunnerWith(t, strat, bars)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// bar 3: cash 9000, 10 units at close 106
	last := result.EquityCurve[len(result.EquityCurve)-1]
	if !almost(last.Equity, 10060.0) {
		t.Errorf("expected marked equity 10060, got %v", last.Equity)
	}
}

func TestRunnerContextCancel(t *testing.T) {
	bars := []models.Candle{
		candle(1, 99, 101, 98, 100),
		candle(2, 100, 103, 99, 102),
	}
	r, _ := newRunnerWith(t, StrategyFunc(func(context.Context, broker.Broker, map[string]models.Candle) {}), bars)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Run(ctx); err == nil {
		t.Error("a canceled context must abort the run")
	}
}

func TestMaxDrawdown(t *testing.T) {
	curve := []EquityPoint{
		{Equity: 10000}, {Equity: 12000}, {Equity: 9000}, {Equity: 11000},
	}
	got := maxDrawdown(curve)
	if !almost(got, 0.25) {
		t.Errorf("expected drawdown 0.25, got %v", got)
	}
}

func TestSharpeRatioFlatCurveIsZero(t *testing.T) {
	curve := []EquityPoint{{Equity: 10000}, {Equity: 10000}, {Equity: 10000}}
	if got := sharpeRatio(curve); got != 0 {
		t.Errorf("flat curve must have zero sharpe, got %v", got)
	}
}

func TestSharpeRatioRisingCurvePositive(t *testing.T) {
	curve := make([]EquityPoint, 0, 10)
	eq := 10000.0
	for i := 0; i < 10; i++ {
		eq *= 1.0 + 0.01*float64(i%3)
		curve = append(curve, EquityPoint{Equity: eq})
	}
	if got := sharpeRatio(curve); got <= 0 {
		t.Errorf("rising curve must have positive sharpe, got %v", got)
	}
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}
