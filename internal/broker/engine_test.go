package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backsim/internal/models"
)

// stubFeed is a minimal BarSource for engine tests, advanced by hand.
type stubFeed struct {
	symbol string
	bars   []models.Candle
	idx    int
}

func newStubFeed(symbol string, bars []models.Candle) *stubFeed {
	return &stubFeed{symbol: symbol, bars: bars, idx: -1}
}

func (f *stubFeed) Symbol() string { return f.symbol }
func (f *stubFeed) Len() int       { return f.idx + 1 }

func (f *stubFeed) Current() (models.Candle, bool) {
	if f.idx < 0 || f.idx >= len(f.bars) {
		return models.Candle{}, false
	}
	return f.bars[f.idx], true
}

func (f *stubFeed) Prev() (models.Candle, bool) {
	if f.idx < 1 {
		return models.Candle{}, false
	}
	return f.bars[f.idx-1], true
}

func (f *stubFeed) Tick() (models.Tick, bool) { return models.Tick{}, false }

func (f *stubFeed) advance() bool {
	if f.idx+1 >= len(f.bars) {
		return false
	}
	f.idx++
	return true
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 15, 30, 0, 0, time.UTC)
}

func bar(n int, o, h, l, c float64) models.Candle {
	return models.Candle{Timestamp: day(n), Open: o, High: h, Low: l, Close: c, Volume: 1_000_000}
}

func newTestBroker(cfg BacktestBrokerConfig, bars []models.Candle) (*BacktestBroker, *stubFeed) {
	b := NewBacktestBroker(cfg, zerolog.Nop())
	feed := newStubFeed("NIFTY", bars)
	b.AddData(feed)
	return b, feed
}

func step(b *BacktestBroker, f *stubFeed) {
	f.advance()
	b.Next()
}

func drainStatuses(b *BacktestBroker) map[int][]Status {
	out := make(map[int][]Status)
	for {
		o, ok := b.GetNotification()
		if !ok {
			return out
		}
		out[o.Ref] = append(out[o.Ref], o.Status)
	}
}

func lastStatus(t *testing.T, statuses map[int][]Status, ref int) Status {
	t.Helper()
	s, ok := statuses[ref]
	if !ok || len(s) == 0 {
		t.Fatalf("no notifications for order %d", ref)
	}
	return s[len(s)-1]
}

func execPrice(t *testing.T, b *BacktestBroker, ref int) float64 {
	t.Helper()
	for _, o := range b.GetOrderHistory() {
		if o.Ref == ref {
			return o.Executed.Price
		}
	}
	t.Fatalf("order %d not in history", ref)
	return 0
}

func TestMarketBuyFillsAtNextOpen(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, err := b.Buy(OrderRequest{Owner: "strat", Symbol: "NIFTY", Size: 10})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	step(b, feed)

	if !almostEqual(b.GetCash(), 9000.0) {
		t.Errorf("expected cash 9000, got %v", b.GetCash())
	}
	pos := b.GetPosition("NIFTY")
	if pos.Size != 10 || !almostEqual(pos.Price, 100.0) {
		t.Errorf("expected position 10@100, got %v@%v", pos.Size, pos.Price)
	}

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got)
	}
}

func TestMarketSellRealizesPnl(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
		bar(3, 110, 112, 108, 111),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)
	drainStatuses(b)

	sell, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	if !almostEqual(b.GetCash(), 10100.0) {
		t.Errorf("expected cash 10100, got %v", b.GetCash())
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("expected flat position, got %v", pos.Size)
	}

	var fill *Order
	for {
		o, ok := b.GetNotification()
		if !ok {
			break
		}
		if o.Ref == sell.Ref && o.Status == StatusCompleted {
			fill = o
		}
	}
	if fill == nil {
		t.Fatal("sell never completed")
	}
	if !almostEqual(fill.Executed.PnL, 100.0) {
		t.Errorf("expected realized pnl 100, got %v", fill.Executed.PnL)
	}
}

func TestLimitBuyFillsAtLimit(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 94, 96),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 95.0})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); !almostEqual(pos.Price, 95.0) {
		t.Errorf("limit below the open fills at the limit, got %v", pos.Price)
	}
}

func TestLimitBuyGapOpenFillsAtOpen(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 97, 102, 96, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 105.0})
	step(b, feed)

	if pos := b.GetPosition("NIFTY"); !almostEqual(pos.Price, 97.0) {
		t.Errorf("limit above the open fills at the better open, got %v", pos.Price)
	}
}

func TestStopBuyGapAndIntrabar(t *testing.T) {
	t.Run("gap open", func(t *testing.T) {
		bars := []models.Candle{
			bar(1, 99, 101, 98, 100),
			bar(2, 108, 110, 107, 109),
		}
		b, feed := newTestBroker(DefaultBrokerConfig(), bars)

		step(b, feed)
		b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStop, Price: 105.0})
		step(b, feed)

		if pos := b.GetPosition("NIFTY"); !almostEqual(pos.Price, 108.0) {
			t.Errorf("gap open through the stop fills at the open, got %v", pos.Price)
		}
	})

	t.Run("intrabar", func(t *testing.T) {
		bars := []models.Candle{
			bar(1, 99, 101, 98, 100),
			bar(2, 100, 107, 99, 104),
		}
		b, feed := newTestBroker(DefaultBrokerConfig(), bars)

		step(b, feed)
		b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStop, Price: 105.0})
		step(b, feed)

		if pos := b.GetPosition("NIFTY"); !almostEqual(pos.Price, 105.0) {
			t.Errorf("intrabar trigger fills at the stop level, got %v", pos.Price)
		}
	})
}

func TestStopTrailRatchet(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 101, 111, 100, 110), // close 110 -> trigger follows to 100
		bar(3, 109, 112, 101, 105), // low 101 > 100, no trigger
		bar(4, 103, 104, 98, 99),   // low 98 <= 100, triggers
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	// protective trail sell 10 below the close
	o, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStopTrail, TrailAmount: 10.0})
	if !almostEqual(o.Created.Price, 100.0) {
		t.Fatalf("initial trigger expected 100, got %v", o.Created.Price)
	}

	step(b, feed)
	if pos := b.GetPosition("NIFTY"); pos.Size != 10 {
		t.Fatalf("trail must not trigger on bar 3, position %v", pos.Size)
	}

	step(b, feed)
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("trail must trigger on bar 4, position %v", pos.Size)
	}
}

func TestStopLimitSameBarBranches(t *testing.T) {
	cases := []struct {
		name   string
		side   models.OrderSide
		pstop  float64
		plimit float64
		trial  models.Candle
		want   float64
	}{
		{"buy up-bar limit above stop", models.OrderSideBuy,
			105, 106, bar(2, 100, 110, 99, 108), 105},
		{"buy up-bar limit between close and stop", models.OrderSideBuy,
			105, 104, bar(2, 100, 110, 99, 103), 104},
		{"buy down-bar limit reached", models.OrderSideBuy,
			107, 103, bar(2, 106, 110, 99, 100), 103},
		{"sell down-bar limit below stop", models.OrderSideSell,
			95, 94, bar(2, 100, 101, 93, 96), 95},
		{"sell up-bar limit above stop", models.OrderSideSell,
			95, 98, bar(2, 100, 102, 93, 101), 98},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bars := []models.Candle{bar(1, 99, 101, 98, 100), tc.trial}
			b, feed := newTestBroker(DefaultBrokerConfig(), bars)

			step(b, feed)
			req := OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStopLimit,
				Price: tc.pstop, PriceLimit: tc.plimit}
			var o *Order
			if tc.side == models.OrderSideBuy {
				o, _ = b.Buy(req)
			} else {
				o, _ = b.Sell(req)
			}
			step(b, feed)

			statuses := drainStatuses(b)
			if got := lastStatus(t, statuses, o.Ref); got != StatusCompleted {
				t.Fatalf("expected COMPLETED, got %s", got)
			}
			if got := execPrice(t, b, o.Ref); !almostEqual(got, tc.want) {
				t.Errorf("expected fill at %v, got %v", tc.want, got)
			}
		})
	}
}

func TestStopLimitTriggerLatchCarriesToNextBar(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 106, 110, 104, 105), // triggers, limit 103 below the low
		bar(3, 102, 104, 101, 103), // plain limit behavior, fills at the open
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStopLimit,
		Price: 107.0, PriceLimit: 103.0})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got == StatusCompleted {
		t.Fatal("limit below the bar low must not fill on the trigger bar")
	}

	step(b, feed)
	statuses = drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusCompleted {
		t.Fatalf("expected COMPLETED on the next bar, got %s", got)
	}
	if got := execPrice(t, b, o.Ref); !almostEqual(got, 102.0) {
		t.Errorf("triggered order must fill as a limit at the open 102, got %v", got)
	}
}

func TestStopTrailLimitRatchetsThenFillsAtStop(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 112, 98, 110),
		bar(2, 112, 116, 111, 115), // no trigger, trail follows to 105
		bar(3, 106, 107, 103, 104), // low 103 <= 105 triggers
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStopTrailLimit,
		TrailAmount: 10.0})
	if !almostEqual(o.Created.Price, 100.0) || !almostEqual(o.Created.PriceLimit, 100.0) {
		t.Fatalf("initial trigger and limit expected 100, got %v / %v",
			o.Created.Price, o.Created.PriceLimit)
	}

	step(b, feed)
	if !almostEqual(o.Created.Price, 105.0) {
		t.Fatalf("trail expected to follow the close to 105, got %v", o.Created.Price)
	}

	step(b, feed)
	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	if got := execPrice(t, b, o.Ref); !almostEqual(got, 105.0) {
		t.Errorf("limit below the ratcheted stop fills at the stop 105, got %v", got)
	}
}

func TestCheatOnOpenFillsOnDecisionBar(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
	}
	cfg := DefaultBrokerConfig()
	cfg.CheatOnOpen = true
	b, feed := newTestBroker(cfg, bars)

	feed.advance()
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	b.Next()

	pos := b.GetPosition("NIFTY")
	if pos.Size != 10 || !almostEqual(pos.Price, 99.0) {
		t.Errorf("cheat-on-open fills the decision bar at its open, got %v @ %v",
			pos.Size, pos.Price)
	}
	if !almostEqual(b.GetCash(), 10000.0-990.0) {
		t.Errorf("expected cash 9010, got %v", b.GetCash())
	}
}

func TestEOSBarFillsAtSessionEndClose(t *testing.T) {
	eos := bar(2, 106, 108, 105, 107)
	eos.Timestamp = eos.SessionEnd()
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
		eos,
	}
	cfg := DefaultBrokerConfig()
	cfg.EOSBar = true
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	sell, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecClose})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, sell.Ref); got != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	if got := execPrice(t, b, sell.Ref); !almostEqual(got, 107.0) {
		t.Errorf("session-end bar must fill at its own close 107, got %v", got)
	}
}

func TestInterestFoldsIntoClosingCommission(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 100),
		bar(3, 100, 102, 99, 100),
		bar(4, 100, 102, 99, 100),
	}
	cfg := DefaultBrokerConfig()
	cfg.Int2PnL = true
	b, feed := newTestBroker(cfg, bars)
	b.SetCommission("NIFTY", NewCommissionInfo(CommissionConfig{InterestRate: 0.365}))

	step(b, feed)
	b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	step(b, feed)
	cover, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	// two days short 10 @ 100 at 0.1% daily, reported on the close
	for _, o := range b.GetOrderHistory() {
		if o.Ref == cover.Ref && !almostEqual(o.Executed.Comm, 2.0) {
			t.Errorf("expected accrued interest 2.0 in the closing commission, got %v",
				o.Executed.Comm)
		}
	}
	// interest left cash exactly once, not again through the commission
	if !almostEqual(b.GetCash(), 9998.0) {
		t.Errorf("expected cash 9998, got %v", b.GetCash())
	}
}

func TestOrderExpiry(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
		bar(3, 101, 103, 100, 102),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 90.0, Valid: day(2)})
	step(b, feed)
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusExpired {
		t.Errorf("expected EXPIRED, got %s", got)
	}
	if b.Cancel(o.Ref) {
		t.Error("an expired order must not be cancelable")
	}
}

func TestInsufficientCashGoesToMargin(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
	}
	cfg := DefaultBrokerConfig()
	cfg.Cash = 500.0
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusMargin {
		t.Errorf("expected MARGIN, got %s", got)
	}
	if !almostEqual(b.GetCash(), 500.0) {
		t.Errorf("cash must be untouched, got %v", b.GetCash())
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("no position effect expected, got %v", pos.Size)
	}
}

func TestOpenedLegNullifiedAtFillTime(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
	}
	cfg := DefaultBrokerConfig()
	cfg.Cash = 500.0
	cfg.CheckSubmit = false
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusMargin {
		t.Errorf("expected MARGIN at fill time, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("nullified opening leg must leave no position, got %v", pos.Size)
	}
}

func TestClosingTradeNeverBlocked(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
		bar(3, 101, 104, 100, 103),
	}
	cfg := DefaultBrokerConfig()
	cfg.Cash = 1001.0
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	// nearly all cash locked in the position; the close must still pass
	sell, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, sell.Ref); got != StatusCompleted {
		t.Errorf("closing order must execute, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("expected flat position, got %v", pos.Size)
	}
}

func TestCancelRemovesAndReports(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 90.0})
	step(b, feed)
	drainStatuses(b)

	if !b.Cancel(o.Ref) {
		t.Fatal("cancel of a live order must succeed")
	}
	if b.Cancel(o.Ref) {
		t.Error("second cancel must report false")
	}
	if open := b.GetOrdersOpen(); len(open) != 0 {
		t.Errorf("expected no open orders, got %d", len(open))
	}
}

func TestOCOCancelCascades(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o1, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 90.0})
	o2, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 85.0, OCO: o1.Ref})
	step(b, feed)
	drainStatuses(b)

	b.Cancel(o1.Ref)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o2.Ref); got != StatusCanceled {
		t.Errorf("oco peer must be canceled, got %s", got)
	}
}

func TestOCOFillCancelsPeer(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 94, 96),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o1, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 95.0})
	o2, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 85.0, OCO: o1.Ref})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o1.Ref); got != StatusCompleted {
		t.Fatalf("expected o1 COMPLETED, got %s", got)
	}
	if got := lastStatus(t, statuses, o2.Ref); got != StatusCanceled {
		t.Errorf("filled member must cancel its oco peer, got %s", got)
	}
}

func TestOCOCancelDoesNotDisturbMatchingPass(t *testing.T) {
	// a mid-pass cascade cancellation shrinks the queue; the order behind
	// the canceled peer must still be matched exactly once this bar
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 94, 96),
		bar(3, 96, 99, 95, 98),
	}
	cfg := DefaultBrokerConfig()
	cfg.Filler = FixedSizeFiller(6)
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	o1, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 5, ExecType: ExecLimit, Price: 95.0})
	o2, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 5, ExecType: ExecLimit, Price: 85.0, OCO: o1.Ref})
	o3, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 99.0})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o1.Ref); got != StatusCompleted {
		t.Fatalf("expected o1 COMPLETED, got %s", got)
	}
	if got := lastStatus(t, statuses, o2.Ref); got != StatusCanceled {
		t.Fatalf("filled member must cancel its oco peer, got %s", got)
	}
	if got := lastStatus(t, statuses, o3.Ref); got != StatusPartial {
		t.Fatalf("expected o3 PARTIAL after one capped fill, got %s", got)
	}

	step(b, feed)
	statuses = drainStatuses(b)
	if got := lastStatus(t, statuses, o3.Ref); got != StatusCompleted {
		t.Errorf("expected o3 COMPLETED on the next bar, got %s", got)
	}
}

func TestBracketChain(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),  // parent fills at open
		bar(3, 110, 125, 108, 120), // take-profit limit 120 fills
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	parent, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, DeferTransmit: true})
	stop, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStop, Price: 90.0,
		Parent: parent.Ref, DeferTransmit: true})
	take, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 120.0,
		Parent: parent.Ref})

	step(b, feed)
	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, parent.Ref); got != StatusCompleted {
		t.Fatalf("parent must fill first, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 10 {
		t.Fatalf("expected long 10 after the parent fill, got %v", pos.Size)
	}

	step(b, feed)
	statuses = drainStatuses(b)
	if got := lastStatus(t, statuses, take.Ref); got != StatusCompleted {
		t.Errorf("take-profit must fill on bar 3, got %s", got)
	}
	if got := lastStatus(t, statuses, stop.Ref); got != StatusCanceled {
		t.Errorf("the sibling must be canceled by the child fill, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("expected flat after the take-profit, got %v", pos.Size)
	}
}

func TestBracketChildrenInactiveBeforeParentFill(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 85, 102), // low would trigger the stop if it were active
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	parent, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 80.0,
		DeferTransmit: true})
	stop, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStop, Price: 90.0,
		Parent: parent.Ref})
	step(b, feed)

	statuses := drainStatuses(b)
	if s, ok := statuses[stop.Ref]; ok {
		for _, st := range s {
			if st == StatusCompleted || st == StatusPartial {
				t.Fatal("inactive bracket child must not execute")
			}
		}
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 0 {
		t.Errorf("no fill expected, got position %v", pos.Size)
	}
}

func TestBracketParentCancelCascades(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	parent, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 80.0,
		DeferTransmit: true})
	stop, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStop, Price: 70.0,
		Parent: parent.Ref})
	step(b, feed)
	drainStatuses(b)

	b.Cancel(parent.Ref)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, stop.Ref); got != StatusCanceled {
		t.Errorf("canceling the parent must cancel its children, got %s", got)
	}
}

func TestMissingParentRejectsImmediately(t *testing.T) {
	bars := []models.Candle{bar(1, 99, 101, 98, 100)}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecStop, Price: 90.0, Parent: 999})

	if o.Status != StatusRejected {
		t.Errorf("expected REJECTED, got %s", o.Status)
	}
}

func TestCheatOnCloseFillsAtCreationClose(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 107, 109, 106, 108),
	}
	cfg := DefaultBrokerConfig()
	cfg.CheatOnClose = true
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	pos := b.GetPosition("NIFTY")
	if !almostEqual(pos.Price, 100.0) {
		t.Errorf("cheat-on-close fills at the creation close, got %v", pos.Price)
	}
}

func TestCloseOrderUsesSessionClose(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 104, 106, 103, 105),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	o, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecClose})
	if o.Alive() {
		// close fills once the session boundary has passed; with daily
		// bars this run ends before the next bar, so just verify staging
		if len(b.GetOrdersOpen()) == 0 {
			t.Error("close order should remain open until the session ends")
		}
	}
}

func TestCloseOrderAnnotatedFill(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 104, 106, 103, 105),
		bar(3, 110, 112, 108, 111),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	sell, _ := b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecClose})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, sell.Ref); got != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	// created on bar 2, session ends that day, bar 3 applies bar 2's close
	hist := b.GetOrderHistory()
	for _, o := range hist {
		if o.Ref == sell.Ref && !almostEqual(o.Executed.Price, 105.0) {
			t.Errorf("close must fill at the prior session close 105, got %v", o.Executed.Price)
		}
	}
}

func TestSlippagePercOnMarket(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
	}
	cfg := DefaultBrokerConfig()
	cfg.Slippage = SlippageConfig{Perc: 0.01, Open: true, Match: true}
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	pos := b.GetPosition("NIFTY")
	if !almostEqual(pos.Price, 101.0) {
		t.Errorf("expected 1%% slip on the open (101), got %v", pos.Price)
	}
}

func TestSlippageMatchCapsAtHigh(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 100.5, 99, 100.2),
	}
	cfg := DefaultBrokerConfig()
	cfg.Slippage = SlippageConfig{Perc: 0.05, Open: true, Match: true}
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	pos := b.GetPosition("NIFTY")
	if !almostEqual(pos.Price, 100.5) {
		t.Errorf("slipped price must cap at the high, got %v", pos.Price)
	}
}

func TestSlippageMatchSuppressesOut(t *testing.T) {
	// with the match cap on, an uncapped limit execution skips the fill;
	// Out must not resurrect the out-of-range price
	s := SlippageConfig{Perc: 0.01, Match: true, Out: true}

	if p, ok := s.slipUp(99.5, 99, true, true); ok {
		t.Errorf("expected the fill skipped, got price %v", p)
	}
	if p, ok := s.slipDown(99.5, 100, true, true); ok {
		t.Errorf("expected the sell fill skipped, got price %v", p)
	}

	// without the cap, Out keeps the out-of-range price
	s.Match = false
	if p, ok := s.slipUp(99.5, 99, true, true); !ok || !almostEqual(p, 99.99) {
		t.Errorf("expected out-of-range price 99.99, got %v ok=%v", p, ok)
	}
}

func TestVolumeFillerPartialFills(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
		bar(3, 101, 104, 100, 103),
	}
	cfg := DefaultBrokerConfig()
	cfg.Filler = FixedSizeFiller(6)
	b, feed := newTestBroker(cfg, bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	statuses := drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusPartial {
		t.Fatalf("expected PARTIAL after the capped fill, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 6 {
		t.Fatalf("expected 6 filled, got %v", pos.Size)
	}

	step(b, feed)
	statuses = drainStatuses(b)
	if got := lastStatus(t, statuses, o.Ref); got != StatusCompleted {
		t.Errorf("expected COMPLETED after the remainder fills, got %s", got)
	}
	if pos := b.GetPosition("NIFTY"); pos.Size != 10 {
		t.Errorf("expected 10 filled in total, got %v", pos.Size)
	}
}

func TestAddCashDeferred(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.AddCash(5000.0)
	if !almostEqual(b.GetCash(), 10000.0) {
		t.Errorf("cash additions apply at the next valuation, got %v", b.GetCash())
	}

	step(b, feed)
	if !almostEqual(b.GetCash(), 15000.0) {
		t.Errorf("expected 15000 after the injection, got %v", b.GetCash())
	}
}

func TestNotificationsAreClones(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	o, _ := b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10, ExecType: ExecLimit, Price: 90.0})
	step(b, feed)

	n, ok := b.GetNotification()
	if !ok {
		t.Fatal("expected a notification")
	}
	n.Status = StatusRejected
	n.Executed.Size = 999

	if open := b.GetOrdersOpen(); len(open) != 1 || open[0].Ref != o.Ref {
		t.Fatal("broker state must be unaffected by notification mutation")
	}
	if open := b.GetOrdersOpen(); open[0].Status == StatusRejected {
		t.Error("mutating a notification leaked into broker state")
	}
}

func TestOrderHistoryReplay(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	err := b.SetOrderHistory([]HistOrder{
		{Symbol: "NIFTY", Dt: day(2), Size: 5, Price: 100.5},
	})
	if err != nil {
		t.Fatalf("set order history: %v", err)
	}

	step(b, feed)
	step(b, feed)

	pos := b.GetPosition("NIFTY")
	if pos.Size != 5 || !almostEqual(pos.Price, 100.5) {
		t.Errorf("expected replayed position 5@100.5, got %v@%v", pos.Size, pos.Price)
	}
}

func TestOrderHistoryValidation(t *testing.T) {
	bars := []models.Candle{bar(1, 99, 101, 98, 100)}
	b, _ := newTestBroker(DefaultBrokerConfig(), bars)

	if err := b.SetOrderHistory([]HistOrder{{Symbol: "NIFTY", Dt: day(1), Size: 0, Price: 100}}); err == nil {
		t.Error("zero-size record must fail fast")
	}
	if err := b.SetOrderHistory([]HistOrder{{Symbol: "UNKNOWN", Dt: day(1), Size: 1, Price: 100}}); err == nil {
		t.Error("unknown symbol must fail fast")
	}
}

func TestFundHistoryValidation(t *testing.T) {
	bars := []models.Candle{bar(1, 99, 101, 98, 100)}
	b, _ := newTestBroker(DefaultBrokerConfig(), bars)

	if err := b.SetFundHistory(nil); err == nil {
		t.Error("empty fund history must fail fast")
	}
	recs := []FundRecord{
		{Dt: day(2), Share: 100, Value: 10000},
		{Dt: day(1), Share: 101, Value: 10100},
	}
	if err := b.SetFundHistory(recs); err == nil {
		t.Error("out-of-order fund history must fail fast")
	}
}

func TestFundModeAccounting(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 101),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	if !almostEqual(b.GetFundShares(), 100.0) {
		t.Fatalf("expected 10000/100=100 shares, got %v", b.GetFundShares())
	}

	step(b, feed)
	step(b, feed)

	if !almostEqual(b.GetFundValue()*b.GetFundShares(), b.GetValue()) {
		t.Errorf("share value times shares must equal total value: %v * %v != %v",
			b.GetFundValue(), b.GetFundShares(), b.GetValue())
	}
}

func TestCreditInterestAccrues(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 102, 99, 100),
		bar(3, 100, 102, 99, 100),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)
	b.SetCommission("NIFTY", NewCommissionInfo(CommissionConfig{InterestRate: 0.365}))

	step(b, feed)
	b.Sell(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)
	cashAfterFill := b.GetCash()

	step(b, feed)
	// one day short 10 @ ~100 at 0.1% daily
	expected := cashAfterFill - 0.001*10*100
	if !almostEqual(b.GetCash(), expected) {
		t.Errorf("expected interest-debited cash %v, got %v", expected, b.GetCash())
	}
}

func TestMarginInstrumentCashAdjust(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 102),
		bar(3, 104, 106, 103, 105),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)
	b.SetCommission("NIFTY", NewCommissionInfo(CommissionConfig{Margin: 500.0, Mult: 10.0}))

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 2})
	step(b, feed)

	// 2 contracts margined at 500 each, then marked from 100 (fill) to 102
	// (close) at mult 10: 10000 - 1000 + 2*2*10
	if !almostEqual(b.GetCash(), 9040.0) {
		t.Errorf("expected 9040 after the daily settlement, got %v", b.GetCash())
	}

	step(b, feed)
	// next close 105: +2*3*10
	if !almostEqual(b.GetCash(), 9100.0) {
		t.Errorf("expected 9100 after the second settlement, got %v", b.GetCash())
	}
}

func TestGetValueTracksPosition(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 99, 110),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	// cash 9000 + 10 @ 110
	if !almostEqual(b.GetValue(), 10100.0) {
		t.Errorf("expected portfolio value 10100, got %v", b.GetValue())
	}
	if !almostEqual(b.GetValue("NIFTY"), 1100.0) {
		t.Errorf("expected instrument value 1100, got %v", b.GetValue("NIFTY"))
	}
}

func TestGetValueLeverSingleSymbol(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 112, 99, 110),
	}
	b, feed := newTestBroker(DefaultBrokerConfig(), bars)
	b.SetCommission("NIFTY", NewCommissionInfo(CommissionConfig{Leverage: 2}))

	step(b, feed)
	b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
	step(b, feed)

	// 10 @ 100 at 2x reserves 500 of cash
	if !almostEqual(b.GetCash(), 9500.0) {
		t.Fatalf("expected cash 9500, got %v", b.GetCash())
	}

	// single symbol: committed cash at 2x plus unrealized pnl
	if !almostEqual(b.GetValueLever("NIFTY"), 600.0) {
		t.Errorf("expected committed value 600, got %v", b.GetValueLever("NIFTY"))
	}
	if !almostEqual(b.GetValueLever(), 10600.0) {
		t.Errorf("expected leveraged portfolio 10600, got %v", b.GetValueLever())
	}
	if !almostEqual(b.GetValue(), 10100.0) {
		t.Errorf("expected deleveraged portfolio 10100, got %v", b.GetValue())
	}
}

func TestDeterministicRun(t *testing.T) {
	bars := []models.Candle{
		bar(1, 99, 101, 98, 100),
		bar(2, 100, 103, 94, 102),
		bar(3, 104, 106, 96, 105),
		bar(4, 103, 108, 101, 107),
	}

	run := func() (float64, float64) {
		b, feed := newTestBroker(DefaultBrokerConfig(), bars)
		step(b, feed)
		b.Buy(OrderRequest{Symbol: "NIFTY", Size: 10})
		b.Buy(OrderRequest{Symbol: "NIFTY", Size: 5, ExecType: ExecLimit, Price: 95.0})
		step(b, feed)
		b.Sell(OrderRequest{Symbol: "NIFTY", Size: 8, ExecType: ExecStop, Price: 97.0})
		step(b, feed)
		step(b, feed)
		return b.GetCash(), b.GetValue()
	}

	c1, v1 := run()
	c2, v2 := run()
	if c1 != c2 || v1 != v2 {
		t.Errorf("runs diverged: cash %v vs %v, value %v vs %v", c1, c2, v1, v2)
	}
}
