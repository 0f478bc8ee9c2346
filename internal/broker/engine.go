package broker

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	simerrors "backsim/internal/errors"
	"backsim/internal/logging"
	"backsim/internal/models"
)

// BacktestBrokerConfig holds configuration for the simulated broker.
type BacktestBrokerConfig struct {
	// Cash is the starting cash.
	Cash float64

	// CheckSubmit stages submitted orders for a cash pre-check on the next
	// cycle before accepting them into the pending queue.
	CheckSubmit bool

	// EOSBar fills Close orders on the bar whose timestamp equals the end
	// of session. Without it, the first bar past the session end fills at
	// the previous bar's annotated close.
	EOSBar bool

	// ShortCash values positions as signed notional, so short positions
	// show negative value and increase cash when opened.
	ShortCash bool

	// Int2PnL folds accrued credit interest into the closing commission of
	// the position that generated it.
	Int2PnL bool

	// CheatOnClose fills Market orders at the close of their creation bar.
	CheatOnClose bool

	// CheatOnOpen allows Market orders placed before the matching pass to
	// fill at the open of the same bar.
	CheatOnOpen bool

	// FundStartVal is the initial value per fund share.
	FundStartVal float64

	Slippage SlippageConfig
	Filler   Filler
}

// DefaultBrokerConfig returns the configuration used unless overridden:
// 10000 starting cash, submission checking on, short positions tracked as
// negative cash value, no slippage.
func DefaultBrokerConfig() BacktestBrokerConfig {
	return BacktestBrokerConfig{
		Cash:         10000.0,
		CheckSubmit:  true,
		ShortCash:    true,
		FundStartVal: 100.0,
	}
}

// BacktestBroker implements the Broker interface against historical bars.
// It is single-threaded and deterministic: exactly one matching pass runs
// per bar, inside Next, strictly after the bar sources advance.
type BacktestBroker struct {
	cfg BacktestBrokerConfig
	log zerolog.Logger

	mu sync.RWMutex

	cash         float64
	startingCash float64

	// valuation snapshot, refreshed at the end of every Next
	value      float64
	valueMkt   float64
	valueLever float64
	unrealized float64
	leverage   float64

	fundVal    float64
	fundShares float64

	datas   []BarSource
	dataIdx map[string]int

	positions   map[string]*Position
	comminfo    map[string]*CommissionInfo
	defaultComm *CommissionInfo

	// Order arena: every order ever created, indexed by ref. Relationships
	// are integer refs into this arena, never pointers, so bracket/OCO
	// graphs cannot form ownership cycles.
	orders    map[int]*Order
	orderRefs []int
	nextRef   int

	pending   []int
	submitted []int

	pchildren  map[int][]int // bracket chain: parent ref -> member refs
	ocos       map[int]int   // member ref -> group leader ref
	ocol       map[int][]int // group leader ref -> member refs
	toActivate []int

	notifs []*Order

	cashAdditions []float64

	userHist    []HistOrder
	histApplied []bool

	fundHist    []FundRecord
	fundHistIdx int

	dCredit      map[string]float64
	lastInterest map[string]time.Time
}

// Compile-time interface check.
var _ Broker = (*BacktestBroker)(nil)

// NewBacktestBroker creates a simulated broker with the given configuration.
func NewBacktestBroker(cfg BacktestBrokerConfig, logger zerolog.Logger) *BacktestBroker {
	if cfg.Cash == 0 {
		cfg.Cash = DefaultBrokerConfig().Cash
	}
	if cfg.FundStartVal == 0 {
		cfg.FundStartVal = DefaultBrokerConfig().FundStartVal
	}

	b := &BacktestBroker{
		cfg:          cfg,
		log:          logger,
		cash:         cfg.Cash,
		startingCash: cfg.Cash,
		value:        cfg.Cash,
		fundVal:      cfg.FundStartVal,
		fundShares:   cfg.Cash / cfg.FundStartVal,
		dataIdx:      make(map[string]int),
		positions:    make(map[string]*Position),
		comminfo:     make(map[string]*CommissionInfo),
		defaultComm:  NewCommissionInfo(CommissionConfig{}),
		orders:       make(map[int]*Order),
		pchildren:    make(map[int][]int),
		ocos:         make(map[int]int),
		ocol:         make(map[int][]int),
		dCredit:      make(map[string]float64),
		lastInterest: make(map[string]time.Time),
	}
	return b
}

// AddData registers a bar source. Registration order fixes the iteration
// order of all per-bar bookkeeping, keeping runs deterministic.
func (b *BacktestBroker) AddData(src BarSource) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.dataIdx[src.Symbol()]; ok {
		return
	}
	b.dataIdx[src.Symbol()] = len(b.datas)
	b.datas = append(b.datas, src)
}

// SetCommission installs a commission schema for one symbol.
func (b *BacktestBroker) SetCommission(symbol string, comminfo *CommissionInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comminfo[symbol] = comminfo
}

// SetDefaultCommission installs the process-wide fallback schema.
func (b *BacktestBroker) SetDefaultCommission(comminfo *CommissionInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaultComm = comminfo
}

// GetCommissionInfo resolves the commission schema for a symbol.
func (b *BacktestBroker) GetCommissionInfo(symbol string) *CommissionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.commissionInfo(symbol)
}

func (b *BacktestBroker) commissionInfo(symbol string) *CommissionInfo {
	if ci, ok := b.comminfo[symbol]; ok {
		return ci
	}
	return b.defaultComm
}

// AddCash schedules a cash injection (or withdrawal, if negative). The
// amount is folded in at the next valuation, keeping fund shares consistent.
func (b *BacktestBroker) AddCash(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cashAdditions = append(b.cashAdditions, amount)
}

// SetOrderHistory installs externally scheduled order records, replayed as
// Historical orders when their bar arrives. Fails fast on malformed records.
func (b *BacktestBroker) SetOrderHistory(records []HistOrder) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range records {
		if r.Size == 0 || r.Price <= 0 || r.Dt.IsZero() {
			return simerrors.Wrapf(simerrors.ErrOrderHistInvalid, "record %d (%s)", i, r.Symbol)
		}
		if _, ok := b.dataIdx[r.Symbol]; !ok {
			return simerrors.NewDataError("order_history", r.Symbol, "unknown symbol", simerrors.ErrSymbolNotFound)
		}
	}

	b.userHist = append([]HistOrder(nil), records...)
	sort.SliceStable(b.userHist, func(i, j int) bool {
		return b.userHist[i].Dt.Before(b.userHist[j].Dt)
	})
	b.histApplied = make([]bool, len(b.userHist))
	return nil
}

// SetFundHistory installs an external fund value series; valuation then
// defers to it instead of computing value from positions. Fails fast on
// malformed records.
func (b *BacktestBroker) SetFundHistory(records []FundRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := time.Time{}
	for i, r := range records {
		if r.Share <= 0 || r.Value <= 0 || r.Dt.IsZero() || r.Dt.Before(last) {
			return simerrors.Wrapf(simerrors.ErrFundHistInvalid, "record %d", i)
		}
		last = r.Dt
	}
	if len(records) == 0 {
		return simerrors.Wrap(simerrors.ErrFundHistInvalid, "empty fund history")
	}

	b.fundHist = append([]FundRecord(nil), records...)
	b.fundHistIdx = 0
	return nil
}

// Buy submits a buy order and returns it. Admission failures surface as
// status changes through the notification stream, not as errors; an error
// only signals a malformed request.
func (b *BacktestBroker) Buy(req OrderRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitRequest(req, models.OrderSideBuy)
}

// Sell submits a sell order and returns it.
func (b *BacktestBroker) Sell(req OrderRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitRequest(req, models.OrderSideSell)
}

func (b *BacktestBroker) submitRequest(req OrderRequest, side models.OrderSide) (*Order, error) {
	if req.Size <= 0 {
		return nil, simerrors.NewValidationError("size", req.Size, "must be positive")
	}
	idx, ok := b.dataIdx[req.Symbol]
	if !ok {
		return nil, simerrors.NewDataError("order", req.Symbol, "no bar source registered", simerrors.ErrSymbolNotFound)
	}

	o := b.newOrder(req, side, b.datas[idx])

	// A missing or dead parent rejects the child immediately; the parent
	// may have been rejected in an earlier cycle.
	if o.Parent != 0 {
		parent, ok := b.orders[o.Parent]
		if !ok || !parent.Alive() {
			o.Reject("parent not available")
			b.notify(o)
			return o, nil
		}
	}

	if o.OCO != 0 {
		peer, ok := b.orders[o.OCO]
		if !ok || !peer.Alive() {
			o.Reject("oco peer not available")
			b.notify(o)
			return o, nil
		}
	}
	b.ocoize(o)

	pref := o.Ref
	if o.Parent != 0 {
		pref = o.Parent
	}
	b.pchildren[pref] = append(b.pchildren[pref], o.Ref)

	// transmit flushes the whole chain; otherwise the order is held until
	// the transmitting member of its bracket arrives.
	if o.Transmit {
		for _, ref := range b.pchildren[pref] {
			x := b.orders[ref]
			if x.Status == StatusCreated {
				b.submitOrder(x)
			}
		}
	}

	return o, nil
}

func (b *BacktestBroker) newOrder(req OrderRequest, side models.OrderSide, src BarSource) *Order {
	size := req.Size
	if side == models.OrderSideSell {
		size = -size
	}

	execType := req.ExecType
	if execType == "" {
		execType = ExecMarket
	}

	var dt, dtEOS time.Time
	var pclose float64
	if c, ok := src.Current(); ok {
		dt = c.Timestamp
		pclose = c.Close
		dtEOS = c.SessionEnd()
	}

	price := req.Price
	priceLimit := req.PriceLimit
	switch execType {
	case ExecMarket, ExecClose:
		if price == 0 {
			price = pclose
		}
	case ExecStopLimit:
		if priceLimit == 0 {
			priceLimit = price
		}
	case ExecStopTrail, ExecStopTrailLimit:
		base := price
		if base == 0 {
			base = pclose
		}
		delta := req.TrailAmount
		if req.TrailPercent != 0 {
			delta = base * req.TrailPercent
		}
		if side == models.OrderSideBuy {
			price = base + delta
		} else {
			price = base - delta
		}
		if execType == ExecStopTrailLimit && priceLimit == 0 {
			priceLimit = price
		}
	}

	b.nextRef++
	o := &Order{
		Ref:      b.nextRef,
		Owner:    req.Owner,
		Symbol:   req.Symbol,
		Side:     side,
		Size:     size,
		ExecType: execType,
		Status:   StatusCreated,
		Created: OrderData{
			Dt:           dt,
			Size:         size,
			Price:        price,
			PriceLimit:   priceLimit,
			PClose:       pclose,
			TrailAmount:  req.TrailAmount,
			TrailPercent: req.TrailPercent,
		},
		Executed: Execution{RemSize: size},
		Valid:    req.Valid,
		TradeID:  req.TradeID,
		Parent:   req.Parent,
		OCO:      req.OCO,
		Transmit: !req.DeferTransmit,
		active:   req.Parent == 0,
		dtEOS:    dtEOS,
	}

	b.orders[o.Ref] = o
	b.orderRefs = append(b.orderRefs, o.Ref)
	return o
}

func (b *BacktestBroker) ocoize(o *Order) {
	if o.OCO != 0 {
		leader, ok := b.ocos[o.OCO]
		if !ok {
			leader = o.OCO
			b.ocos[o.OCO] = leader
			b.ocol[leader] = append(b.ocol[leader], o.OCO)
		}
		b.ocos[o.Ref] = leader
		b.ocol[leader] = append(b.ocol[leader], o.Ref)
	}
}

func (b *BacktestBroker) submitOrder(o *Order) {
	o.Submit()
	if b.cfg.CheckSubmit {
		b.submitted = append(b.submitted, o.Ref)
		b.notify(o)
		return
	}
	b.submitAccept(o)
}

func (b *BacktestBroker) submitAccept(o *Order) {
	o.Submit()
	o.Accept()
	b.pending = append(b.pending, o.Ref)
	b.notify(o)
}

// checkSubmitted pseudo-executes every staged order at its reference price
// against a cloned position; orders keeping the projected cash non-negative
// are accepted, the rest go to Margin and cascade to their peers. The
// projected cash carries across the whole batch.
func (b *BacktestBroker) checkSubmitted() {
	cash := b.cash
	poscache := make(map[string]*Position)

	subs := b.submitted
	b.submitted = nil

	for _, ref := range subs {
		o := b.orders[ref]
		if !o.Alive() {
			continue
		}
		if o.Parent != 0 {
			if _, ok := b.pchildren[o.Parent]; !ok {
				o.Reject("parent not available")
				b.notify(o)
				continue
			}
		}

		pos, ok := poscache[o.Symbol]
		if !ok {
			pos = b.position(o.Symbol).Clone()
			poscache[o.Symbol] = pos
		}

		var bar models.Candle
		if src, ok := b.data(o.Symbol); ok {
			bar, _ = src.Current()
		}

		cash = b.execute(o, 0, true, cash, pos, bar, time.Time{})
		if cash >= 0.0 {
			b.submitAccept(o)
			continue
		}

		o.ToMargin()
		b.notify(o)
		b.ococheck(o)
		b.bracketize(o, true)
	}
}

// Cancel cancels a live order and cascades to its OCO and bracket peers
// within the same call. It reports whether anything was canceled.
func (b *BacktestBroker) Cancel(ref int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[ref]
	if !ok || !o.Alive() {
		return false
	}
	return b.cancelOrder(o, false)
}

func (b *BacktestBroker) cancelOrder(o *Order, bracket bool) bool {
	b.removePending(o.Ref)
	if !o.Alive() {
		return false
	}

	o.Cancel()
	b.notify(o)
	b.ococheck(o)
	if !bracket {
		b.bracketize(o, true)
	}
	return true
}

// ococheck cancels all live peers of a terminally-resolved group member.
func (b *BacktestBroker) ococheck(o *Order) {
	if o.Alive() {
		return
	}
	leader, ok := b.ocos[o.Ref]
	if !ok {
		return
	}
	for _, ref := range b.ocol[leader] {
		if ref == o.Ref {
			continue
		}
		if peer := b.orders[ref]; peer.Alive() {
			b.cancelOrder(peer, true)
		}
	}
}

// bracketize resolves a bracket chain: a canceled/failed member or an
// executed child cancels the remaining members; a completed parent promotes
// its children for the next cycle.
func (b *BacktestBroker) bracketize(o *Order, cancel bool) {
	pref := o.Parent
	if pref == 0 {
		pref = o.Ref
	}
	parent := pref == o.Ref

	pc, ok := b.pchildren[pref]
	if !ok {
		return
	}

	if cancel || !parent {
		delete(b.pchildren, pref)
		for _, ref := range pc {
			if ref == o.Ref {
				continue
			}
			if x := b.orders[ref]; x.Alive() {
				b.cancelOrder(x, true)
			}
		}
		return
	}

	// Parent filled: children become active on the next cycle, and the
	// remaining chain entry keeps only them so a child fill cancels its
	// sibling.
	b.pchildren[pref] = pc[1:]
	for _, ref := range pc[1:] {
		b.toActivate = append(b.toActivate, ref)
	}
}

// Next runs one full matching pass. It must be called exactly once per bar,
// after the bar sources advance and before the strategy's decision logic.
func (b *BacktestBroker) Next() {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 1. promote bracket children activated by a sibling fill
	for _, ref := range b.toActivate {
		b.orders[ref].Activate()
	}
	b.toActivate = nil

	// 2. staging pre-check
	if b.cfg.CheckSubmit {
		b.checkSubmitted()
	}

	// 3. credit interest on open positions
	b.accrueInterest()

	// 4. externally scheduled historical orders due this bar
	b.processOrderHistory()

	// 5. single pass over the current-bar queue. Survivors and orders
	// enqueued mid-pass go to b.pending and wait for the next bar, and a
	// cascade cancellation can pull an already-requeued ref back out of
	// it without disturbing this pass.
	current := b.pending
	b.pending = nil
	for _, ref := range current {
		o := b.orders[ref]
		if !o.Alive() {
			continue
		}

		src, ok := b.data(o.Symbol)
		if !ok {
			continue
		}
		bar, ok := src.Current()
		if !ok {
			b.pending = append(b.pending, ref)
			continue
		}

		if o.Expire(bar.Timestamp) {
			b.notify(o)
			b.ococheck(o)
			b.bracketize(o, true)
			continue
		}

		if !o.Active() {
			b.pending = append(b.pending, ref)
			continue
		}

		b.tryExec(o, src, bar)

		if o.Alive() {
			b.pending = append(b.pending, ref)
		} else if o.Status == StatusCompleted {
			b.bracketize(o, false)
		}
	}

	// 6. mark open margin-mode positions to the close
	for _, src := range b.datas {
		bar, ok := src.Current()
		if !ok {
			continue
		}
		pos := b.position(src.Symbol())
		if pos.Size == 0 {
			continue
		}
		ci := b.commissionInfo(src.Symbol())
		b.cash += ci.CashAdjust(pos.Size, pos.AdjBase, bar.Close)
		pos.AdjBase = bar.Close
	}

	// 7. refresh the valuation snapshot
	b.computeValue(nil, false)
}

func (b *BacktestBroker) accrueInterest() {
	for _, src := range b.datas {
		bar, ok := src.Current()
		if !ok {
			continue
		}
		sym := src.Symbol()
		pos := b.position(sym)
		last := b.lastInterest[sym]
		b.lastInterest[sym] = bar.Timestamp

		if pos.Size == 0 || last.IsZero() {
			continue
		}

		days := bar.Timestamp.Sub(last).Hours() / 24.0
		credit := b.commissionInfo(sym).CreditInterest(pos.Size, bar.Close, days)
		if credit != 0 {
			b.dCredit[sym] += credit
			b.cash -= credit
		}
	}
}

func (b *BacktestBroker) processOrderHistory() {
	for i, rec := range b.userHist {
		if b.histApplied[i] {
			continue
		}
		src, ok := b.data(rec.Symbol)
		if !ok {
			continue
		}
		bar, ok := src.Current()
		if !ok || bar.Timestamp.Before(rec.Dt) {
			continue
		}
		b.histApplied[i] = true

		side := models.OrderSideBuy
		if rec.Size < 0 {
			side = models.OrderSideSell
		}
		o := b.newOrder(OrderRequest{
			Owner:    "history",
			Symbol:   rec.Symbol,
			Size:     math.Abs(rec.Size),
			Price:    rec.Price,
			ExecType: ExecHistorical,
		}, side, src)
		b.submitAccept(o)
	}
}

// tryExec offers an order to the execution trial for the current bar, using
// tick-level overrides when the source carries them.
func (b *BacktestBroker) tryExec(o *Order, src BarSource, bar models.Candle) {
	popen, phigh, plow, pclose := bar.Open, bar.High, bar.Low, bar.Close
	if t, ok := src.Tick(); ok {
		popen, phigh, plow, pclose = t.LTP, t.High, t.Low, t.Close
	}

	switch o.ExecType {
	case ExecMarket:
		b.tryExecMarket(o, bar, popen, phigh, plow)
	case ExecClose:
		b.tryExecClose(o, src, bar)
	case ExecLimit:
		b.tryExecLimit(o, bar, popen, phigh, plow, o.Created.Price)
	case ExecStop, ExecStopTrail:
		b.tryExecStop(o, bar, popen, phigh, plow)
	case ExecStopLimit, ExecStopTrailLimit:
		if o.triggered {
			b.tryExecLimit(o, bar, popen, phigh, plow, o.Created.PriceLimit)
		} else {
			b.tryExecStopLimit(o, bar, popen, phigh, plow, pclose)
		}
	case ExecHistorical:
		b.executeFill(o, bar, o.Created.Price, time.Time{})
	}

	// trailing triggers ratchet on every bar that did not trigger
	if o.Alive() && !o.triggered &&
		(o.ExecType == ExecStopTrail || o.ExecType == ExecStopTrailLimit) {
		o.TrailAdjust(pclose)
	}
}

func (b *BacktestBroker) tryExecMarket(o *Order, bar models.Candle, popen, phigh, plow float64) {
	var dtcoc time.Time
	var exprice float64

	if b.cfg.CheatOnClose {
		dtcoc = o.Created.Dt
		exprice = o.Created.PClose
	} else {
		if !b.cfg.CheatOnOpen && !bar.Timestamp.After(o.Created.Dt) {
			return // can only execute after the creation bar
		}
		exprice = popen
	}

	if o.IsBuy() {
		if p, ok := b.cfg.Slippage.slipUp(phigh, exprice, b.cfg.Slippage.Open, false); ok {
			b.executeFill(o, bar, p, dtcoc)
		}
	} else {
		if p, ok := b.cfg.Slippage.slipDown(plow, exprice, b.cfg.Slippage.Open, false); ok {
			b.executeFill(o, bar, p, dtcoc)
		}
	}
}

func (b *BacktestBroker) tryExecClose(o *Order, src BarSource, bar models.Candle) {
	if !bar.Timestamp.After(o.Created.Dt) {
		return
	}
	if b.cfg.EOSBar && bar.Timestamp.Equal(o.dtEOS) {
		b.executeFill(o, bar, bar.Close, time.Time{})
		return
	}
	if bar.Timestamp.After(o.dtEOS) {
		// session end was not observable as a bar: apply the annotated
		// close one bar later
		if prev, ok := src.Prev(); ok {
			b.executeFill(o, bar, prev.Close, prev.Timestamp)
		} else {
			b.executeFill(o, bar, bar.Open, time.Time{})
		}
	}
}

func (b *BacktestBroker) tryExecLimit(o *Order, bar models.Candle, popen, phigh, plow, plimit float64) {
	if o.IsBuy() {
		if plimit >= popen {
			// open below the requested price: buy cheaper at the open
			pmax := math.Min(phigh, plimit)
			if p, ok := b.cfg.Slippage.slipUp(pmax, popen, b.cfg.Slippage.Open, true); ok {
				b.executeFill(o, bar, p, time.Time{})
			}
		} else if plimit >= plow {
			b.executeFill(o, bar, plimit, time.Time{})
		}
	} else {
		if plimit <= popen {
			pmin := math.Max(plow, plimit)
			if p, ok := b.cfg.Slippage.slipDown(pmin, popen, b.cfg.Slippage.Open, true); ok {
				b.executeFill(o, bar, p, time.Time{})
			}
		} else if plimit <= phigh {
			b.executeFill(o, bar, plimit, time.Time{})
		}
	}
}

func (b *BacktestBroker) tryExecStop(o *Order, bar models.Candle, popen, phigh, plow float64) {
	pstop := o.Created.Price

	if o.IsBuy() {
		if popen >= pstop {
			// gap open above the trigger: market fill at the open
			if p, ok := b.cfg.Slippage.slipUp(phigh, popen, b.cfg.Slippage.Open, false); ok {
				b.executeFill(o, bar, p, time.Time{})
			}
		} else if phigh >= pstop {
			// intrabar trigger: fill at the stop level
			if p, ok := b.cfg.Slippage.slipUp(phigh, pstop, true, false); ok {
				b.executeFill(o, bar, p, time.Time{})
			}
		}
	} else {
		if popen <= pstop {
			if p, ok := b.cfg.Slippage.slipDown(plow, popen, b.cfg.Slippage.Open, false); ok {
				b.executeFill(o, bar, p, time.Time{})
			}
		} else if plow <= pstop {
			if p, ok := b.cfg.Slippage.slipDown(plow, pstop, true, false); ok {
				b.executeFill(o, bar, p, time.Time{})
			}
		}
	}
}

// tryExecStopLimit resolves the same-bar interplay of trigger, open and
// limit. The open>close vs open<=close branches assume an intrabar path that
// OHLC data cannot actually confirm; the outcomes are kept stable as a
// modeling approximation.
func (b *BacktestBroker) tryExecStopLimit(o *Order, bar models.Candle, popen, phigh, plow, pclose float64) {
	pstop := o.Created.Price
	plimit := o.Created.PriceLimit

	if o.IsBuy() {
		if popen >= pstop {
			o.triggered = true
			b.tryExecLimit(o, bar, popen, phigh, plow, plimit)
		} else if phigh >= pstop {
			o.triggered = true
			if popen <= pclose { // price moved up after the open
				if plimit >= pstop {
					b.executeFill(o, bar, pstop, time.Time{})
				} else if plimit >= pclose {
					b.executeFill(o, bar, plimit, time.Time{})
				}
			} else { // price moved down after the open
				if plimit >= pstop {
					b.executeFill(o, bar, pstop, time.Time{})
				} else if plow <= plimit {
					b.executeFill(o, bar, plimit, time.Time{})
				}
			}
		}
	} else {
		if popen <= pstop {
			o.triggered = true
			b.tryExecLimit(o, bar, popen, phigh, plow, plimit)
		} else if plow <= pstop {
			o.triggered = true
			if popen >= pclose { // price moved down after the open
				if plimit <= pstop {
					b.executeFill(o, bar, pstop, time.Time{})
				} else if plimit <= pclose {
					b.executeFill(o, bar, plimit, time.Time{})
				}
			} else { // price moved up after the open
				if plimit <= pstop {
					b.executeFill(o, bar, pstop, time.Time{})
				} else if phigh >= plimit {
					b.executeFill(o, bar, plimit, time.Time{})
				}
			}
		}
	}
}

func (b *BacktestBroker) executeFill(o *Order, bar models.Candle, price float64, dtcoc time.Time) {
	b.execute(o, price, false, 0, nil, bar, dtcoc)
}

// execute settles an order against cash and position. With pseudo set it
// projects the order at its reference price against the supplied cloned
// position and returns the projected cash; otherwise it performs a real fill
// at price on the current bar.
//
// The closing leg always settles: pnl is realized, cost basis released
// (deleveraged for longs) and the mark-to-market base reconciled. The
// opening leg reserves cash and is nullified in full if the projected cash
// goes negative; the engine never blocks a closing trade, only new exposure.
func (b *BacktestBroker) execute(o *Order, price float64, pseudo bool, cash float64, pos *Position, bar models.Candle, dtcoc time.Time) float64 {
	size := o.Executed.RemSize
	if !pseudo && b.cfg.Filler != nil {
		avail := b.cfg.Filler(o, price, bar)
		if o.IsBuy() {
			size = math.Min(size, avail)
		} else {
			size = math.Max(size, -avail)
		}
		if size == 0 {
			return cash
		}
	}

	ci := b.commissionInfo(o.Symbol)

	var pnl float64
	var ppriceOrig float64
	var psize float64
	var opened, closed float64

	if pseudo {
		if price == 0 {
			price = o.Created.Price
			if b.cfg.CheatOnOpen && o.ExecType == ExecMarket && bar.Open != 0 {
				price = bar.Open
			}
		}
		ppriceOrig = pos.Price
		psize, _, opened, closed = pos.Update(size, price, time.Time{})
	} else {
		pos = b.position(o.Symbol)
		ppriceOrig = pos.Price
		cash = b.cash
		psize, _, opened, closed = pos.PseudoUpdate(size, price)
		pnl = ci.ProfitAndLoss(-closed, ppriceOrig, price)
	}

	var closedValue, closedComm float64
	if closed != 0 {
		if b.cfg.ShortCash && ci.Stocklike() {
			closedValue = ci.ValueSize(-closed, ppriceOrig)
		} else {
			// cost basis released: notional or margin per contract
			closedValue = math.Abs(ci.OperationCost(closed, ppriceOrig))
		}
		closeCash := closedValue
		if closedValue > 0 { // long leg released: deleverage
			closeCash /= ci.Leverage()
		}
		cash += closeCash
		if ci.Stocklike() {
			cash += pnl
		}
		closedComm = ci.Commission(closed, price)
		cash -= closedComm

		if !pseudo {
			// reconcile the prior mark-to-market base against the fill
			cash += ci.CashAdjust(-closed, pos.AdjBase, price)
			b.cash = cash
		}
	}

	popened := opened
	var openedValue, openedComm float64
	if opened != 0 {
		if b.cfg.ShortCash && ci.Stocklike() {
			openedValue = ci.ValueSize(opened, price)
		} else {
			openedValue = math.Abs(ci.OperationCost(opened, price))
		}
		openCash := openedValue
		if openedValue > 0 { // long leg reserved: deleverage
			openCash /= ci.Leverage()
		}
		cash -= openCash
		openedComm = ci.Commission(opened, price)
		cash -= openedComm

		if cash < 0.0 {
			// opened leg is all-or-nothing: nullify, the closed leg stands
			opened = 0
			openedValue = 0
			openedComm = 0
		} else if !pseudo {
			if math.Abs(psize) > math.Abs(opened) {
				// pre-existing contracts move to the fill price as their
				// new adjustment base
				adjSize := psize - opened
				cash += ci.CashAdjust(adjSize, pos.AdjBase, price)
			}
			pos.AdjBase = price
			b.cash = cash
		}
	}

	if pseudo {
		return cash
	}

	execSize := closed + opened
	if execSize != 0 {
		newSize, newPrice, _, _ := pos.Update(execSize, price, bar.Timestamp)

		if closed != 0 && b.cfg.Int2PnL {
			closedComm += b.dCredit[o.Symbol]
			delete(b.dCredit, o.Symbol)
		}

		dt := bar.Timestamp
		if !dtcoc.IsZero() {
			dt = dtcoc
		}
		o.Execute(dt, execSize, price,
			closed, closedValue, closedComm,
			opened, openedValue, openedComm,
			ci.MarginPerContract(), pnl, newSize, newPrice)

		logging.LogFill(b.log, o.Ref, o.Symbol, execSize, price)
		b.notify(o)
		b.ococheck(o)
	}

	if popened != 0 && opened == 0 {
		// the opening leg could not be afforded
		o.ToMargin()
		b.notify(o)
		b.ococheck(o)
		b.bracketize(o, true)
	}

	return cash
}

// computeValue recomputes the valuation snapshot. With symbols restricted to
// one entry it returns that instrument's value without touching the caches.
func (b *BacktestBroker) computeValue(symbols []string, lever bool) float64 {
	// deferred cash injections, fund-share aware
	for _, c := range b.cashAdditions {
		b.fundShares += c / b.fundVal
		b.cash += c
	}
	b.cashAdditions = nil

	single := len(symbols) == 1
	syms := symbols
	if len(syms) == 0 {
		for _, d := range b.datas {
			syms = append(syms, d.Symbol())
		}
	}

	var posValue, posValueUnlever, unrealized float64
	for _, sym := range syms {
		src, ok := b.data(sym)
		if !ok {
			continue
		}
		bar, ok := src.Current()
		if !ok {
			continue
		}
		ci := b.commissionInfo(sym)
		pos := b.position(sym)

		var dvalue float64
		if b.cfg.ShortCash && ci.Stocklike() {
			dvalue = ci.ValueSize(pos.Size, bar.Close)
		} else {
			dvalue = ci.Value(pos, bar.Close)
		}
		dunrealized := ci.ProfitAndLoss(pos.Size, pos.Price, bar.Close)

		if single {
			if lever && dvalue > 0 {
				dvalue -= dunrealized
				return dvalue/ci.Leverage() + dunrealized
			}
			return dvalue
		}

		if !b.cfg.ShortCash {
			dvalue = math.Abs(dvalue)
		}
		posValue += dvalue
		unrealized += dunrealized

		if dvalue > 0 { // long legs carry the leverage discount
			dvalue -= dunrealized
			posValueUnlever += dvalue/ci.Leverage() + dunrealized
		} else {
			posValueUnlever += dvalue
		}
	}

	if len(b.fundHist) == 0 {
		b.value = b.cash + posValueUnlever
		b.fundVal = b.value / b.fundShares
	} else {
		fshare, fvalue := b.processFundHistory()
		b.value = fvalue
		b.cash = fvalue - posValueUnlever
		b.fundVal = fshare
		b.fundShares = fvalue / fshare
		lev := posValue / nonzero(posValueUnlever)
		posValueUnlever = fvalue
		posValue = fvalue * lev
	}

	b.valueMkt = posValueUnlever
	b.valueLever = b.cash + posValue
	b.leverage = posValue / nonzero(posValueUnlever)
	b.unrealized = unrealized

	if lever {
		return b.valueLever
	}
	return b.value
}

func (b *BacktestBroker) processFundHistory() (share, value float64) {
	var now time.Time
	for _, src := range b.datas {
		if bar, ok := src.Current(); ok && bar.Timestamp.After(now) {
			now = bar.Timestamp
		}
	}
	for b.fundHistIdx+1 < len(b.fundHist) && !b.fundHist[b.fundHistIdx+1].Dt.After(now) {
		b.fundHistIdx++
	}
	rec := b.fundHist[b.fundHistIdx]
	return rec.Share, rec.Value
}

// GetCash returns the available cash.
func (b *BacktestBroker) GetCash() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

// GetValue returns the deleveraged portfolio value, or the market value of a
// single instrument when one symbol is given.
func (b *BacktestBroker) GetValue(symbols ...string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.computeValue(symbols, false)
}

// GetValueLever returns the raw (leveraged) portfolio value, or the
// leveraged value of a single instrument when one symbol is given.
func (b *BacktestBroker) GetValueLever(symbols ...string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.computeValue(symbols, true)
}

// GetLeverage returns the current gross leverage of the portfolio.
func (b *BacktestBroker) GetLeverage() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leverage
}

// GetUnrealized returns the unrealized pnl across open positions.
func (b *BacktestBroker) GetUnrealized() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unrealized
}

// GetFundShares returns the outstanding fund shares.
func (b *BacktestBroker) GetFundShares() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fundShares
}

// GetFundValue returns the value per fund share.
func (b *BacktestBroker) GetFundValue() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fundVal
}

// GetPosition returns the position for symbol, creating it at zero on first
// reference. The returned value is the canonical position; callers must not
// mutate it.
func (b *BacktestBroker) GetPosition(symbol string) *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position(symbol)
}

// GetOrdersOpen returns clones of all orders that can still execute.
func (b *BacktestBroker) GetOrdersOpen() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var open []*Order
	for _, ref := range b.orderRefs {
		if o := b.orders[ref]; o.Alive() {
			open = append(open, o.Clone())
		}
	}
	return open
}

// GetOrderHistory returns clones of every order ever created, in submission
// order. Orders are never removed from the arena.
func (b *BacktestBroker) GetOrderHistory() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hist := make([]*Order, 0, len(b.orderRefs))
	for _, ref := range b.orderRefs {
		hist = append(hist, b.orders[ref].Clone())
	}
	return hist
}

// GetNotification pops one cloned order snapshot from the notification
// queue, or returns false when the queue is drained.
func (b *BacktestBroker) GetNotification() (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.notifs) == 0 {
		return nil, false
	}
	o := b.notifs[0]
	b.notifs = b.notifs[1:]
	return o, true
}

func (b *BacktestBroker) notify(o *Order) {
	b.notifs = append(b.notifs, o.Clone())
	logging.LogOrder(b.log, o.Ref, o.Symbol, string(o.Status))
}

func (b *BacktestBroker) position(symbol string) *Position {
	pos, ok := b.positions[symbol]
	if !ok {
		pos = NewPosition(symbol)
		b.positions[symbol] = pos
	}
	return pos
}

func (b *BacktestBroker) data(symbol string) (BarSource, bool) {
	idx, ok := b.dataIdx[symbol]
	if !ok {
		return nil, false
	}
	return b.datas[idx], true
}

func (b *BacktestBroker) removePending(ref int) bool {
	for i, r := range b.pending {
		if r == ref {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

func nonzero(v float64) float64 {
	if v == 0 {
		return 1.0
	}
	return v
}
