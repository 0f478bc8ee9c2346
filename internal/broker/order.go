package broker

import (
	"time"

	"backsim/internal/models"
)

// ExecType represents the execution type of an order.
type ExecType string

const (
	ExecMarket         ExecType = "MARKET"
	ExecClose          ExecType = "CLOSE"
	ExecLimit          ExecType = "LIMIT"
	ExecStop           ExecType = "STOP"
	ExecStopLimit      ExecType = "STOP_LIMIT"
	ExecStopTrail      ExecType = "STOP_TRAIL"
	ExecStopTrailLimit ExecType = "STOP_TRAIL_LIMIT"
	ExecHistorical     ExecType = "HISTORICAL"
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusSubmitted Status = "SUBMITTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusPartial   Status = "PARTIAL"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
	StatusExpired   Status = "EXPIRED"
	StatusMargin    Status = "MARGIN"
	StatusRejected  Status = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusExpired, StatusMargin, StatusRejected:
		return true
	}
	return false
}

// OrderData is the snapshot taken when an order is created.
type OrderData struct {
	Dt   time.Time
	Size float64

	// Price is the limit price for Limit orders, the trigger price for
	// Stop-family orders, and a reference close snapshot for Market orders.
	Price      float64
	PriceLimit float64

	// PClose is the close of the creation bar (cheat-on-close fills).
	PClose float64

	TrailAmount  float64
	TrailPercent float64
}

// Execution accumulates fills of an order.
type Execution struct {
	Dt      time.Time
	Size    float64 // cumulative executed size (signed)
	RemSize float64 // remaining size (signed)
	Price   float64 // weighted-average fill price
	Value   float64 // cumulative opened+closed value
	Comm    float64 // cumulative commission
	PnL     float64 // realized pnl of closed portions
	Margin  float64

	// Position snapshot after the last fill.
	PSize  float64
	PPrice float64
}

// Order is one trading request plus its execution accumulator. The engine
// owns the canonical copy in an id-indexed arena and mutates it alone; any
// external holder receives a clone. Relationships (parent, children, OCO)
// are linked by integer refs, never by pointer.
type Order struct {
	Ref      int
	Owner    string
	Symbol   string
	Side     models.OrderSide
	Size     float64 // signed requested size
	ExecType ExecType
	Status   Status

	Created  OrderData
	Executed Execution

	Valid   time.Time // zero = good till canceled
	TradeID int

	Parent   int // parent ref for bracket children, 0 = none
	OCO      int // group leader ref, 0 = no group
	Transmit bool

	// Info carries free-form annotations (e.g. rejection reasons).
	Info string

	triggered bool // Stop(Trail)Limit trigger latched
	active    bool // bracket children start inactive
	dtEOS     time.Time
}

// IsBuy reports whether the order increases exposure on the long side.
func (o *Order) IsBuy() bool {
	return o.Size > 0
}

// Alive reports whether the order can still execute.
func (o *Order) Alive() bool {
	return !o.Status.Terminal()
}

// Active reports whether the order takes part in the matching trial. Bracket
// children stay inactive until a parent fill promotes them.
func (o *Order) Active() bool {
	return o.active
}

// Activate marks the order as eligible for matching.
func (o *Order) Activate() {
	o.active = true
}

// Triggered reports whether a StopLimit-family trigger has latched.
func (o *Order) Triggered() bool {
	return o.triggered
}

// Submit advances Created -> Submitted.
func (o *Order) Submit() {
	if o.Status == StatusCreated {
		o.Status = StatusSubmitted
	}
}

// Accept advances Submitted -> Accepted.
func (o *Order) Accept() {
	if o.Status == StatusSubmitted {
		o.Status = StatusAccepted
	}
}

// Reject moves any live order to Rejected.
func (o *Order) Reject(reason string) {
	if o.Alive() {
		o.Status = StatusRejected
		o.Info = reason
	}
}

// Cancel moves any live order to Canceled.
func (o *Order) Cancel() {
	if o.Alive() {
		o.Status = StatusCanceled
	}
}

// ToMargin moves any live order to Margin, when the cash pre-check or the
// opened-leg admission fails.
func (o *Order) ToMargin() {
	if o.Alive() {
		o.Status = StatusMargin
	}
}

// Expire moves the order to Expired when the bar timestamp has passed its
// validity. Market, Close and Historical orders never expire since they
// execute unconditionally.
func (o *Order) Expire(dt time.Time) bool {
	switch o.ExecType {
	case ExecMarket, ExecClose, ExecHistorical:
		return false
	}
	if o.Valid.IsZero() || !dt.After(o.Valid) {
		return false
	}
	if o.Alive() {
		o.Status = StatusExpired
	}
	return true
}

// Execute records a fill. A zero exec size is a no-op. The status becomes
// Partial while size remains and Completed exactly when it reaches zero.
func (o *Order) Execute(dt time.Time, size, price float64,
	closed, closedValue, closedComm float64,
	opened, openedValue, openedComm float64,
	margin, pnl, psize, pprice float64) {

	if size == 0 {
		return
	}

	o.Executed.Dt = dt

	// Weighted-average fill price over all fills; sizes share one sign.
	total := o.Executed.Size + size
	o.Executed.Price = (o.Executed.Price*o.Executed.Size + price*size) / total
	o.Executed.Size = total
	o.Executed.RemSize -= size

	o.Executed.Value += closedValue + openedValue
	o.Executed.Comm += closedComm + openedComm
	o.Executed.PnL += pnl
	o.Executed.Margin = margin
	o.Executed.PSize = psize
	o.Executed.PPrice = pprice

	if o.Executed.RemSize != 0 {
		o.Status = StatusPartial
	} else {
		o.Status = StatusCompleted
	}
}

// TrailAdjust ratchets the trigger price of a trailing stop toward the
// market, monotonically in the favorable direction only. A sell trail
// (protecting a long) rises with the market; a buy trail falls with it.
func (o *Order) TrailAdjust(price float64) {
	delta := o.Created.TrailAmount
	if o.Created.TrailPercent != 0 {
		delta = price * o.Created.TrailPercent
	}
	if delta == 0 {
		return
	}

	if o.IsBuy() {
		if p := price + delta; p < o.Created.Price {
			o.Created.Price = p
		}
	} else {
		if p := price - delta; p > o.Created.Price {
			o.Created.Price = p
		}
	}
}

// Clone returns an immutable snapshot for notification consumers.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}
