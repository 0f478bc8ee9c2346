package broker

import (
	"math"
)

// CommissionConfig holds the per-instrument cost and margin schema.
type CommissionConfig struct {
	// Commission is a fraction of the notional for stock-like instruments
	// and a fixed amount per contract for margin-like instruments.
	Commission float64

	// Margin, when non-zero, marks the instrument as margin-like (futures):
	// cash settles daily against the mark and commission ignores price.
	Margin float64

	// Mult scales profit and loss per point of price movement.
	Mult float64

	// Leverage divides the cash needed to open (and released when closing)
	// long exposure.
	Leverage float64

	// InterestRate is an annual rate charged daily on open short positions,
	// and on long positions too when InterestLong is set.
	InterestRate float64
	InterestLong bool
}

// CommissionInfo is a pure per-instrument cost/margin/pnl calculator. All
// methods are side-effect free.
type CommissionInfo struct {
	cfg       CommissionConfig
	stocklike bool
}

// NewCommissionInfo creates a CommissionInfo, applying defaults for the
// multiplier and leverage when unset.
func NewCommissionInfo(cfg CommissionConfig) *CommissionInfo {
	if cfg.Mult == 0 {
		cfg.Mult = 1.0
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 1.0
	}
	return &CommissionInfo{
		cfg:       cfg,
		stocklike: cfg.Margin == 0,
	}
}

// Stocklike reports whether cash moves with notional value (no fixed margin).
func (c *CommissionInfo) Stocklike() bool {
	return c.stocklike
}

// MarginPerContract returns the configured fixed margin per contract.
func (c *CommissionInfo) MarginPerContract() float64 {
	return c.cfg.Margin
}

// OperationCost returns the cash needed for an operation of size at price.
func (c *CommissionInfo) OperationCost(size, price float64) float64 {
	if !c.stocklike {
		return size * c.cfg.Margin
	}
	return size * price
}

// Value returns the value of a position at price. Margin-like instruments
// are valued at margin per open contract regardless of direction.
func (c *CommissionInfo) Value(pos *Position, price float64) float64 {
	if !c.stocklike {
		return math.Abs(pos.Size) * c.cfg.Margin
	}
	return pos.Size * price
}

// ValueSize returns size*price, keeping the sign so short positions show
// negative value.
func (c *CommissionInfo) ValueSize(size, price float64) float64 {
	return size * price
}

// Commission returns the cost of an operation of size at price. Margin-like
// instruments pay a fixed amount per contract, ignoring price.
func (c *CommissionInfo) Commission(size, price float64) float64 {
	if !c.stocklike {
		price = 1.0
	}
	return math.Abs(size) * c.cfg.Commission * price
}

// ProfitAndLoss returns the pnl of size contracts moving from entry to exit.
func (c *CommissionInfo) ProfitAndLoss(size, entry, exit float64) float64 {
	return size * (exit - entry) * c.cfg.Mult
}

// CashAdjust returns the daily mark-to-market cash settlement of a
// margin-like position between two prices. Zero for stock-like instruments,
// whose cash already reflects notional.
func (c *CommissionInfo) CashAdjust(size, oldPrice, newPrice float64) float64 {
	if c.stocklike {
		return 0.0
	}
	return size * (newPrice - oldPrice) * c.cfg.Mult
}

// Leverage returns the configured ratio for margin-like instruments and the
// leverage for stock-like ones (1.0 unless configured).
func (c *CommissionInfo) Leverage() float64 {
	return c.cfg.Leverage
}

// CreditInterest returns the interest accrued by a position of size at price
// over a fraction of days. Shorts always pay; longs only when configured.
func (c *CommissionInfo) CreditInterest(size, price, days float64) float64 {
	if c.cfg.InterestRate == 0 || size == 0 || days <= 0 {
		return 0.0
	}
	if size > 0 && !c.cfg.InterestLong {
		return 0.0
	}
	return days * c.cfg.InterestRate / 365.0 * math.Abs(size) * price
}
