package broker

import (
	"time"
)

// Position tracks the size and average price of one instrument's holding.
// Size is signed (negative = short). The average price is zero exactly when
// the size is zero. Positions are created lazily at zero on first reference
// and persist at zero when fully closed.
type Position struct {
	Symbol string
	Size   float64
	Price  float64

	// PriceOrig keeps the average price from before the last update.
	PriceOrig float64

	// AdjBase is the mark-to-market base price for margin-like instruments.
	AdjBase float64

	UpdatedAt time.Time
}

// NewPosition creates an empty position for symbol.
func NewPosition(symbol string) *Position {
	return &Position{Symbol: symbol}
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// Update applies a signed trade of size at price and returns the new size,
// the new average price, and the opened and closed portions of the trade.
// opened/closed carry the sign of the size argument so cash attribution
// stays correct for shorts.
func (p *Position) Update(size, price float64, dt time.Time) (newSize, newPrice, opened, closed float64) {
	if !dt.IsZero() {
		p.UpdatedAt = dt
	}
	p.PriceOrig = p.Price

	oldSize := p.Size
	p.Size += size

	switch {
	case p.Size == 0:
		// existing position fully closed
		opened, closed = 0, size
		p.Price = 0.0

	case oldSize == 0:
		opened, closed = size, 0
		p.Price = price

	case oldSize > 0:
		if size > 0 {
			opened, closed = size, 0
			p.Price = (p.Price*oldSize + size*price) / p.Size
		} else if p.Size > 0 {
			// position reduced, average price holds
			opened, closed = 0, size
		} else {
			// sign flip: close the old long, open a short remainder
			opened, closed = p.Size, -oldSize
			p.Price = price
		}

	default: // oldSize < 0
		if size < 0 {
			opened, closed = size, 0
			p.Price = (p.Price*oldSize + size*price) / p.Size
		} else if p.Size < 0 {
			opened, closed = 0, size
		} else {
			opened, closed = p.Size, -oldSize
			p.Price = price
		}
	}

	return p.Size, p.Price, opened, closed
}

// PseudoUpdate applies Update to a throwaway clone, leaving the position
// untouched. Used for dry-run margin checks.
func (p *Position) PseudoUpdate(size, price float64) (newSize, newPrice, opened, closed float64) {
	return p.Clone().Update(size, price, time.Time{})
}

// Fix administratively overwrites size and price without running the
// opened/closed algorithm, for reconciling against an external broker.
// It reports whether the stored size changed.
func (p *Position) Fix(size, price float64) bool {
	oldSize := p.Size
	p.Size = size
	p.Price = price
	return p.Size != oldSize
}
