package broker

import (
	"math"

	"backsim/internal/models"
)

// Filler caps the size an order may fill on one bar. It receives the order,
// the trial execution price and the bar, and returns the absolute size
// available; the engine never fills more than the order's remaining size.
type Filler func(o *Order, price float64, bar models.Candle) float64

// FixedSizeFiller fills at most size units per bar, bounded by bar volume.
func FixedSizeFiller(size float64) Filler {
	return func(o *Order, price float64, bar models.Candle) float64 {
		avail := math.Min(size, float64(bar.Volume))
		return math.Min(avail, math.Abs(o.Executed.RemSize))
	}
}

// BarPercentFiller fills at most perc percent of the bar volume.
func BarPercentFiller(perc float64) Filler {
	return func(o *Order, price float64, bar models.Candle) float64 {
		avail := float64(bar.Volume) * perc / 100.0
		return math.Min(avail, math.Abs(o.Executed.RemSize))
	}
}
