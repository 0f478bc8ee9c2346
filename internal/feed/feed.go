// Package feed provides bar sources for the backtest engine. A feed owns a
// time-ordered candle series and a cursor; the runner advances the cursor
// once per bar, and the engine only ever reads the current and previous bar.
package feed

import (
	"sort"

	"backsim/internal/models"
)

// SliceFeed serves candles from an in-memory slice.
type SliceFeed struct {
	symbol string
	bars   []models.Candle
	idx    int
	tick   *models.Tick
}

// NewSliceFeed creates a feed over bars, sorted by timestamp. The cursor
// starts before the first bar; call Advance before reading.
func NewSliceFeed(symbol string, bars []models.Candle) *SliceFeed {
	sorted := append([]models.Candle(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return &SliceFeed{symbol: symbol, bars: sorted, idx: -1}
}

// Symbol returns the instrument this feed serves.
func (f *SliceFeed) Symbol() string { return f.symbol }

// Len returns the number of bars delivered so far.
func (f *SliceFeed) Len() int { return f.idx + 1 }

// Total returns the total number of bars in the series.
func (f *SliceFeed) Total() int { return len(f.bars) }

// Advance moves the cursor to the next bar and clears any tick override. It
// reports false once the series is exhausted.
func (f *SliceFeed) Advance() bool {
	if f.idx+1 >= len(f.bars) {
		return false
	}
	f.idx++
	f.tick = nil
	return true
}

// Current returns the active bar; ok is false before the first Advance.
func (f *SliceFeed) Current() (models.Candle, bool) {
	if f.idx < 0 || f.idx >= len(f.bars) {
		return models.Candle{}, false
	}
	return f.bars[f.idx], true
}

// Prev returns the bar before the current one.
func (f *SliceFeed) Prev() (models.Candle, bool) {
	if f.idx < 1 {
		return models.Candle{}, false
	}
	return f.bars[f.idx-1], true
}

// Tick returns the intrabar override for the current bar, if one was set.
func (f *SliceFeed) Tick() (models.Tick, bool) {
	if f.tick == nil {
		return models.Tick{}, false
	}
	return *f.tick, true
}

// SetTick installs an intrabar price override for the current bar. The
// override is cleared on the next Advance.
func (f *SliceFeed) SetTick(t models.Tick) {
	f.tick = &t
}

// Reset rewinds the cursor so the same feed can serve another run.
func (f *SliceFeed) Reset() {
	f.idx = -1
	f.tick = nil
}
