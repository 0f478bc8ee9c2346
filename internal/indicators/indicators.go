// Package indicators provides streaming technical indicators for
// bar-by-bar strategy code. Each indicator is fed one value per bar and
// reports whether it has warmed up.
package indicators

import "errors"

var (
	// ErrInvalidPeriod is returned when a period is not positive.
	ErrInvalidPeriod = errors.New("invalid period")
)

// RollingSMA is a simple moving average over the last period values.
type RollingSMA struct {
	period int
	window []float64
	head   int
	count  int
	sum    float64
}

// NewRollingSMA creates a rolling SMA over period values.
func NewRollingSMA(period int) (*RollingSMA, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return &RollingSMA{
		period: period,
		window: make([]float64, period),
	}, nil
}

func (s *RollingSMA) Period() int { return s.period }

// Ready reports whether the window is full.
func (s *RollingSMA) Ready() bool { return s.count >= s.period }

// Update feeds one value and returns the current average. The average is
// meaningful only once Ready reports true.
func (s *RollingSMA) Update(value float64) float64 {
	if s.count >= s.period {
		s.sum -= s.window[s.head]
	} else {
		s.count++
	}
	s.window[s.head] = value
	s.sum += value
	s.head = (s.head + 1) % s.period
	return s.Value()
}

// Value returns the average of the values seen so far, capped at the
// window length.
func (s *RollingSMA) Value() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// RollingEMA is an exponential moving average seeded with an SMA over the
// first period values.
type RollingEMA struct {
	period     int
	multiplier float64
	seed       *RollingSMA
	value      float64
	seeded     bool
}

// NewRollingEMA creates a rolling EMA with the standard 2/(n+1) smoothing.
func NewRollingEMA(period int) (*RollingEMA, error) {
	seed, err := NewRollingSMA(period)
	if err != nil {
		return nil, err
	}
	return &RollingEMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
		seed:       seed,
	}, nil
}

func (e *RollingEMA) Period() int { return e.period }

// Ready reports whether enough values have been seen to seed the average.
func (e *RollingEMA) Ready() bool { return e.seeded }

// Update feeds one value and returns the current average.
func (e *RollingEMA) Update(value float64) float64 {
	if !e.seeded {
		avg := e.seed.Update(value)
		if e.seed.Ready() {
			e.value = avg
			e.seeded = true
		}
		return e.value
	}
	e.value = (value-e.value)*e.multiplier + e.value
	return e.value
}

func (e *RollingEMA) Value() float64 { return e.value }

// Crossover tracks the relative ordering of two series and reports the
// bar on which one crosses the other.
type Crossover struct {
	havePrev   bool
	aAbovePrev bool
}

// Update feeds the current values of both series. It returns +1 when a
// crosses above b on this bar, -1 when a crosses below b, and 0 otherwise.
func (c *Crossover) Update(a, b float64) int {
	above := a > b
	defer func() {
		c.havePrev = true
		c.aAbovePrev = above
	}()
	if !c.havePrev {
		return 0
	}
	if above && !c.aAbovePrev {
		return 1
	}
	if !above && c.aAbovePrev {
		return -1
	}
	return 0
}
