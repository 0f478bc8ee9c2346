package broker

// SlippageConfig models fill price degradation. Either Perc (fraction of the
// price) or Fixed (absolute amount) applies; Perc wins when both are set.
type SlippageConfig struct {
	Perc  float64
	Fixed float64

	// Open applies slippage to executions matched at the bar open.
	Open bool

	// Match caps a slipped price at the bar high/low so the fill stays
	// inside the bar range.
	Match bool

	// Limit extends the Match cap to limit orders, which otherwise keep
	// their price untouched.
	Limit bool

	// Out reports a slipped price even when it falls outside the bar range
	// instead of skipping the fill. Ignored when Match is set.
	Out bool
}

func (s SlippageConfig) enabled() bool {
	return s.Perc != 0 || s.Fixed != 0
}

// slipUp degrades a buy price upward, bounded by pmax. ok is false when no
// price can be returned (fill skipped this bar). lim marks limit executions.
func (s SlippageConfig) slipUp(pmax, price float64, doslip, lim bool) (float64, bool) {
	if !doslip || !s.enabled() {
		return price, true
	}

	pslip := price + s.Fixed
	if s.Perc != 0 {
		pslip = price * (1 + s.Perc)
	}

	if pslip <= pmax {
		return pslip, true
	}
	if s.Match {
		if !lim || s.Limit {
			return pmax, true
		}
	} else if s.Out {
		return pslip, true
	}
	return 0, false
}

// slipDown degrades a sell price downward, bounded by pmin.
func (s SlippageConfig) slipDown(pmin, price float64, doslip, lim bool) (float64, bool) {
	if !doslip || !s.enabled() {
		return price, true
	}

	pslip := price - s.Fixed
	if s.Perc != 0 {
		pslip = price * (1 - s.Perc)
	}

	if pslip >= pmin {
		return pslip, true
	}
	if s.Match {
		if !lim || s.Limit {
			return pmin, true
		}
	} else if s.Out {
		return pslip, true
	}
	return 0, false
}
