// Package levels extracts higher-timeframe structural price levels. The
// scanner is a pure function of the bar window handed to it: no caching,
// no internal state, safe to share across positions.
package levels

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
)

// ErrNoLevel is returned when no pivot qualifies. Not a fault: the caller
// keeps its configured targets.
var ErrNoLevel = errors.New("no qualifying level")

// Pivot is one local extreme in the scanned window.
type Pivot struct {
	Price decimal.Decimal
	Bar   market.Bar
	High  bool // swing high vs swing low
}

// Scanner finds swing highs/lows over a lookback window.
type Scanner struct {
	// Swing is the fractal width: a pivot must dominate this many
	// neighbors on each side.
	Swing int
}

// NewScanner builds a scanner with the given fractal width (minimum 1).
func NewScanner(swing int) *Scanner {
	if swing < 1 {
		swing = 1
	}
	return &Scanner{Swing: swing}
}

// Pivots returns all swing highs and lows in window order.
func (s *Scanner) Pivots(window []market.Bar) []Pivot {
	n := s.Swing
	if len(window) < 2*n+1 {
		return nil
	}
	var out []Pivot
	for i := n; i < len(window)-n; i++ {
		hi, lo := true, true
		for j := i - n; j <= i+n; j++ {
			if j == i {
				continue
			}
			if window[j].High.GreaterThan(window[i].High) {
				hi = false
			}
			if window[j].Low.LessThan(window[i].Low) {
				lo = false
			}
		}
		if hi {
			out = append(out, Pivot{Price: window[i].High, Bar: window[i], High: true})
		}
		if lo {
			out = append(out, Pivot{Price: window[i].Low, Bar: window[i], High: false})
		}
	}
	return out
}

// NearestAggregated rolls the base-timeframe window up to tf before
// scanning, so structure is read off higher-timeframe candles while the
// engine consumes the base stream. groupN is the number of base bars per
// aggregated bar; groupN <= 1 scans the window as-is.
func (s *Scanner) NearestAggregated(window []market.Bar, groupN int, tf market.Timeframe, side exit.Side, entry, marginPct decimal.Decimal) (Pivot, error) {
	if groupN > 1 {
		window = market.Aggregate(window, groupN, tf)
	}
	return s.Nearest(window, side, entry, marginPct)
}

// Nearest returns the closest pivot beyond the entry price in the trade's
// favorable direction, excluding pivots within marginPct of entry (too
// close to be actionable). marginPct is a fraction of entry, e.g. 0.003.
func (s *Scanner) Nearest(window []market.Bar, side exit.Side, entry, marginPct decimal.Decimal) (Pivot, error) {
	pivots := s.Pivots(window)
	if len(pivots) == 0 {
		return Pivot{}, ErrNoLevel
	}

	one := decimal.New(1, 0)
	var best Pivot
	found := false
	if side == exit.SideLong {
		floor := entry.Mul(one.Add(marginPct))
		for _, p := range pivots {
			if !p.High || !p.Price.GreaterThan(floor) {
				continue
			}
			if !found || p.Price.LessThan(best.Price) {
				best = p
				found = true
			}
		}
	} else {
		ceil := entry.Mul(one.Sub(marginPct))
		for _, p := range pivots {
			if p.High || !p.Price.LessThan(ceil) {
				continue
			}
			if !found || p.Price.GreaterThan(best.Price) {
				best = p
				found = true
			}
		}
	}
	if !found {
		return Pivot{}, ErrNoLevel
	}
	return best, nil
}
