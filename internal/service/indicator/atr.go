// Package indicator holds the rolling market statistics the exit engine
// consumes. Trackers are owned per symbol/timeframe; Update is single-writer
// (one call per new bar), reads may be shared across positions.
package indicator

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/market"
)

// ErrInsufficientHistory is returned while fewer than period true ranges
// have been observed since subscription. Callers degrade gracefully: skip
// the trailing update, keep the prior stop.
var ErrInsufficientHistory = errors.New("insufficient bars for atr")

// Smoothing selects how the true-range window is averaged.
type Smoothing int

const (
	// SmoothingSimple is the plain mean of the last period true ranges.
	SmoothingSimple Smoothing = iota
	// SmoothingWilder seeds with the simple mean and then applies
	// atr = (1-1/period)*atr + (1/period)*tr per bar.
	SmoothingWilder
)

// ATRTracker maintains a fixed-length rolling window of true ranges over
// one symbol/timeframe bar stream.
type ATRTracker struct {
	period    int
	smoothing Smoothing

	prevClose decimal.Decimal
	seeded    bool

	window []decimal.Decimal // ring, SmoothingSimple only
	head   int
	count  int

	wilder decimal.Decimal // running value, SmoothingWilder only
}

// NewATRTracker builds a tracker for the given period. Period must be
// positive; plan validation guarantees that for engine-owned trackers.
func NewATRTracker(period int, smoothing Smoothing) *ATRTracker {
	return &ATRTracker{
		period:    period,
		smoothing: smoothing,
		window:    make([]decimal.Decimal, period),
	}
}

// Update feeds one bar. The first bar only seeds the previous close; true
// ranges start with the second bar.
func (t *ATRTracker) Update(bar market.Bar) {
	if !t.seeded {
		t.prevClose = bar.Close
		t.seeded = true
		return
	}
	tr := bar.TrueRange(t.prevClose)
	t.prevClose = bar.Close

	switch t.smoothing {
	case SmoothingWilder:
		if t.count < t.period {
			t.window[t.count] = tr
			t.count++
			if t.count == t.period {
				sum := decimal.Zero
				for _, v := range t.window {
					sum = sum.Add(v)
				}
				t.wilder = sum.Div(decimal.NewFromInt(int64(t.period)))
			}
			return
		}
		p := decimal.NewFromInt(int64(t.period))
		// atr += (tr - atr) / period
		t.wilder = t.wilder.Add(tr.Sub(t.wilder).Div(p))
	default:
		t.window[t.head] = tr
		t.head = (t.head + 1) % t.period
		if t.count < t.period {
			t.count++
		}
	}
}

// Value returns the current average true range, or ErrInsufficientHistory
// while the window has not filled. It never returns an estimate.
func (t *ATRTracker) Value() (decimal.Decimal, error) {
	if t.count < t.period {
		return decimal.Zero, ErrInsufficientHistory
	}
	if t.smoothing == SmoothingWilder {
		return t.wilder, nil
	}
	sum := decimal.Zero
	for _, v := range t.window {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(t.period))), nil
}

// Period returns the configured window length.
func (t *ATRTracker) Period() int {
	return t.period
}
