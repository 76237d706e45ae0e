// Package market defines the bar stream the exit engine consumes: closed
// OHLCV candles per symbol/timeframe, strictly ordered by open time.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ====================
// Timeframe
// ====================

// Timeframe is a supported bar interval.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
)

// Valid reports whether tf is a supported interval.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h:
		return true
	}
	return false
}

// Duration returns the bar interval as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	}
	return 0
}

// BarsPerHour returns how many bars of tf fit in an hour, minimum 1.
func (tf Timeframe) BarsPerHour() int {
	if d := tf.Duration(); d > 0 && d < time.Hour {
		return int(time.Hour / d)
	}
	return 1
}

// ====================
// Bar
// ====================

// Bar is one closed candle. The engine only ever sees closed bars; a
// forming candle never reaches it.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Validate checks internal consistency: high is the ceiling, low the floor,
// all prices positive.
func (b Bar) Validate() error {
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return fmt.Errorf("%w: non-positive price", ErrInvalidBar)
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("%w: high %s below low %s", ErrInvalidBar, b.High, b.Low)
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) ||
		b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return fmt.Errorf("%w: open/close outside high-low range", ErrInvalidBar)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume", ErrInvalidBar)
	}
	return nil
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func (b Bar) TrueRange(prevClose decimal.Decimal) decimal.Decimal {
	tr := b.High.Sub(b.Low)
	if hc := b.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := b.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// Aggregate rolls groupN consecutive base bars into one bar of timeframe
// tf: first open, max high, min low, last close, summed volume. A trailing
// partial group is dropped rather than emitted as an incomplete candle.
func Aggregate(base []Bar, groupN int, tf Timeframe) []Bar {
	if groupN <= 0 || len(base) < groupN {
		return nil
	}
	out := make([]Bar, 0, len(base)/groupN)
	for i := 0; i+groupN <= len(base); i += groupN {
		g := base[i : i+groupN]
		agg := Bar{
			Symbol:    g[0].Symbol,
			Timeframe: tf,
			OpenTime:  g[0].OpenTime,
			Open:      g[0].Open,
			High:      g[0].High,
			Low:       g[0].Low,
			Close:     g[groupN-1].Close,
			Volume:    g[0].Volume,
		}
		for _, b := range g[1:] {
			if b.High.GreaterThan(agg.High) {
				agg.High = b.High
			}
			if b.Low.LessThan(agg.Low) {
				agg.Low = b.Low
			}
			agg.Volume = agg.Volume.Add(b.Volume)
		}
		out = append(out, agg)
	}
	return out
}
