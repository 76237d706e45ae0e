package market

import "context"

// BarFeed yields closed bars for one symbol/timeframe in strictly
// increasing open-time order. A historical feed returns ErrEndOfStream
// when exhausted; a live feed blocks until the next candle closes or the
// context is done.
type BarFeed interface {
	Next(ctx context.Context, symbol string, tf Timeframe) (Bar, error)
}
