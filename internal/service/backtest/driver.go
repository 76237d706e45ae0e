package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
	"github.com/Brokenbass90/by-bot/internal/service/engine"
	"github.com/Brokenbass90/by-bot/internal/service/indicator"
	"github.com/Brokenbass90/by-bot/internal/service/levels"
)

// Run is one symbol's replay unit: the positions to manage and the plan
// they share. Positions on different symbols never share state, so runs
// fan out to independent goroutines.
type Run struct {
	Symbol    string
	Timeframe market.Timeframe
	Positions []exit.Position
	Plan      *exit.ExitPlan
}

// Driver replays historical bar streams through exit engines. One ATR
// tracker per run, updated once per bar before any engine sees it; all
// engines of the run read the same tracker value.
type Driver struct {
	feed      market.BarFeed
	sink      exit.EventSink
	scanner   *levels.Scanner
	smoothing indicator.Smoothing
}

// NewDriver wires a replay driver. The sink receives every event in
// emission order; pass a Ledger to get PnL accounting for free.
func NewDriver(feed market.BarFeed, sink exit.EventSink, scanner *levels.Scanner, smoothing indicator.Smoothing) *Driver {
	return &Driver{feed: feed, sink: sink, scanner: scanner, smoothing: smoothing}
}

// windowLevels adapts the scanner plus the driver's rolling bar window to
// the engine's level source. Structure is scanned on hourly candles rolled
// up from the base stream. The window is mutated only between OnBar
// dispatches of the same goroutine.
type windowLevels struct {
	scanner *levels.Scanner
	window  *[]market.Bar
	groupN  int
}

func (w windowLevels) NearestLevel(side exit.Side, entry, marginPct decimal.Decimal) (decimal.Decimal, time.Time, error) {
	p, err := w.scanner.NearestAggregated(*w.window, w.groupN, market.Timeframe1h, side, entry, marginPct)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return p.Price, p.Bar.OpenTime, nil
}

// RunSymbol replays one symbol's stream to completion. Any position still
// open when the stream ends is force-closed at the last bar's close.
func (d *Driver) RunSymbol(ctx context.Context, run Run) error {
	if run.Plan == nil {
		return exit.ErrInvalidPlan
	}
	if !run.Timeframe.Valid() {
		return fmt.Errorf("%w: timeframe %q", market.ErrInvalidBar, run.Timeframe)
	}

	tracker := indicator.NewATRTracker(run.Plan.Trailing.ATRPeriod, d.smoothing)

	var window []market.Bar
	windowCap := 0
	var lvl engine.LevelSource
	if run.Plan.Level.Enabled && d.scanner != nil {
		windowCap = int(time.Duration(run.Plan.Level.LookbackHours) * time.Hour / run.Timeframe.Duration())
		lvl = windowLevels{scanner: d.scanner, window: &window, groupN: run.Timeframe.BarsPerHour()}
	}

	// Registration order, so same-bar events from different positions
	// always reach the sink in the same sequence and replay artifacts
	// are reproducible byte for byte.
	active := make([]*engine.Engine, 0, len(run.Positions))
	for _, pos := range run.Positions {
		eng, err := engine.New(pos, run.Plan, tracker, lvl, d.sink)
		if err != nil {
			return fmt.Errorf("position %s: %w", pos.PositionID, err)
		}
		active = append(active, eng)
	}

	var lastBar market.Bar
	seen := false
	for {
		bar, err := d.feed.Next(ctx, run.Symbol, run.Timeframe)
		if errors.Is(err, market.ErrEndOfStream) {
			break
		}
		if err != nil {
			return fmt.Errorf("feed %s/%s: %w", run.Symbol, run.Timeframe, err)
		}
		if err := bar.Validate(); err != nil {
			log.Warn().Err(err).
				Str("symbol", run.Symbol).
				Time("bar_time", bar.OpenTime).
				Msg("Skipping malformed bar")
			continue
		}
		lastBar, seen = bar, true

		// Single writer: the tracker and window advance once per bar,
		// before any engine reads them.
		tracker.Update(bar)
		if windowCap > 0 {
			window = append(window, bar)
			if len(window) > windowCap {
				window = window[len(window)-windowCap:]
			}
		}

		kept := active[:0]
		for _, eng := range active {
			if bar.OpenTime.Before(eng.Position().EntryTime) {
				kept = append(kept, eng)
				continue
			}
			if _, err := eng.OnBar(ctx, bar); err != nil {
				// A frozen or closed engine leaves the run; the rest of
				// the symbol's positions keep replaying.
				if !errors.Is(err, exit.ErrPositionClosed) {
					log.Warn().Err(err).
						Str("symbol", run.Symbol).
						Str("position_id", eng.Position().PositionID.String()).
						Msg("Engine dropped from replay")
				}
				continue
			}
			if eng.State() != exit.StateClosed {
				kept = append(kept, eng)
			}
		}
		active = kept
	}

	if !seen {
		return nil
	}
	for _, eng := range active {
		if _, err := eng.CloseEndOfStream(ctx, lastBar.Close, lastBar.OpenTime); err != nil &&
			!errors.Is(err, exit.ErrPositionClosed) {
			return err
		}
	}
	return nil
}

// RunUniverse replays every run concurrently, one goroutine per symbol.
// The first failing symbol cancels the rest.
func (d *Driver) RunUniverse(ctx context.Context, runs []Run) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			start := time.Now()
			if err := d.RunSymbol(ctx, run); err != nil {
				return fmt.Errorf("replay %s: %w", run.Symbol, err)
			}
			log.Info().
				Str("symbol", run.Symbol).
				Int("positions", len(run.Positions)).
				Dur("elapsed", time.Since(start)).
				Msg("Symbol replay complete")
			return nil
		})
	}
	return g.Wait()
}
