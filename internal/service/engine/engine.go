// Package engine implements the shared position-exit state machine. One
// engine instance owns exactly one position and shares no mutable state
// with any other instance, so positions can be evaluated fully in
// parallel. Decisions depend only on the bar sequence, the plan and the
// tracker values, which makes a historical replay and a live incremental
// stream produce bit-identical event logs.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
)

// ATRSource exposes the current average true range for the position's
// symbol/timeframe. Implementations degrade with
// indicator.ErrInsufficientHistory while warming up.
type ATRSource interface {
	Value() (decimal.Decimal, error)
}

// LevelSource finds the nearest structural level beyond entry in the
// trade's favorable direction, excluding levels within marginPct of entry.
type LevelSource interface {
	NearestLevel(side exit.Side, entry, marginPct decimal.Decimal) (decimal.Decimal, time.Time, error)
}

// Engine drives one position through OPEN -> PARTIALLY_CLOSED -> CLOSED.
type Engine struct {
	pos  exit.Position
	plan *exit.ExitPlan
	atr  ATRSource
	lvl  LevelSource
	sink exit.EventSink

	state     exit.State
	trailing  exit.TrailingState
	triggered []bool
	remaining decimal.Decimal
	level     *exit.LevelTarget

	elapsed    int // bars processed after the entry bar
	levelScans int
	lastBar    time.Time
	frozen     bool
}

// New validates the position against the plan and builds a fresh engine.
// The trailing extreme seeds from the entry price, not the entry bar's
// range: the entry bar's path before the fill is not the position's.
func New(pos exit.Position, plan *exit.ExitPlan, atr ATRSource, lvl LevelSource, sink exit.EventSink) (*Engine, error) {
	if !pos.Side.Valid() {
		return nil, fmt.Errorf("%w: side %q", exit.ErrInvalidPlan, pos.Side)
	}
	if !pos.InitialQty.IsPositive() {
		return nil, fmt.Errorf("%w: initial qty %s", exit.ErrInvalidPlan, pos.InitialQty)
	}
	if pos.RiskUnit().IsZero() {
		return nil, exit.ErrZeroRiskUnit
	}
	if plan == nil {
		return nil, exit.ErrInvalidPlan
	}
	return &Engine{
		pos:  pos,
		plan: plan,
		atr:  atr,
		lvl:  lvl,
		sink: sink,
		state: exit.StateOpen,
		trailing: exit.TrailingState{
			Extreme:     pos.EntryPrice,
			CurrentStop: pos.InitialStop,
		},
		triggered: make([]bool, len(plan.Partials)),
		remaining: pos.InitialQty,
	}, nil
}

// State returns the current phase.
func (e *Engine) State() exit.State { return e.state }

// Remaining returns the open quantity.
func (e *Engine) Remaining() decimal.Decimal { return e.remaining }

// CurrentStop returns the active stop price.
func (e *Engine) CurrentStop() decimal.Decimal { return e.trailing.CurrentStop }

// Position returns the owned position.
func (e *Engine) Position() exit.Position { return e.pos }

// OnBar consumes the next closed bar for the position's symbol/timeframe
// and returns the exit events decided on that bar, in emission order.
// Steps run in a fixed order: partial targets, trailing update, stop
// check, time stop, level refresh.
func (e *Engine) OnBar(ctx context.Context, bar market.Bar) ([]exit.ExitEvent, error) {
	if e.state == exit.StateClosed {
		return nil, exit.ErrPositionClosed
	}
	if e.frozen {
		return nil, exit.ErrEngineFrozen
	}
	if err := bar.Validate(); err != nil {
		return nil, err
	}
	if !e.lastBar.IsZero() && bar.OpenTime.Before(e.lastBar) {
		// Freeze in last known state; other positions are unaffected.
		e.frozen = true
		log.Warn().
			Str("symbol", e.pos.Symbol).
			Str("position_id", e.pos.PositionID.String()).
			Time("bar_time", bar.OpenTime).
			Time("last_bar", e.lastBar).
			Msg("Out-of-order bar, freezing engine")
		return nil, market.ErrOutOfOrderBar
	}
	e.lastBar = bar.OpenTime

	// The entry bar only seeds history; management starts next bar.
	if !bar.OpenTime.After(e.pos.EntryTime) {
		return nil, nil
	}
	e.elapsed++

	var events []exit.ExitEvent

	// Every stop decision on this bar runs against the stop that was
	// resting when the bar opened. A ratchet computed from this bar's own
	// extreme arms on the next bar; otherwise any bar wide enough would
	// close the position at a stop price it created itself.
	restingStop := e.trailing.CurrentStop
	restingStopHit := e.stopTouched(bar, restingStop)

	// 1. Partial targets, ascending R order. Filled at the target price:
	// a resting limit order does not fill better on an overshoot bar.
	if !(restingStopHit && e.plan.TieBreak == exit.TieBreakStopFirst) {
		events = append(events, e.applyPartials(bar)...)
	}

	// 2. Trailing stop update (ratchet: tighten only). Skipped when the
	// resting stop is hit below: the position closes this bar and the
	// fresh stop would have no bar to protect.
	if e.state != exit.StateClosed && !restingStopHit {
		if ev, ok := e.updateTrailing(bar); ok {
			events = append(events, ev)
		}
	}

	// 3. Stop check against the resting stop.
	if e.state != exit.StateClosed && restingStopHit {
		reason := exit.ReasonSL
		if !restingStop.Equal(e.pos.InitialStop) {
			reason = exit.ReasonTrailSL
		}
		events = append(events, e.fullClose(restingStop, reason, bar.OpenTime))
	}

	// 4. Time stop: a bar-count deadline, unaffected by feed latency.
	if e.state != exit.StateClosed && e.plan.TimeStopBars > 0 && e.elapsed >= e.plan.TimeStopBars {
		events = append(events, e.fullClose(bar.Close, exit.ReasonTime, bar.OpenTime))
	}

	// 5. Level-target refresh.
	if e.state != exit.StateClosed && e.plan.Level.Enabled && e.lvl != nil {
		e.refreshLevel(bar)
	}

	e.deliver(ctx, events)
	return events, nil
}

// CloseNow emits an immediate synthetic MANUAL full close (external
// override) and short-circuits all further bar processing.
func (e *Engine) CloseNow(ctx context.Context, price decimal.Decimal, at time.Time) (exit.ExitEvent, error) {
	if e.state == exit.StateClosed {
		return exit.ExitEvent{}, exit.ErrPositionClosed
	}
	ev := e.fullClose(price, exit.ReasonManual, at)
	e.deliver(ctx, []exit.ExitEvent{ev})
	return ev, nil
}

// CloseEndOfStream force-closes the remainder when a replay's bar stream
// ends with the position still open, so every replayed position reaches a
// terminal state and quantity conservation holds.
func (e *Engine) CloseEndOfStream(ctx context.Context, price decimal.Decimal, at time.Time) (exit.ExitEvent, error) {
	if e.state == exit.StateClosed {
		return exit.ExitEvent{}, exit.ErrPositionClosed
	}
	ev := e.fullClose(price, exit.ReasonEOP, at)
	e.deliver(ctx, []exit.ExitEvent{ev})
	return ev, nil
}

// applyPartials fires every untriggered target the bar reached, in
// ascending R order. The terminal target may have been superseded by a
// structural level, in which case it closes all remaining quantity.
func (e *Engine) applyPartials(bar market.Bar) []exit.ExitEvent {
	var events []exit.ExitEvent
	for i := range e.plan.Partials {
		if e.triggered[i] || e.remaining.IsZero() {
			continue
		}
		price, qty, reason := e.targetAt(i)
		if !e.targetTouched(bar, price) {
			continue
		}
		if qty.GreaterThan(e.remaining) {
			qty = e.remaining
		}
		e.triggered[i] = true
		e.remaining = e.remaining.Sub(qty)
		events = append(events, exit.ExitEvent{
			PositionID: e.pos.PositionID,
			Type:       exit.EventPartialClose,
			Price:      price,
			Qty:        qty,
			Reason:     reason,
			BarTime:    bar.OpenTime,
		})
		if e.remaining.IsZero() {
			e.state = exit.StateClosed
			return events
		}
		e.state = exit.StatePartiallyClosed
	}
	return events
}

// targetAt resolves rung i of the ladder: price, quantity, reason. The
// last rung yields to the installed level target when present.
func (e *Engine) targetAt(i int) (decimal.Decimal, decimal.Decimal, string) {
	pt := e.plan.Partials[i]
	if i == len(e.plan.Partials)-1 && e.level != nil {
		return e.level.Price, e.remaining, exit.ReasonLevelTP
	}
	return e.ladderPrice(pt.RMultiple), pt.Fraction.Mul(e.pos.InitialQty), fmt.Sprintf("%s%d", exit.ReasonTP, i+1)
}

// ladderPrice is entry +/- r x risk unit, sign per side.
func (e *Engine) ladderPrice(r decimal.Decimal) decimal.Decimal {
	dist := r.Mul(e.pos.RiskUnit())
	if e.pos.Side == exit.SideLong {
		return e.pos.EntryPrice.Add(dist)
	}
	return e.pos.EntryPrice.Sub(dist)
}

func (e *Engine) targetTouched(bar market.Bar, target decimal.Decimal) bool {
	if e.pos.Side == exit.SideLong {
		return bar.High.GreaterThanOrEqual(target)
	}
	return bar.Low.LessThanOrEqual(target)
}

func (e *Engine) stopTouched(bar market.Bar, stop decimal.Decimal) bool {
	if e.pos.Side == exit.SideLong {
		return bar.Low.LessThanOrEqual(stop)
	}
	return bar.High.GreaterThanOrEqual(stop)
}

// updateTrailing ratchets the extreme from this bar and tightens the stop
// to extreme -/+ multiple x ATR. Missing ATR history skips the update and
// keeps the prior stop: degradation, not a fault.
func (e *Engine) updateTrailing(bar market.Bar) (exit.ExitEvent, bool) {
	if e.pos.Side == exit.SideLong {
		if bar.High.GreaterThan(e.trailing.Extreme) {
			e.trailing.Extreme = bar.High
		}
	} else {
		if bar.Low.LessThan(e.trailing.Extreme) {
			e.trailing.Extreme = bar.Low
		}
	}

	if e.atr == nil {
		return exit.ExitEvent{}, false
	}
	atr, err := e.atr.Value()
	if err != nil {
		return exit.ExitEvent{}, false
	}

	offset := e.plan.Trailing.ATRMultiple.Mul(atr)
	var candidate decimal.Decimal
	tightens := false
	if e.pos.Side == exit.SideLong {
		candidate = e.trailing.Extreme.Sub(offset)
		tightens = candidate.GreaterThan(e.trailing.CurrentStop)
	} else {
		candidate = e.trailing.Extreme.Add(offset)
		tightens = candidate.LessThan(e.trailing.CurrentStop)
	}
	if !tightens {
		return exit.ExitEvent{}, false
	}
	e.trailing.CurrentStop = candidate
	return exit.ExitEvent{
		PositionID: e.pos.PositionID,
		Type:       exit.EventStopUpdate,
		Price:      candidate,
		Qty:        e.remaining,
		Reason:     exit.ReasonTrail,
		BarTime:    bar.OpenTime,
	}, true
}

func (e *Engine) fullClose(price decimal.Decimal, reason string, at time.Time) exit.ExitEvent {
	ev := exit.ExitEvent{
		PositionID: e.pos.PositionID,
		Type:       exit.EventFullClose,
		Price:      price,
		Qty:        e.remaining,
		Reason:     reason,
		BarTime:    at,
	}
	e.remaining = decimal.Zero
	e.state = exit.StateClosed
	return ev
}

// refreshLevel queries the level source on the configured cadence and
// installs a synthetic terminal target when the discovered level sits
// farther in trade direction than the last configured partial. Triggered
// partials are immutable history and are never revisited.
func (e *Engine) refreshLevel(bar market.Bar) {
	if e.plan.Level.RefreshBars == 0 {
		if e.levelScans > 0 {
			return
		}
	} else if e.elapsed%e.plan.Level.RefreshBars != 0 {
		return
	}

	if e.triggered[len(e.plan.Partials)-1] {
		return
	}

	price, _, err := e.lvl.NearestLevel(e.pos.Side, e.pos.EntryPrice, e.plan.Level.MarginPct)
	if err != nil {
		// A failed scan (warming window, no pivots yet) does not consume
		// the scan budget; the next eligible bar tries again.
		return
	}
	e.levelScans++

	// Only ever extend beyond the fixed R ladder, never pull it closer.
	lastPrice := e.ladderPrice(e.plan.LastPartial().RMultiple)
	if e.pos.Side == exit.SideLong && !price.GreaterThan(lastPrice) {
		return
	}
	if e.pos.Side == exit.SideShort && !price.LessThan(lastPrice) {
		return
	}

	e.level = &exit.LevelTarget{Price: price, DiscoveredAt: bar.OpenTime}
	log.Debug().
		Str("symbol", e.pos.Symbol).
		Str("level_price", price.String()).
		Msg("Structural level target installed")
}

// deliver pushes events to the sink in emission order. An emitted event is
// final: delivery failures are the sink's to retry, so they are logged and
// never unwind engine state.
func (e *Engine) deliver(ctx context.Context, events []exit.ExitEvent) {
	if e.sink == nil {
		return
	}
	for _, ev := range events {
		if err := e.sink.OnEvent(ctx, e.pos.PositionID, ev); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", e.pos.Symbol).
				Str("type", string(ev.Type)).
				Str("reason", ev.Reason).
				Msg("Event sink delivery failed (event stands)")
		}
	}
}
