// Package backtest replays historical bar streams through exit engines and
// accounts for the resulting decisions. The replay path shares the engine
// and tracker code with live mode; only the feed differs.
package backtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
)

// Trade is one fully closed position with its event log and realized
// outcome. RMultiple normalizes PnL by the position's initial risk.
type Trade struct {
	Position    exit.Position    `json:"position"`
	Events      []exit.ExitEvent `json:"events"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	RMultiple   decimal.Decimal  `json:"r_multiple"`
	ExitReason  string           `json:"exit_reason"` // reason of the terminal event
	ClosedAt    time.Time        `json:"closed_at"`
}

// EquityPoint is one step of the cumulative realized PnL curve.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Ledger is an EventSink that books every exit event into realized PnL,
// completed trades and an equity curve. It is safe for concurrent use so a
// single ledger can sit behind a per-symbol fan-out.
type Ledger struct {
	mu        sync.Mutex
	positions map[uuid.UUID]exit.Position
	open      map[uuid.UUID]*tradeAccum
	trades    []Trade
	events    []exit.ExitEvent
	equity    []EquityPoint
	realized  decimal.Decimal
}

type tradeAccum struct {
	events []exit.ExitEvent
	pnl    decimal.Decimal
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[uuid.UUID]exit.Position),
		open:      make(map[uuid.UUID]*tradeAccum),
	}
}

// Register announces a position before its engine emits events. Events for
// unregistered positions are rejected.
func (l *Ledger) Register(pos exit.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.PositionID] = pos
	l.open[pos.PositionID] = &tradeAccum{}
}

// OnEvent implements exit.EventSink.
func (l *Ledger) OnEvent(_ context.Context, positionID uuid.UUID, ev exit.ExitEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[positionID]
	if !ok {
		return exit.ErrPositionNotFound
	}
	acc := l.open[positionID]
	if acc == nil {
		return exit.ErrPositionClosed
	}

	l.events = append(l.events, ev)
	acc.events = append(acc.events, ev)

	if ev.Type == exit.EventStopUpdate {
		return nil
	}

	// Realized PnL of the closed slice, signed by side.
	delta := ev.Price.Sub(pos.EntryPrice).Mul(ev.Qty)
	if pos.Side == exit.SideShort {
		delta = delta.Neg()
	}
	acc.pnl = acc.pnl.Add(delta)
	l.realized = l.realized.Add(delta)
	l.equity = append(l.equity, EquityPoint{Time: ev.BarTime, Equity: l.realized})

	if ev.Type == exit.EventFullClose || l.closedQty(acc).GreaterThanOrEqual(pos.InitialQty) {
		l.finalize(pos, acc, ev)
	}
	return nil
}

func (l *Ledger) closedQty(acc *tradeAccum) decimal.Decimal {
	sum := decimal.Zero
	for _, ev := range acc.events {
		if ev.Type == exit.EventStopUpdate {
			continue
		}
		sum = sum.Add(ev.Qty)
	}
	return sum
}

func (l *Ledger) finalize(pos exit.Position, acc *tradeAccum, last exit.ExitEvent) {
	risk := pos.RiskUnit().Mul(pos.InitialQty)
	r := decimal.Zero
	if risk.IsPositive() {
		r = acc.pnl.Div(risk)
	}
	l.trades = append(l.trades, Trade{
		Position:    pos,
		Events:      acc.events,
		RealizedPnL: acc.pnl,
		RMultiple:   r,
		ExitReason:  last.Reason,
		ClosedAt:    last.BarTime,
	})
	delete(l.open, pos.PositionID)
}

// Trades returns the completed trades in close order.
func (l *Ledger) Trades() []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Events returns every booked event in arrival order.
func (l *Ledger) Events() []exit.ExitEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]exit.ExitEvent, len(l.events))
	copy(out, l.events)
	return out
}

// EquityCurve returns cumulative realized PnL after each closing event.
func (l *Ledger) EquityCurve() []EquityPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EquityPoint, len(l.equity))
	copy(out, l.equity)
	return out
}

// Realized returns total realized PnL so far.
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}
