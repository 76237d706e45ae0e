package exit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ====================
// Side
// ====================

// Side is the trade direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// ====================
// Position
// ====================

// Position is one open trade handed over by a signal generator. It is owned
// exclusively by a single exit engine instance and mutated only through it.
type Position struct {
	PositionID  uuid.UUID       `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	EntryTime   time.Time       `json:"entry_time"`
	InitialQty  decimal.Decimal `json:"initial_qty"`
	InitialStop decimal.Decimal `json:"initial_stop"`
	Strategy    string          `json:"strategy"`
}

// RiskUnit returns |entry - initial stop|, the denominator of every
// R-multiple in the plan.
func (p Position) RiskUnit() decimal.Decimal {
	return p.EntryPrice.Sub(p.InitialStop).Abs()
}

// ====================
// Engine state
// ====================

// State is the exit engine phase. StateClosed is terminal: no transition
// leaves it and no event may be emitted after it.
type State string

const (
	StateOpen            State = "OPEN"
	StatePartiallyClosed State = "PARTIALLY_CLOSED"
	StateClosed          State = "CLOSED"
)

// TrailingState carries the ratchet: Extreme is the highest high since
// entry for a long (lowest low for a short) and CurrentStop may only
// tighten, never loosen.
type TrailingState struct {
	Extreme     decimal.Decimal `json:"extreme"`
	CurrentStop decimal.Decimal `json:"current_stop"`
}

// LevelTarget is a structural price discovered after entry that replaces
// the terminal partial target when it sits farther in trade direction.
type LevelTarget struct {
	Price        decimal.Decimal `json:"price"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// ====================
// ExitEvent
// ====================

// EventType classifies an exit engine decision.
type EventType string

const (
	EventPartialClose EventType = "PARTIAL_CLOSE"
	EventStopUpdate   EventType = "STOP_UPDATE"
	EventFullClose    EventType = "FULL_CLOSE"
)

// Reason codes
const (
	ReasonTP      = "TP"       // numbered per target: TP1, TP2, ...
	ReasonTrail   = "TRAIL"    // trailing stop ratcheted (STOP_UPDATE)
	ReasonLevelTP = "LEVEL_TP" // synthetic structural target
	ReasonSL      = "SL"       // stop at the initial level
	ReasonTrailSL = "TRAIL_SL" // stop after the trail ratcheted
	ReasonTime    = "TIME"     // bar-count deadline
	ReasonEOP     = "EOP"      // end of replay stream
	ReasonManual  = "MANUAL"   // external override
)

// ExitEvent is one append-only entry in a position's decision log. The
// FULL_CLOSE event is terminal and unique per position.
type ExitEvent struct {
	EventID    uuid.UUID       `json:"event_id"`
	PositionID uuid.UUID       `json:"position_id"`
	Type       EventType       `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Reason     string          `json:"reason"`
	BarTime    time.Time       `json:"bar_time"`
}
