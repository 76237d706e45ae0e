package exit

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is the ConfigError class: fatal at construction, the
// position never opens. The specific plan errors below wrap it so callers
// can match either the class or the exact violation.
var ErrInvalidPlan = errors.New("invalid exit plan")

var (
	ErrEmptyLadder         = fmt.Errorf("%w: at least one partial target required", ErrInvalidPlan)
	ErrTargetsMismatch     = fmt.Errorf("%w: r-multiple/fraction list length mismatch", ErrInvalidPlan)
	ErrTargetsNotAscending = fmt.Errorf("%w: r-multiples not strictly increasing", ErrInvalidPlan)
	ErrBadRMultiple        = fmt.Errorf("%w: r-multiple must be positive", ErrInvalidPlan)
	ErrBadFraction         = fmt.Errorf("%w: fraction must be in (0,1]", ErrInvalidPlan)
	ErrFractionSum         = fmt.Errorf("%w: fractions sum above 1", ErrInvalidPlan)
	ErrBadATRConfig        = fmt.Errorf("%w: atr config must be positive", ErrInvalidPlan)
	ErrBadTimeStop         = fmt.Errorf("%w: time stop must be >= 0 bars", ErrInvalidPlan)
	ErrBadLevelConfig      = fmt.Errorf("%w: bad level target config", ErrInvalidPlan)
	ErrBadTieBreak         = fmt.Errorf("%w: unknown tie-break policy", ErrInvalidPlan)
)

// Position errors
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position already closed")
	ErrZeroRiskUnit     = fmt.Errorf("%w: entry price equals initial stop", ErrInvalidPlan)
)

// Engine errors
var (
	// ErrEngineFrozen marks an engine that refused further bars after a
	// data gap; other positions are unaffected.
	ErrEngineFrozen = errors.New("engine frozen after data gap")
)
