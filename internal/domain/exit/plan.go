package exit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TieBreak resolves intrabar ambiguity when both the stop and a target sit
// inside a single bar's range. OHLC bars do not reveal which was touched
// first; the policy makes the assumption explicit and must be recorded with
// every backtest result.
type TieBreak string

const (
	// TieBreakStopFirst assumes the adverse path came first (pessimistic
	// default, avoids overstating historical performance).
	TieBreakStopFirst TieBreak = "STOP_FIRST"
	// TieBreakTargetFirst assumes the favorable path came first; used for
	// sensitivity analysis.
	TieBreakTargetFirst TieBreak = "TARGET_FIRST"
)

// Valid reports whether tb is a known policy.
func (tb TieBreak) Valid() bool {
	return tb == TieBreakStopFirst || tb == TieBreakTargetFirst
}

// PartialTarget is one rung of the R ladder: close Fraction of the initial
// quantity once price reaches entry +/- RMultiple x risk unit.
type PartialTarget struct {
	RMultiple decimal.Decimal `json:"r_multiple"`
	Fraction  decimal.Decimal `json:"fraction"`
}

// TrailingConfig parameterizes the ATR trailing stop.
type TrailingConfig struct {
	ATRPeriod   int             `json:"atr_period"`
	ATRMultiple decimal.Decimal `json:"atr_multiple"`
}

// LevelConfig parameterizes the optional structural level target.
type LevelConfig struct {
	Enabled       bool            `json:"enabled"`
	LookbackHours int             `json:"lookback_hours"`
	MarginPct     decimal.Decimal `json:"margin_pct"`
	// RefreshBars is the re-scan cadence; 0 means scan once per position.
	RefreshBars int `json:"refresh_bars"`
}

// ExitPlan is the validated, immutable exit rule set for one position.
// Build it through NewPlan; a zero ExitPlan is not usable.
type ExitPlan struct {
	Partials     []PartialTarget `json:"partials"`
	Trailing     TrailingConfig  `json:"trailing"`
	TimeStopBars int             `json:"time_stop_bars"` // 0 = disabled
	Level        LevelConfig     `json:"level"`
	TieBreak     TieBreak        `json:"tie_break"`
}

// PlanConfig is the raw, unvalidated configuration as it arrives from env
// or JSON. Lists are parallel: RMultiples[i] pairs with Fractions[i].
type PlanConfig struct {
	RMultiples    []float64 `json:"r_multiples"`
	Fractions     []float64 `json:"fractions"`
	ATRPeriod     int       `json:"atr_period"`
	ATRMultiple   float64   `json:"atr_multiple"`
	TimeStopBars  int       `json:"time_stop_bars"`
	LevelEnabled  bool      `json:"level_enabled"`
	LookbackHours int       `json:"level_lookback_hours"`
	MarginPct     float64   `json:"level_margin_pct"`
	RefreshBars   int       `json:"level_refresh_bars"`
	TieBreak      string    `json:"tie_break"`
}

// fractionSumEpsilon tolerates float noise in fraction sums such as
// 0.5+0.25+0.25 arriving as 1.0000000000000002 from upstream tooling.
var fractionSumEpsilon = decimal.RequireFromString("0.000001")

// NewPlan validates cfg and returns an immutable ExitPlan. Any violation is
// rejected here with a wrapped ErrInvalidPlan; the caller must refuse to
// open the position. Values are never clamped silently.
func NewPlan(cfg PlanConfig) (*ExitPlan, error) {
	if len(cfg.RMultiples) != len(cfg.Fractions) {
		return nil, fmt.Errorf("%w: %d r-multiples vs %d fractions",
			ErrTargetsMismatch, len(cfg.RMultiples), len(cfg.Fractions))
	}
	// An empty ladder leaves the level target with no rung to fire
	// through, so it is a construction error, not a degenerate plan.
	if len(cfg.RMultiples) == 0 {
		return nil, ErrEmptyLadder
	}

	partials := make([]PartialTarget, 0, len(cfg.RMultiples))
	sum := decimal.Zero
	prev := decimal.Zero
	for i := range cfg.RMultiples {
		r := decimal.NewFromFloat(cfg.RMultiples[i])
		f := decimal.NewFromFloat(cfg.Fractions[i])
		if !r.IsPositive() {
			return nil, fmt.Errorf("%w: r-multiple #%d = %s", ErrBadRMultiple, i+1, r)
		}
		if !r.GreaterThan(prev) {
			return nil, fmt.Errorf("%w: #%d (%s) not above #%d (%s)",
				ErrTargetsNotAscending, i+1, r, i, prev)
		}
		if !f.IsPositive() || f.GreaterThan(decimal.New(1, 0)) {
			return nil, fmt.Errorf("%w: fraction #%d = %s", ErrBadFraction, i+1, f)
		}
		prev = r
		sum = sum.Add(f)
		partials = append(partials, PartialTarget{RMultiple: r, Fraction: f})
	}
	if sum.GreaterThan(decimal.New(1, 0).Add(fractionSumEpsilon)) {
		return nil, fmt.Errorf("%w: sum %s", ErrFractionSum, sum)
	}

	if cfg.ATRPeriod <= 0 {
		return nil, fmt.Errorf("%w: atr period %d", ErrBadATRConfig, cfg.ATRPeriod)
	}
	mult := decimal.NewFromFloat(cfg.ATRMultiple)
	if !mult.IsPositive() {
		return nil, fmt.Errorf("%w: atr multiple %s", ErrBadATRConfig, mult)
	}
	if cfg.TimeStopBars < 0 {
		return nil, fmt.Errorf("%w: time stop %d bars", ErrBadTimeStop, cfg.TimeStopBars)
	}

	margin := decimal.NewFromFloat(cfg.MarginPct)
	if cfg.LevelEnabled {
		if cfg.LookbackHours <= 0 {
			return nil, fmt.Errorf("%w: lookback %d hours", ErrBadLevelConfig, cfg.LookbackHours)
		}
		if margin.IsNegative() {
			return nil, fmt.Errorf("%w: margin %s", ErrBadLevelConfig, margin)
		}
		if cfg.RefreshBars < 0 {
			return nil, fmt.Errorf("%w: refresh cadence %d bars", ErrBadLevelConfig, cfg.RefreshBars)
		}
	}

	tb := TieBreak(cfg.TieBreak)
	if tb == "" {
		tb = TieBreakStopFirst
	}
	if !tb.Valid() {
		return nil, fmt.Errorf("%w: tie-break %q", ErrBadTieBreak, cfg.TieBreak)
	}

	return &ExitPlan{
		Partials: partials,
		Trailing: TrailingConfig{
			ATRPeriod:   cfg.ATRPeriod,
			ATRMultiple: mult,
		},
		TimeStopBars: cfg.TimeStopBars,
		Level: LevelConfig{
			Enabled:       cfg.LevelEnabled,
			LookbackHours: cfg.LookbackHours,
			MarginPct:     margin,
			RefreshBars:   cfg.RefreshBars,
		},
		TieBreak: tb,
	}, nil
}

// LastPartial returns the final rung of the configured R ladder.
func (p *ExitPlan) LastPartial() PartialTarget {
	return p.Partials[len(p.Partials)-1]
}
