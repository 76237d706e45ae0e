package exit

import (
	"errors"
	"testing"
)

func validCfg() PlanConfig {
	return PlanConfig{
		RMultiples:  []float64{1, 2, 4},
		Fractions:   []float64{0.5, 0.25, 0.15},
		ATRPeriod:   14,
		ATRMultiple: 2.5,
	}
}

func TestNewPlan(t *testing.T) {
	t.Run("valid config builds a plan", func(t *testing.T) {
		plan, err := NewPlan(validCfg())
		if err != nil {
			t.Fatalf("NewPlan: %v", err)
		}
		if len(plan.Partials) != 3 {
			t.Errorf("partials = %d, want 3", len(plan.Partials))
		}
		if plan.TieBreak != TieBreakStopFirst {
			t.Errorf("tie-break = %s, want STOP_FIRST default", plan.TieBreak)
		}
	})

	t.Run("fraction sum tolerates float noise", func(t *testing.T) {
		cfg := validCfg()
		cfg.Fractions = []float64{0.5, 0.25, 0.25} // may sum to 1.0000000000000002
		if _, err := NewPlan(cfg); err != nil {
			t.Fatalf("NewPlan: %v", err)
		}
	})

	cases := []struct {
		name    string
		mutate  func(*PlanConfig)
		wantErr error
	}{
		{
			name:    "list length mismatch",
			mutate:  func(c *PlanConfig) { c.Fractions = []float64{0.5} },
			wantErr: ErrTargetsMismatch,
		},
		{
			name: "empty ladder",
			mutate: func(c *PlanConfig) {
				c.RMultiples = nil
				c.Fractions = nil
			},
			wantErr: ErrEmptyLadder,
		},
		{
			name:    "non-positive r-multiple",
			mutate:  func(c *PlanConfig) { c.RMultiples = []float64{0, 2, 4} },
			wantErr: ErrBadRMultiple,
		},
		{
			name:    "r-multiples not ascending",
			mutate:  func(c *PlanConfig) { c.RMultiples = []float64{1, 4, 2} },
			wantErr: ErrTargetsNotAscending,
		},
		{
			name:    "duplicate r-multiples",
			mutate:  func(c *PlanConfig) { c.RMultiples = []float64{1, 2, 2} },
			wantErr: ErrTargetsNotAscending,
		},
		{
			name:    "fraction above one",
			mutate:  func(c *PlanConfig) { c.Fractions = []float64{1.5, 0.25, 0.15} },
			wantErr: ErrBadFraction,
		},
		{
			name:    "fractions sum above one",
			mutate:  func(c *PlanConfig) { c.Fractions = []float64{0.5, 0.5, 0.5} },
			wantErr: ErrFractionSum,
		},
		{
			name:    "zero atr period",
			mutate:  func(c *PlanConfig) { c.ATRPeriod = 0 },
			wantErr: ErrBadATRConfig,
		},
		{
			name:    "negative atr multiple",
			mutate:  func(c *PlanConfig) { c.ATRMultiple = -1 },
			wantErr: ErrBadATRConfig,
		},
		{
			name:    "negative time stop",
			mutate:  func(c *PlanConfig) { c.TimeStopBars = -1 },
			wantErr: ErrBadTimeStop,
		},
		{
			name: "level enabled without lookback",
			mutate: func(c *PlanConfig) {
				c.LevelEnabled = true
				c.LookbackHours = 0
			},
			wantErr: ErrBadLevelConfig,
		},
		{
			name:    "unknown tie-break",
			mutate:  func(c *PlanConfig) { c.TieBreak = "OPTIMISTIC" },
			wantErr: ErrBadTieBreak,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validCfg()
			tc.mutate(&cfg)
			_, err := NewPlan(cfg)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			// Every violation is also the generic config error.
			if !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("err = %v does not wrap ErrInvalidPlan", err)
			}
		})
	}
}
