package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
)

var entryTime = time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mkBar(idx int, o, h, l, c string) market.Bar {
	return market.Bar{
		Symbol:    "BTCUSDT",
		Timeframe: market.Timeframe5m,
		OpenTime:  entryTime.Add(time.Duration(idx) * 5 * time.Minute),
		Open:      dec(o),
		High:      dec(h),
		Low:       dec(l),
		Close:     dec(c),
		Volume:    dec("1"),
	}
}

func mkPosition(side exit.Side, entry, stop, qty string) exit.Position {
	return exit.Position{
		PositionID:  uuid.New(),
		Symbol:      "BTCUSDT",
		Side:        side,
		EntryPrice:  dec(entry),
		EntryTime:   entryTime,
		InitialQty:  dec(qty),
		InitialStop: dec(stop),
		Strategy:    "inplay",
	}
}

func mkPlan(t *testing.T, cfg exit.PlanConfig) *exit.ExitPlan {
	t.Helper()
	if cfg.ATRPeriod == 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.ATRMultiple == 0 {
		cfg.ATRMultiple = 2.5
	}
	plan, err := exit.NewPlan(cfg)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	return plan
}

// fixedATR always reports the same value; warming is not under test here.
type fixedATR struct{ v decimal.Decimal }

func (f fixedATR) Value() (decimal.Decimal, error) { return f.v, nil }

// stubLevels returns one canned level or an error.
type stubLevels struct {
	price decimal.Decimal
	err   error
}

func (s stubLevels) NearestLevel(exit.Side, decimal.Decimal, decimal.Decimal) (decimal.Decimal, time.Time, error) {
	return s.price, entryTime, s.err
}

func feed(t *testing.T, e *Engine, bars ...market.Bar) []exit.ExitEvent {
	t.Helper()
	var all []exit.ExitEvent
	for _, b := range bars {
		evs, err := e.OnBar(context.Background(), b)
		if err != nil {
			t.Fatalf("OnBar(%s): %v", b.OpenTime, err)
		}
		all = append(all, evs...)
	}
	return all
}

func wantEvent(t *testing.T, ev exit.ExitEvent, typ exit.EventType, price, qty, reason string) {
	t.Helper()
	if ev.Type != typ {
		t.Errorf("type = %s, want %s", ev.Type, typ)
	}
	if !ev.Price.Equal(dec(price)) {
		t.Errorf("price = %s, want %s", ev.Price, price)
	}
	if !ev.Qty.Equal(dec(qty)) {
		t.Errorf("qty = %s, want %s", ev.Qty, qty)
	}
	if ev.Reason != reason {
		t.Errorf("reason = %q, want %q", ev.Reason, reason)
	}
}

func TestPartialLadder(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{
		RMultiples: []float64{1, 2, 4},
		Fractions:  []float64{0.5, 0.25, 0.25},
	})

	t.Run("first rung fills at target price, not bar extreme", func(t *testing.T) {
		e, err := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"), // entry bar, management skipped
			mkBar(1, "100", "112", "99", "108"),
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventPartialClose, "110", "5", "TP1")
		if e.State() != exit.StatePartiallyClosed {
			t.Errorf("state = %s, want %s", e.State(), exit.StatePartiallyClosed)
		}
		if !e.Remaining().Equal(dec("5")) {
			t.Errorf("remaining = %s, want 5", e.Remaining())
		}
	})

	t.Run("two rungs on one bar fire in ascending order", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "125", "99", "121"),
		)
		if len(evs) != 2 {
			t.Fatalf("events = %d, want 2", len(evs))
		}
		wantEvent(t, evs[0], exit.EventPartialClose, "110", "5", "TP1")
		wantEvent(t, evs[1], exit.EventPartialClose, "120", "2.5", "TP2")
	})

	t.Run("each rung fires at most once", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "112", "99", "108"),
			mkBar(2, "108", "113", "105", "109"), // revisits 110, no repeat
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
	})

	t.Run("short side mirrors the ladder", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideShort, "100", "110", "10"), plan, nil, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "101", "88", "91"),
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventPartialClose, "90", "5", "TP1")
	})

	t.Run("entry bar never triggers management", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
		evs := feed(t, e, mkBar(0, "100", "125", "89", "100")) // touches everything
		if len(evs) != 0 {
			t.Fatalf("events on entry bar = %d, want 0", len(evs))
		}
	})
}

func TestTrailingStop(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{
		RMultiples: []float64{5},
		Fractions:  []float64{0.5},
	})
	atr := fixedATR{v: dec("2")} // offset = 2.5 x 2 = 5

	t.Run("ratchet tightens from the bar extreme", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, atr, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "110", "100", "109"),
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventStopUpdate, "105", "10", "TRAIL")
		if !e.CurrentStop().Equal(dec("105")) {
			t.Errorf("stop = %s, want 105", e.CurrentStop())
		}
	})

	t.Run("fresh ratchet arms on the next bar", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, atr, nil, nil)
		// The new stop 105 sits inside this bar's range, but the bar is
		// judged against the 90 stop that was resting at its open.
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "110", "100", "109"),
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventStopUpdate, "105", "10", "TRAIL")
		if e.State() == exit.StateClosed {
			t.Fatal("closed against a stop created by the same bar")
		}
		evs = feed(t, e, mkBar(2, "109", "109", "104", "104.5"))
		wantEvent(t, evs[len(evs)-1], exit.EventFullClose, "105", "10", "TRAIL_SL")
	})

	t.Run("stop never loosens", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, atr, nil, nil)
		feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "110", "100", "109"),
		)
		// Lower high: candidate 105 does not beat current 105, no event.
		evs := feed(t, e, mkBar(2, "109", "109.5", "106", "107"))
		if len(evs) != 0 {
			t.Fatalf("events = %d, want 0", len(evs))
		}
		if !e.CurrentStop().Equal(dec("105")) {
			t.Errorf("stop = %s, want 105", e.CurrentStop())
		}
	})

	t.Run("breach closes remainder at the stop price", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, atr, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "110", "100", "109"),
			mkBar(2, "109", "109", "104", "104.5"),
		)
		last := evs[len(evs)-1]
		wantEvent(t, last, exit.EventFullClose, "105", "10", "TRAIL_SL")
		if e.State() != exit.StateClosed {
			t.Errorf("state = %s, want CLOSED", e.State())
		}
	})

	t.Run("initial stop breach reports SL, not TRAIL_SL", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "101", "89", "90.5"),
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventFullClose, "90", "10", "SL")
	})

	t.Run("missing atr history skips the update and keeps the stop", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, erroringATR{}, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "110", "100", "109"),
		)
		if len(evs) != 0 {
			t.Fatalf("events = %d, want 0", len(evs))
		}
		if !e.CurrentStop().Equal(dec("90")) {
			t.Errorf("stop = %s, want 90", e.CurrentStop())
		}
	})

	t.Run("short side ratchets downward", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideShort, "100", "110", "10"), plan, atr, nil, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "100", "92", "93"),
		)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventStopUpdate, "97", "10", "TRAIL")
	})
}

type erroringATR struct{}

func (erroringATR) Value() (decimal.Decimal, error) {
	return decimal.Zero, errors.New("insufficient bars for atr")
}

func TestIntrabarTieBreak(t *testing.T) {
	plan := func(t *testing.T, tb string) *exit.ExitPlan {
		return mkPlan(t, exit.PlanConfig{
			RMultiples: []float64{1},
			Fractions:  []float64{0.5},
			TieBreak:   tb,
		})
	}
	// Bar spans both the resting stop (90) and TP1 (110).
	wide := mkBar(1, "100", "111", "89", "95")

	t.Run("stop first closes everything at the stop", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan(t, "STOP_FIRST"), nil, nil, nil)
		evs := feed(t, e, mkBar(0, "100", "101", "99", "100"), wide)
		if len(evs) != 1 {
			t.Fatalf("events = %d, want 1", len(evs))
		}
		wantEvent(t, evs[0], exit.EventFullClose, "90", "10", "SL")
	})

	t.Run("target first fills the partial before the stop", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan(t, "TARGET_FIRST"), nil, nil, nil)
		evs := feed(t, e, mkBar(0, "100", "101", "99", "100"), wide)
		if len(evs) != 2 {
			t.Fatalf("events = %d, want 2", len(evs))
		}
		wantEvent(t, evs[0], exit.EventPartialClose, "110", "5", "TP1")
		wantEvent(t, evs[1], exit.EventFullClose, "90", "5", "SL")
	})

	t.Run("empty policy defaults to stop first", func(t *testing.T) {
		p := plan(t, "")
		if p.TieBreak != exit.TieBreakStopFirst {
			t.Fatalf("tie-break = %s, want STOP_FIRST", p.TieBreak)
		}
	})
}

func TestTimeStop(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{
		RMultiples:   []float64{5},
		Fractions:    []float64{0.5},
		TimeStopBars: 288,
	})
	e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)

	var closing []exit.ExitEvent
	for i := 0; i <= 288; i++ {
		evs, err := e.OnBar(context.Background(), mkBar(i, "100", "101", "99", "100.5"))
		if err != nil {
			t.Fatalf("OnBar(%d): %v", i, err)
		}
		if len(evs) > 0 {
			if i != 288 {
				t.Fatalf("event fired at bar %d, want 288", i)
			}
			closing = evs
		}
	}
	if len(closing) != 1 {
		t.Fatalf("events = %d, want 1", len(closing))
	}
	wantEvent(t, closing[0], exit.EventFullClose, "100.5", "10", "TIME")
	if got := closing[0].BarTime; !got.Equal(entryTime.Add(288 * 5 * time.Minute)) {
		t.Errorf("bar time = %s, want entry + 288 bars", got)
	}
}

func TestLevelTarget(t *testing.T) {
	cfg := exit.PlanConfig{
		RMultiples:    []float64{1, 2, 4}, // terminal ladder price = 140
		Fractions:     []float64{0.5, 0.25, 0.25},
		LevelEnabled:  true,
		LookbackHours: 72,
		MarginPct:     0.003,
	}

	t.Run("closer level never replaces the terminal target", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), mkPlan(t, cfg), nil,
			stubLevels{price: dec("130")}, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "101", "99", "100"), // scan happens here
			mkBar(2, "100", "131", "99", "128"), // through 130: only TP1+TP2
		)
		if len(evs) != 2 {
			t.Fatalf("events = %d, want 2", len(evs))
		}
		wantEvent(t, evs[0], exit.EventPartialClose, "110", "5", "TP1")
		wantEvent(t, evs[1], exit.EventPartialClose, "120", "2.5", "TP2")
	})

	t.Run("farther level supersedes the terminal target", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), mkPlan(t, cfg), nil,
			stubLevels{price: dec("155")}, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "101", "99", "100"),
			mkBar(2, "100", "125", "99", "124"), // TP1 + TP2
			mkBar(3, "124", "156", "120", "150"),
		)
		last := evs[len(evs)-1]
		wantEvent(t, last, exit.EventPartialClose, "155", "2.5", "LEVEL_TP")
		if e.State() != exit.StateClosed {
			t.Errorf("state = %s, want CLOSED", e.State())
		}
	})

	t.Run("failed scan retries until the window warms up", func(t *testing.T) {
		// First scan hits an empty window; the single scan budget must
		// survive it so the level still installs once pivots exist.
		src := &warmingLevels{failures: 1, price: dec("155")}
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), mkPlan(t, cfg), nil, src, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "101", "99", "100"), // scan fails here
			mkBar(2, "100", "101", "99", "100"), // scan succeeds here
			mkBar(3, "100", "156", "99", "150"),
		)
		last := evs[len(evs)-1]
		wantEvent(t, last, exit.EventPartialClose, "155", "2.5", "LEVEL_TP")
		if src.calls != 2 {
			t.Errorf("scans = %d, want 2", src.calls)
		}
	})

	t.Run("scanner failure keeps configured targets", func(t *testing.T) {
		e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), mkPlan(t, cfg), nil,
			stubLevels{err: errors.New("no qualifying level")}, nil)
		evs := feed(t, e,
			mkBar(0, "100", "101", "99", "100"),
			mkBar(1, "100", "141", "99", "139"),
		)
		last := evs[len(evs)-1]
		wantEvent(t, last, exit.EventPartialClose, "140", "2.5", "TP3")
	})
}

// warmingLevels fails its first scans, then returns one canned level.
type warmingLevels struct {
	failures int
	price    decimal.Decimal
	calls    int
}

func (s *warmingLevels) NearestLevel(exit.Side, decimal.Decimal, decimal.Decimal) (decimal.Decimal, time.Time, error) {
	s.calls++
	if s.calls <= s.failures {
		return decimal.Zero, time.Time{}, errors.New("window shorter than swing width")
	}
	return s.price, entryTime, nil
}

func TestQuantityConservation(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{
		RMultiples:   []float64{1, 2, 4},
		Fractions:    []float64{0.5, 0.25, 0.15}, // 10% runner rides on
		TimeStopBars: 5,
	})
	e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
	evs := feed(t, e,
		mkBar(0, "100", "101", "99", "100"),
		mkBar(1, "100", "145", "99", "141"), // all three rungs
		mkBar(2, "141", "142", "138", "139"),
		mkBar(3, "139", "140", "138", "139"),
		mkBar(4, "139", "140", "138", "139"),
		mkBar(5, "139", "140", "138", "139"), // time stop closes the runner
	)
	sum := decimal.Zero
	for _, ev := range evs {
		if ev.Type == exit.EventStopUpdate {
			continue
		}
		sum = sum.Add(ev.Qty)
	}
	if !sum.Equal(dec("10")) {
		t.Fatalf("closed qty sum = %s, want 10", sum)
	}
	if !e.Remaining().IsZero() {
		t.Fatalf("remaining = %s, want 0", e.Remaining())
	}
}

func TestOutOfOrderBarFreezesEngine(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{RMultiples: []float64{1}, Fractions: []float64{0.5}})
	e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
	feed(t, e, mkBar(0, "100", "101", "99", "100"), mkBar(2, "100", "101", "99", "100"))

	_, err := e.OnBar(context.Background(), mkBar(1, "100", "101", "99", "100"))
	if !errors.Is(err, market.ErrOutOfOrderBar) {
		t.Fatalf("err = %v, want ErrOutOfOrderBar", err)
	}
	// Frozen from here on, even for well-ordered bars.
	_, err = e.OnBar(context.Background(), mkBar(3, "100", "101", "99", "100"))
	if !errors.Is(err, exit.ErrEngineFrozen) {
		t.Fatalf("err = %v, want ErrEngineFrozen", err)
	}
}

func TestCloseNow(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{RMultiples: []float64{1}, Fractions: []float64{0.5}})
	e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, nil)
	feed(t, e, mkBar(0, "100", "101", "99", "100"))

	at := entryTime.Add(5 * time.Minute)
	ev, err := e.CloseNow(context.Background(), dec("103"), at)
	if err != nil {
		t.Fatalf("CloseNow: %v", err)
	}
	wantEvent(t, ev, exit.EventFullClose, "103", "10", "MANUAL")

	if _, err := e.OnBar(context.Background(), mkBar(1, "100", "101", "99", "100")); !errors.Is(err, exit.ErrPositionClosed) {
		t.Fatalf("err = %v, want ErrPositionClosed", err)
	}
	if _, err := e.CloseNow(context.Background(), dec("103"), at); !errors.Is(err, exit.ErrPositionClosed) {
		t.Fatalf("second CloseNow err = %v, want ErrPositionClosed", err)
	}
}

func TestConstructionRejectsZeroRisk(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{RMultiples: []float64{1}, Fractions: []float64{0.5}})
	_, err := New(mkPosition(exit.SideLong, "100", "100", "10"), plan, nil, nil, nil)
	if !errors.Is(err, exit.ErrZeroRiskUnit) {
		t.Fatalf("err = %v, want ErrZeroRiskUnit", err)
	}
}

func TestSinkFailureDoesNotUnwindState(t *testing.T) {
	plan := mkPlan(t, exit.PlanConfig{RMultiples: []float64{1}, Fractions: []float64{0.5}})
	sink := exit.SinkFunc(func(context.Context, uuid.UUID, exit.ExitEvent) error {
		return errors.New("sink down")
	})
	e, _ := New(mkPosition(exit.SideLong, "100", "90", "10"), plan, nil, nil, sink)
	evs := feed(t, e,
		mkBar(0, "100", "101", "99", "100"),
		mkBar(1, "100", "112", "99", "108"),
	)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	if !e.Remaining().Equal(dec("5")) {
		t.Fatalf("remaining = %s, want 5 (event is final despite sink error)", e.Remaining())
	}
}

// Two engines fed the identical script must make the identical decisions.
func TestReplayDeterminism(t *testing.T) {
	script := []market.Bar{
		mkBar(0, "100", "101", "99", "100"),
		mkBar(1, "100", "109", "98", "108"),
		mkBar(2, "108", "115", "104", "112"),
		mkBar(3, "112", "118", "108", "110"),
		mkBar(4, "110", "112", "103", "104"),
		mkBar(5, "104", "106", "99", "100"),
	}
	run := func() []exit.ExitEvent {
		plan := mkPlan(t, exit.PlanConfig{
			RMultiples: []float64{1, 2, 4},
			Fractions:  []float64{0.5, 0.25, 0.25},
		})
		pos := mkPosition(exit.SideLong, "100", "90", "10")
		e, err := New(pos, plan, fixedATR{v: dec("3")}, nil, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		var all []exit.ExitEvent
		for _, b := range script {
			if e.State() == exit.StateClosed {
				break
			}
			evs, err := e.OnBar(context.Background(), b)
			if err != nil {
				t.Fatalf("OnBar: %v", err)
			}
			all = append(all, evs...)
		}
		return all
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("run lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].Reason != b[i].Reason ||
			!a[i].Price.Equal(b[i].Price) || !a[i].Qty.Equal(b[i].Qty) ||
			!a[i].BarTime.Equal(b[i].BarTime) {
			t.Errorf("event %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
