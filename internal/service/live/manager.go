// Package live manages exit engines against an incremental bar stream.
// The decision path is the exact code the backtest driver replays; only
// the feed and the sink differ, which is what keeps a live run and its
// later replay bit-identical.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
	"github.com/Brokenbass90/by-bot/internal/service/engine"
	"github.com/Brokenbass90/by-bot/internal/service/indicator"
	"github.com/Brokenbass90/by-bot/internal/service/levels"
)

// streamKey identifies one shared tracker/window: all positions on the
// same symbol, timeframe and ATR period read the same tracker.
type streamKey struct {
	symbol string
	tf     market.Timeframe
	period int
}

type stream struct {
	tracker *indicator.ATRTracker
	window  []market.Bar
	cap     int
	engines []*managed // insertion order, for deterministic dispatch
}

type managed struct {
	eng  *engine.Engine
	plan *exit.ExitPlan
}

// PositionStatus is the read model the API serves.
type PositionStatus struct {
	Position    exit.Position   `json:"position"`
	State       exit.State      `json:"state"`
	Remaining   decimal.Decimal `json:"remaining"`
	CurrentStop decimal.Decimal `json:"current_stop"`
}

// Manager owns every live exit engine. OnBarClose is the single writer of
// trackers and windows; per-position reads happen inside the same call, so
// an engine never observes a half-updated tracker.
type Manager struct {
	mu        sync.Mutex
	streams   map[streamKey]*stream
	byID      map[uuid.UUID]*managed
	scanner   *levels.Scanner
	sink      exit.EventSink
	smoothing indicator.Smoothing
	tf        market.Timeframe
}

// NewManager builds an empty manager for one bar timeframe. The timeframe
// is validated here: window sizing divides by its duration, so an unknown
// value must never reach Open.
func NewManager(tf market.Timeframe, scanner *levels.Scanner, sink exit.EventSink, smoothing indicator.Smoothing) (*Manager, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: timeframe %q", market.ErrInvalidBar, tf)
	}
	return &Manager{
		streams:   make(map[streamKey]*stream),
		byID:      make(map[uuid.UUID]*managed),
		scanner:   scanner,
		sink:      sink,
		smoothing: smoothing,
		tf:        tf,
	}, nil
}

// Open hands a position over to exit management. Plan violations reject
// the position here; nothing is opened half-managed.
func (m *Manager) Open(pos exit.Position, cfg exit.PlanConfig) error {
	plan, err := exit.NewPlan(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[pos.PositionID]; dup {
		return fmt.Errorf("position %s already managed", pos.PositionID)
	}

	key := streamKey{symbol: pos.Symbol, tf: m.tf, period: plan.Trailing.ATRPeriod}
	st, ok := m.streams[key]
	if !ok {
		st = &stream{tracker: indicator.NewATRTracker(plan.Trailing.ATRPeriod, m.smoothing)}
		m.streams[key] = st
	}
	if plan.Level.Enabled {
		if c := int(time.Duration(plan.Level.LookbackHours) * time.Hour / m.tf.Duration()); c > st.cap {
			st.cap = c
		}
	}

	var lvl engine.LevelSource
	if plan.Level.Enabled && m.scanner != nil {
		lvl = streamLevels{scanner: m.scanner, st: st, groupN: m.tf.BarsPerHour()}
	}
	eng, err := engine.New(pos, plan, st.tracker, lvl, m.sink)
	if err != nil {
		return err
	}

	mg := &managed{eng: eng, plan: plan}
	st.engines = append(st.engines, mg)
	m.byID[pos.PositionID] = mg

	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("position_id", pos.PositionID.String()).
		Str("entry", pos.EntryPrice.String()).
		Str("stop", pos.InitialStop.String()).
		Msg("Position under exit management")
	return nil
}

// streamLevels reads the stream's rolling window under the manager lock.
// Scans run on the same hourly roll-up the replay driver uses.
type streamLevels struct {
	scanner *levels.Scanner
	st      *stream
	groupN  int
}

func (s streamLevels) NearestLevel(side exit.Side, entry, marginPct decimal.Decimal) (decimal.Decimal, time.Time, error) {
	p, err := s.scanner.NearestAggregated(s.st.window, s.groupN, market.Timeframe1h, side, entry, marginPct)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return p.Price, p.Bar.OpenTime, nil
}

// OnBarClose feeds one closed bar to every engine on its stream, in the
// order the positions were opened. A frozen engine is detached; the rest
// of the stream keeps running.
func (m *Manager) OnBarClose(ctx context.Context, bar market.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, st := range m.streams {
		if key.symbol != bar.Symbol || key.tf != bar.Timeframe {
			continue
		}
		st.tracker.Update(bar)
		if st.cap > 0 {
			st.window = append(st.window, bar)
			if len(st.window) > st.cap {
				st.window = st.window[len(st.window)-st.cap:]
			}
		}

		kept := st.engines[:0]
		for _, mg := range st.engines {
			if bar.OpenTime.Before(mg.eng.Position().EntryTime) {
				kept = append(kept, mg)
				continue
			}
			if _, err := mg.eng.OnBar(ctx, bar); err != nil {
				if !errors.Is(err, exit.ErrPositionClosed) {
					log.Warn().Err(err).
						Str("symbol", bar.Symbol).
						Str("position_id", mg.eng.Position().PositionID.String()).
						Msg("Engine detached from live stream")
				}
				delete(m.byID, mg.eng.Position().PositionID)
				continue
			}
			if mg.eng.State() == exit.StateClosed {
				delete(m.byID, mg.eng.Position().PositionID)
				continue
			}
			kept = append(kept, mg)
		}
		st.engines = kept
	}
	return nil
}

// CloseManual force-closes one managed position at the given price.
func (m *Manager) CloseManual(ctx context.Context, positionID uuid.UUID, price decimal.Decimal, at time.Time) (exit.ExitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mg, ok := m.byID[positionID]
	if !ok {
		return exit.ExitEvent{}, exit.ErrPositionNotFound
	}
	ev, err := mg.eng.CloseNow(ctx, price, at)
	if err != nil {
		return exit.ExitEvent{}, err
	}
	delete(m.byID, positionID)
	m.detach(mg)
	return ev, nil
}

func (m *Manager) detach(target *managed) {
	for _, st := range m.streams {
		for i, mg := range st.engines {
			if mg == target {
				st.engines = append(st.engines[:i], st.engines[i+1:]...)
				return
			}
		}
	}
}

// Status returns the read model for one position.
func (m *Manager) Status(positionID uuid.UUID) (PositionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mg, ok := m.byID[positionID]
	if !ok {
		return PositionStatus{}, exit.ErrPositionNotFound
	}
	return status(mg.eng), nil
}

// List returns the read model for every managed position.
func (m *Manager) List() []PositionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PositionStatus, 0, len(m.byID))
	for _, st := range m.streams {
		for _, mg := range st.engines {
			out = append(out, status(mg.eng))
		}
	}
	return out
}

func status(eng *engine.Engine) PositionStatus {
	return PositionStatus{
		Position:    eng.Position(),
		State:       eng.State(),
		Remaining:   eng.Remaining(),
		CurrentStop: eng.CurrentStop(),
	}
}

// Stream pumps a feed into the manager until the feed ends or the context
// is done. Run one Stream goroutine per symbol.
func (m *Manager) Stream(ctx context.Context, feed market.BarFeed, symbol string) error {
	for {
		bar, err := feed.Next(ctx, symbol, m.tf)
		if errors.Is(err, market.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("feed %s/%s: %w", symbol, m.tf, err)
		}
		if err := m.OnBarClose(ctx, bar); err != nil {
			log.Warn().Err(err).
				Str("symbol", symbol).
				Time("bar_time", bar.OpenTime).
				Msg("Dropping bad bar from live stream")
		}
	}
}

// StreamAll runs Stream for every symbol concurrently.
func (m *Manager) StreamAll(ctx context.Context, feed market.BarFeed, symbols []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error { return m.Stream(ctx, feed, sym) })
	}
	return g.Wait()
}
