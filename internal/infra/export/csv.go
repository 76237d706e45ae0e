// Package export writes replay artifacts to disk: the per-position event
// log and the completed trades as CSV, the summary as JSON. Artifacts are
// plain files so results diff cleanly between runs.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/service/backtest"
)

// Writer writes all artifacts of one replay into a single directory.
type Writer struct {
	dir string
}

// NewWriter ensures the artifact directory exists.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// WriteEvents writes the full event log to events.csv.
func (w *Writer) WriteEvents(events []exit.ExitEvent) error {
	f, err := os.Create(filepath.Join(w.dir, "events.csv"))
	if err != nil {
		return fmt.Errorf("create events.csv: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"position_id", "type", "price", "qty", "reason", "bar_time"}); err != nil {
		return err
	}
	for _, ev := range events {
		rec := []string{
			ev.PositionID.String(),
			string(ev.Type),
			ev.Price.String(),
			ev.Qty.String(),
			ev.Reason,
			ev.BarTime.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write events.csv: %w", err)
	}

	log.Info().Int("events", len(events)).Str("dir", w.dir).Msg("Event log exported")
	return nil
}

// WriteTrades writes completed trades to trades.csv.
func (w *Writer) WriteTrades(trades []backtest.Trade) error {
	f, err := os.Create(filepath.Join(w.dir, "trades.csv"))
	if err != nil {
		return fmt.Errorf("create trades.csv: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := []string{
		"position_id", "symbol", "side", "entry_price", "entry_time",
		"initial_qty", "initial_stop", "realized_pnl", "r_multiple",
		"exit_reason", "closed_at",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		rec := []string{
			t.Position.PositionID.String(),
			t.Position.Symbol,
			string(t.Position.Side),
			t.Position.EntryPrice.String(),
			t.Position.EntryTime.UTC().Format(time.RFC3339),
			t.Position.InitialQty.String(),
			t.Position.InitialStop.String(),
			t.RealizedPnL.String(),
			t.RMultiple.String(),
			t.ExitReason,
			t.ClosedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write trades.csv: %w", err)
	}

	log.Info().Int("trades", len(trades)).Str("dir", w.dir).Msg("Trades exported")
	return nil
}

// WriteSummary writes the aggregate statistics to summary.json.
func (w *Writer) WriteSummary(s backtest.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, "summary.json"), data, 0644); err != nil {
		return fmt.Errorf("write summary.json: %w", err)
	}
	return nil
}
