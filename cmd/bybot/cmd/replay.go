package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
	"github.com/Brokenbass90/by-bot/internal/infra/export"
	"github.com/Brokenbass90/by-bot/internal/infra/feed"
	"github.com/Brokenbass90/by-bot/internal/service/backtest"
	"github.com/Brokenbass90/by-bot/internal/service/levels"
)

var (
	replayPositionsFile string
	replayDataDir       string
	replayOutDir        string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical bars through the exit engine",
	Long: `Replay loads positions from a JSON file, streams the matching CSV bar
files through the exit engine and writes events.csv, trades.csv and
summary.json. Two replays over the same inputs produce identical
artifacts.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayPositionsFile, "positions", "p", "positions.json", "positions JSON file")
	replayCmd.Flags().StringVar(&replayDataDir, "data-dir", "", "bar CSV directory (default from config)")
	replayCmd.Flags().StringVarP(&replayOutDir, "out", "o", "", "artifact directory (default from config)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if replayDataDir == "" {
		replayDataDir = cfg.Backtest.DataDir
	}
	if replayOutDir == "" {
		replayOutDir = cfg.Backtest.ExportDir
	}

	tf := market.Timeframe(cfg.Exit.Timeframe)
	if !tf.Valid() {
		return fmt.Errorf("unsupported timeframe %q", cfg.Exit.Timeframe)
	}
	plan, err := exit.NewPlan(planConfig(cfg))
	if err != nil {
		return err
	}

	positions, err := loadPositions(replayPositionsFile)
	if err != nil {
		return err
	}
	log.Info().
		Int("positions", len(positions)).
		Str("data_dir", replayDataDir).
		Msg("Starting replay")

	ledger := backtest.NewLedger()
	bySymbol := make(map[string][]exit.Position)
	for _, pos := range positions {
		ledger.Register(pos)
		bySymbol[pos.Symbol] = append(bySymbol[pos.Symbol], pos)
	}
	runs := make([]backtest.Run, 0, len(bySymbol))
	for symbol, group := range bySymbol {
		runs = append(runs, backtest.Run{
			Symbol:    symbol,
			Timeframe: tf,
			Positions: group,
			Plan:      plan,
		})
	}

	driver := backtest.NewDriver(
		feed.NewCSVFeed(replayDataDir),
		ledger,
		levels.NewScanner(cfg.Exit.SwingWidth),
		smoothing(cfg),
	)
	if err := driver.RunUniverse(context.Background(), runs); err != nil {
		return err
	}

	trades := ledger.Trades()
	summary := backtest.Summarize(trades)
	log.Info().
		Int("trades", summary.Trades).
		Str("net_pnl", summary.NetPnL.String()).
		Str("win_rate", summary.WinRate.String()).
		Str("avg_r", summary.AvgR.String()).
		Msg("Replay complete")

	writer, err := export.NewWriter(replayOutDir)
	if err != nil {
		return err
	}
	if err := writer.WriteEvents(ledger.Events()); err != nil {
		return err
	}
	if err := writer.WriteTrades(trades); err != nil {
		return err
	}
	return writer.WriteSummary(summary)
}

// loadPositions reads the replay's position set. Missing position IDs are
// assigned here so input files stay hand-writable.
func loadPositions(path string) ([]exit.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read positions file: %w", err)
	}
	var positions []exit.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("parse positions file: %w", err)
	}
	for i := range positions {
		if positions[i].PositionID == uuid.Nil {
			positions[i].PositionID = uuid.New()
		}
	}
	return positions, nil
}
