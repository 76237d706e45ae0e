package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Brokenbass90/by-bot/internal/api/handlers"
	"github.com/Brokenbass90/by-bot/internal/api/routes"
	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/domain/market"
	"github.com/Brokenbass90/by-bot/internal/infra/database/postgres"
	"github.com/Brokenbass90/by-bot/internal/infra/feed"
	"github.com/Brokenbass90/by-bot/internal/pkg/logger"
	"github.com/Brokenbass90/by-bot/internal/service/levels"
	"github.com/Brokenbass90/by-bot/internal/service/live"
)

var (
	serveWithDB  bool
	serveStream  string
	serveSymbols []string
	servePosFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live exit manager with the HTTP API",
	Long: `Serve runs the exit manager against an incremental bar stream and
exposes managed positions over HTTP. With --stream, bars are pumped from
CSV files through the live path (paper replay); otherwise an external
feed is expected to call the manager.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithDB, "db", false, "persist exit events to PostgreSQL")
	serveCmd.Flags().StringVar(&serveStream, "stream", "", "CSV directory to pump through the live path")
	serveCmd.Flags().StringSliceVar(&serveSymbols, "symbols", nil, "symbols to stream")
	serveCmd.Flags().StringVarP(&servePosFile, "positions", "p", "", "positions JSON file to open at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sink: persist when a database is wired, log-only otherwise.
	var sink exit.EventSink = exit.SinkFunc(func(_ context.Context, positionID uuid.UUID, ev exit.ExitEvent) error {
		log.Info().
			Str("position_id", positionID.String()).
			Str("type", string(ev.Type)).
			Str("price", ev.Price.String()).
			Str("qty", ev.Qty.String()).
			Str("reason", ev.Reason).
			Msg("Exit event")
		return nil
	})
	var eventRepo exit.EventLogRepository
	if serveWithDB {
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo := postgres.NewExitEventRepository(pool.Pool)
		sink = postgres.NewSink(repo)
		eventRepo = repo
	}

	tf := market.Timeframe(cfg.Exit.Timeframe)
	manager, err := live.NewManager(tf, levels.NewScanner(cfg.Exit.SwingWidth), sink, smoothing(cfg))
	if err != nil {
		return err
	}

	if servePosFile != "" {
		positions, err := loadPositions(servePosFile)
		if err != nil {
			return err
		}
		for _, pos := range positions {
			if err := manager.Open(pos, planConfig(cfg)); err != nil {
				log.Error().Err(err).
					Str("symbol", pos.Symbol).
					Msg("Position rejected")
			}
		}
	}

	if serveStream != "" {
		symbols := serveSymbols
		if len(symbols) == 0 {
			for _, st := range manager.List() {
				symbols = append(symbols, st.Position.Symbol)
			}
		}
		csvFeed := feed.NewCSVFeed(serveStream)
		go func() {
			if err := manager.StreamAll(ctx, csvFeed, dedupe(symbols)); err != nil {
				log.Error().Err(err).Msg("Bar stream stopped")
			}
		}()
	}

	accessLogger := logger.NewAccessLogger(cfg.Logging.FilePath, cfg.Logging.RotationSize, cfg.Logging.RetentionDays)
	router := routes.New(handlers.NewPositionHandler(manager, eventRepo), &accessLogger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
