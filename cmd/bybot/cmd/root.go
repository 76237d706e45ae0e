// Package cmd - bybot CLI commands
package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/pkg/config"
	"github.com/Brokenbass90/by-bot/internal/pkg/logger"
	"github.com/Brokenbass90/by-bot/internal/service/indicator"
)

const (
	serviceName    = "bybot"
	serviceVersion = "1.0.0"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "bybot",
	Short: "Position exit management: replay and live",
	Long: `Position exit management: partial take-profits, ATR trailing stop,
time stop and structural level targets over closed-bar streams.

Commands:
    replay      Replay historical bars through the exit engine
    serve       Run the live exit manager with the HTTP API
`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initEnv()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(serveCmd)
}

func initEnv() error {
	path := cfgFile
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if verbose {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}
	return nil
}

// setup loads config and initializes the global logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	err = logger.Init(logger.Config{
		Level:          level,
		Format:         cfg.Logging.Format,
		FileEnabled:    cfg.Logging.FileEnabled,
		FilePath:       cfg.Logging.FilePath,
		RotationSize:   cfg.Logging.RotationSize,
		RetentionDays:  cfg.Logging.RetentionDays,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// planConfig maps the env-level exit settings onto a raw plan config.
func planConfig(cfg *config.Config) exit.PlanConfig {
	return exit.PlanConfig{
		RMultiples:    cfg.Exit.RMultiples,
		Fractions:     cfg.Exit.Fractions,
		ATRPeriod:     cfg.Exit.ATRPeriod,
		ATRMultiple:   cfg.Exit.ATRMultiple,
		TimeStopBars:  cfg.Exit.TimeStopBars,
		LevelEnabled:  cfg.Exit.LevelEnabled,
		LookbackHours: cfg.Exit.LookbackHours,
		MarginPct:     cfg.Exit.MarginPct,
		RefreshBars:   cfg.Exit.RefreshBars,
		TieBreak:      cfg.Exit.TieBreak,
	}
}

func smoothing(cfg *config.Config) indicator.Smoothing {
	if cfg.Exit.ATRSmoothing == "wilder" {
		return indicator.SmoothingWilder
	}
	return indicator.SmoothingSimple
}
