// Package main provides a command-line walk-forward validation run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/backtester"
	"github.com/atlas-desktop/wf-validator/internal/config"
	"github.com/atlas-desktop/wf-validator/internal/data"
	"github.com/atlas-desktop/wf-validator/internal/logging"
	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/storage"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: ./configs/config.yaml or ./config.yaml)")
	csvPath := flag.String("csv", "", "CSV series to validate (overrides data.csv_path)")
	symbol := flag.String("symbol", "", "Symbol to load from the data directory (overrides data.symbol)")
	interval := flag.String("interval", "", "Bar interval (overrides data.interval)")
	mode := flag.String("mode", "", "Run mode: fixed or optimize (overrides validation.mode)")
	preview := flag.Bool("preview", false, "Print the window plan without simulating")
	candidates := flag.Bool("candidates", false, "Print every candidate of every window")
	clean := flag.Bool("clean", false, "Drop non-positive bars and repair high/low before running")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *csvPath != "" {
		cfg.Data.CSVPath = *csvPath
	}
	if *symbol != "" {
		cfg.Data.Symbol = *symbol
	}
	if *interval != "" {
		cfg.Data.Interval = *interval
	}
	if *mode != "" {
		cfg.Validation.Mode = types.Mode(*mode)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *preview, *candidates, *clean); err != nil {
		logger.Error("Run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, preview, candidates, clean bool) error {
	series, err := loadSeries(ctx, logger, cfg)
	if err != nil {
		return err
	}

	checker := data.NewQualityChecker(logger)
	if clean {
		if series, err = checker.Clean(series); err != nil {
			return err
		}
	}
	quality := checker.Check(series)
	logger.Info("Series loaded",
		zap.Int("bars", series.Len()),
		zap.String("location", series.Location().String()),
		zap.Int("qualityScore", quality.QualityScore),
		zap.Int("missingBars", quality.MissingBars),
	)
	if !quality.IsUsable {
		for _, rec := range quality.Recommendations {
			logger.Warn("Series quality", zap.String("recommendation", rec))
		}
	}

	if preview {
		return printPlan(series, cfg.Validation.WalkForward)
	}

	store, closeStore, err := storage.New(ctx, logger, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	progress := make(chan types.RunProgress, 64)
	wf, err := backtester.NewWalkForward(logger, cfg.Validation, simulator.NewMACross(cfg.Validation.Portfolio), store,
		backtester.WithProgress(progress),
		backtester.WithRetry(cfg.Retry()),
	)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			logger.Debug("Progress",
				zap.String("phase", string(ev.Phase)),
				zap.Int("cycle", ev.Cycle),
				zap.Int("windowsDone", ev.WindowsDone),
			)
		}
	}()

	start := time.Now()
	report, err := wf.Run(ctx, series)
	close(progress)
	<-done

	if report != nil {
		printReport(report, candidates)
	}
	if err != nil {
		return err
	}
	logger.Info("Run finished", zap.String("study", report.StudyID), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func loadSeries(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*timeseries.Series, error) {
	loc := time.UTC
	if tz := cfg.Validation.WalkForward.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		loc = l
	}

	if cfg.Data.CSVPath != "" {
		return timeseries.LoadCSVFile(cfg.Data.CSVPath, loc)
	}

	store, err := data.NewStore(logger, cfg.Data.DataDir, true)
	if err != nil {
		return nil, err
	}
	return store.Load(ctx, cfg.Data.Symbol, cfg.Data.Interval, loc)
}
