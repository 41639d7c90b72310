// Package main provides the entry point for the walk-forward validation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/api"
	"github.com/atlas-desktop/wf-validator/internal/config"
	"github.com/atlas-desktop/wf-validator/internal/data"
	"github.com/atlas-desktop/wf-validator/internal/logging"
	"github.com/atlas-desktop/wf-validator/internal/metrics"
	"github.com/atlas-desktop/wf-validator/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: ./configs/config.yaml or ./config.yaml)")
	generate := flag.Bool("sample-data", true, "Generate sample series for symbols without data files")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting walk-forward validation server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.Data.DataDir),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("mode", string(cfg.Validation.Mode)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore, err := data.NewStore(logger, cfg.Data.DataDir, *generate)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	store, closeStore, err := storage.New(ctx, logger, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize result storage", zap.Error(err))
	}
	defer closeStore()

	opts := []api.ServerOption{api.WithRetryPolicy(cfg.Retry())}
	if cfg.Server.EnableMetrics {
		opts = append(opts, api.WithCollector(metrics.NewCollector()))
	}
	server := api.NewServer(logger, &cfg.Server, cfg.Validation, dataStore, store, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("metrics", cfg.Server.EnableMetrics),
	)

	<-sigChan
	logger.Info("Shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
