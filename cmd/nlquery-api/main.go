package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlquery/nlquery/internal/api"
	"github.com/nlquery/nlquery/internal/auth"
	"github.com/nlquery/nlquery/internal/bootstrap"
	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("nlquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	wh, err := bootstrap.OpenWarehouse(ctx, cfg, store, logger)
	if err != nil {
		logger.Error("failed to open warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = wh.Close() }()

	models, err := bootstrap.NewModels(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}
	catalog, index, err := bootstrap.LoadKnowledge(ctx, cfg, wh, store, models.Embedder, logger)
	if err != nil {
		logger.Error("failed to load schema knowledge", slog.Any("error", err))
		os.Exit(1)
	}
	pipeline, toolbox, err := bootstrap.NewPipeline(cfg, catalog, index, wh, models, logger)
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:   logger,
		Asker:    pipeline,
		Schema:   catalog,
		Tools:    toolbox,
		MaxBatch: 50,
		Readiness: api.CombineReadinessChecks(
			api.CheckWarehouse(func(ctx context.Context) error {
				_, err := wh.ListTables(ctx, cfg.Warehouse.DatasetID)
				return err
			}),
			api.CheckLLMConfig(cfg),
		),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("active_table", pipeline.ActiveTable()),
			slog.Int("index_records", index.Len()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
