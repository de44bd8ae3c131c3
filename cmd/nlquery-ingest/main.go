package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nlquery/nlquery/internal/bootstrap"
	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/observability"
)

// nlquery-ingest reads the warehouse schema, embeds it and uploads the
// catalog and index snapshots the API loads at start-up.
func main() {
	cfg, err := config.LoadFromEnv("nlquery-ingest")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.Snapshot.Enabled = true
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := bootstrap.OpenObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	wh, err := bootstrap.OpenWarehouse(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = wh.Close() }()

	models, err := bootstrap.NewModels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	catalog, index, err := bootstrap.BuildKnowledge(ctx, cfg, wh, models.Embedder, logger)
	if err != nil {
		return err
	}
	if err := bootstrap.SaveSnapshots(ctx, cfg, store, catalog, index); err != nil {
		return err
	}
	logger.Info("snapshots uploaded",
		slog.Int("tables", len(catalog.Tables())),
		slog.Int("index_records", index.Len()))
	return nil
}
