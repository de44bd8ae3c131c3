// Package bootstrap assembles the runtime graph shared by the nlquery
// binaries from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/embedding"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/llm/gemini"
	"github.com/nlquery/nlquery/internal/llm/openai"
	"github.com/nlquery/nlquery/internal/nl2sql"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/schema"
	"github.com/nlquery/nlquery/internal/storage"
	s3store "github.com/nlquery/nlquery/internal/storage/s3"
	"github.com/nlquery/nlquery/internal/warehouse"
	"github.com/nlquery/nlquery/internal/warehouse/duckdb"
	"github.com/nlquery/nlquery/internal/warehouse/postgres"
)

type Warehouse interface {
	warehouse.Connector
	Close() error
}

// provider is what every model backend implements.
type provider interface {
	llm.Client
	embedding.Embedder
}

type Models struct {
	// Chat is the rate-limited, retrying client used by pipeline components.
	Chat     llm.Client
	Embedder embedding.Embedder
}

// OpenObjectStore returns nil when neither snapshots nor parquet table
// sources need a bucket.
func OpenObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	if !cfg.Snapshot.Enabled && len(cfg.Warehouse.TableSources) == 0 {
		return nil, nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	return store, nil
}

// OpenWarehouse opens the configured driver behind a retrying decorator so
// dropped connections surface as warehouse.ServiceUnavailableError instead of
// SQL failures.
func OpenWarehouse(ctx context.Context, cfg config.Config, store storage.ObjectStore, logger *slog.Logger) (Warehouse, error) {
	conn, err := openDriver(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	return warehouse.NewRetrying(conn, warehouse.RetryConfig{
		MaxAttempts:  cfg.Warehouse.RetryMaxAttempts,
		InitialDelay: cfg.Warehouse.RetryInitialDelay,
		MaxDelay:     cfg.Warehouse.RetryMaxDelay,
	}, logger), nil
}

func openDriver(ctx context.Context, cfg config.Config, store storage.ObjectStore) (Warehouse, error) {
	wh := cfg.Warehouse
	switch wh.Driver {
	case config.DriverDuckDB:
		sources := make([]duckdb.Source, 0, len(wh.TableSources))
		for _, src := range wh.TableSources {
			sources = append(sources, duckdb.Source{Table: src.Name, Path: src.Path})
		}
		conn, err := duckdb.Open(ctx, duckdb.Config{
			Path:         wh.DSN,
			Schema:       wh.DatasetID,
			RowLimit:     wh.RowLimit,
			QueryTimeout: wh.QueryTimeout,
			Store:        store,
			Sources:      sources,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	case config.DriverPostgres:
		conn, err := postgres.Open(ctx, postgres.Config{
			DSN:             wh.DSN,
			Schema:          wh.DatasetID,
			RowLimit:        wh.RowLimit,
			QueryTimeout:    wh.QueryTimeout,
			MaxOpenConns:    wh.MaxOpenConns,
			MaxIdleConns:    wh.MaxIdleConns,
			ConnMaxIdleTime: wh.ConnMaxIdleTime,
			ConnMaxLifetime: wh.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", wh.Driver)
	}
}

func NewModels(ctx context.Context, cfg config.Config, logger *slog.Logger) (Models, error) {
	raw, err := newProvider(ctx, cfg)
	if err != nil {
		return Models{}, err
	}
	return wrapProvider(raw, cfg, logger), nil
}

func newProvider(ctx context.Context, cfg config.Config) (provider, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		client, err := openai.New(openai.Config{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.Embedding.Model,
			Timeout:        cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderGemini:
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.Embedding.Model,
			Project:        cfg.LLM.VertexProject,
			Location:       cfg.LLM.VertexLocation,
			Timeout:        cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
}

// wrapProvider stacks retry over pacing over per-call metrics, so every retry
// waits for a rate-limit token and is observed individually. Embedding calls
// share the chat rate budget and retry policy.
func wrapProvider(raw provider, cfg config.Config, logger *slog.Logger) Models {
	limited := llm.NewLimited(llm.NewObserved(raw), cfg.LLM.RequestsPerMinute, time.Minute, cfg.LLM.MaxInFlight)
	chat := llm.NewRetrying(limited, llm.RetryConfig{
		MaxAttempts:  cfg.LLM.RetryMaxAttempts,
		InitialDelay: cfg.LLM.RetryInitialDelay,
		MaxDelay:     cfg.LLM.RetryMaxDelay,
	}, logger)
	return Models{Chat: chat, Embedder: chat.Embedder(limited.Embedder(raw))}
}

// BuildKnowledge reads the warehouse schema and embeds it.
func BuildKnowledge(ctx context.Context, cfg config.Config, connector warehouse.Connector, embedder embedding.Embedder, logger *slog.Logger) (*schema.Catalog, *embedding.Index, error) {
	catalog, err := schema.Load(ctx, schema.LoadOptions{
		Connector:   connector,
		DatasetID:   cfg.Warehouse.DatasetID,
		Tables:      cfg.Warehouse.Tables,
		SampleLimit: cfg.Warehouse.SampleLimit,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load schema catalog: %w", err)
	}
	index, _, err := embedding.Build(ctx, embedding.BuildOptions{
		Catalog:   catalog,
		Embedder:  embedder,
		BatchSize: cfg.Embedding.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build embedding index: %w", err)
	}
	return catalog, index, nil
}

func snapshotKeys(cfg config.Config) (storage.SnapshotKeys, error) {
	return storage.BuildSnapshotKeys(cfg.Snapshot.Prefix, cfg.Warehouse.ProjectID, cfg.Warehouse.DatasetID)
}

func SaveSnapshots(ctx context.Context, cfg config.Config, store storage.ObjectStore, catalog *schema.Catalog, index *embedding.Index) error {
	if store == nil {
		return errors.New("object store is required for snapshots")
	}
	keys, err := snapshotKeys(cfg)
	if err != nil {
		return err
	}
	data, err := catalog.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode catalog snapshot: %w", err)
	}
	if _, err := storage.PutBytes(ctx, store, keys.Catalog, data, "application/json"); err != nil {
		return fmt.Errorf("upload catalog snapshot: %w", err)
	}
	return embedding.SaveSnapshot(ctx, store, keys.Index, index)
}

// LoadKnowledge prefers stored snapshots and falls back to a live build when
// snapshots are disabled or missing. A live build is uploaded when snapshots
// are enabled.
func LoadKnowledge(ctx context.Context, cfg config.Config, connector warehouse.Connector, store storage.ObjectStore, embedder embedding.Embedder, logger *slog.Logger) (*schema.Catalog, *embedding.Index, error) {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	if !cfg.Snapshot.Enabled || store == nil {
		return BuildKnowledge(ctx, cfg, connector, embedder, logger)
	}
	keys, err := snapshotKeys(cfg)
	if err != nil {
		return nil, nil, err
	}
	catalog, index, err := loadSnapshots(ctx, store, keys)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "loaded schema snapshots",
			slog.String("catalog", keys.Catalog), slog.Int("index_records", index.Len()))
		return catalog.WithSampler(connector, logger), index, nil
	case !errors.Is(err, storage.ErrObjectNotFound):
		return nil, nil, err
	}

	logger.InfoContext(ctx, "schema snapshots missing, building from warehouse")
	catalog, index, err = BuildKnowledge(ctx, cfg, connector, embedder, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := SaveSnapshots(ctx, cfg, store, catalog, index); err != nil {
		logger.WarnContext(ctx, "snapshot upload failed", slog.Any("error", err))
	}
	return catalog, index, nil
}

func loadSnapshots(ctx context.Context, store storage.ObjectStore, keys storage.SnapshotKeys) (*schema.Catalog, *embedding.Index, error) {
	data, err := storage.ReadAll(ctx, store, keys.Catalog)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := schema.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	index, err := embedding.LoadSnapshot(ctx, store, keys.Index)
	if err != nil {
		return nil, nil, err
	}
	return catalog, index, nil
}

func dialect(driver config.WarehouseDriver) string {
	switch driver {
	case config.DriverPostgres:
		return "PostgreSQL"
	case config.DriverDuckDB:
		return "DuckDB"
	default:
		return "ANSI"
	}
}

func NewPipeline(cfg config.Config, catalog *schema.Catalog, index *embedding.Index, connector warehouse.Connector, models Models, logger *slog.Logger) (*nl2sql.Pipeline, *nl2sql.Toolbox, error) {
	rulebook := nl2sql.DefaultRulebook()
	if cfg.Pipeline.RulebookPath != "" {
		loaded, err := nl2sql.LoadRulebook(cfg.Pipeline.RulebookPath)
		if err != nil {
			return nil, nil, err
		}
		rulebook = loaded
	}
	sampling := llm.Sampling{
		Temperature:     cfg.LLM.Temperature,
		TopP:            cfg.LLM.TopP,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
	}

	var extractor nl2sql.Extractor
	switch cfg.Pipeline.Extractor {
	case config.ExtractorRegex:
		extractor = nl2sql.NewRegexExtractor(rulebook)
	default:
		extractor = nl2sql.NewLLMExtractor(models.Chat, sampling, logger)
	}

	executor := nl2sql.NewExecutor(connector)
	pipeline, err := nl2sql.NewPipeline(catalog, nl2sql.Components{
		Extractor: extractor,
		Mapper:    nl2sql.NewMapper(rulebook, models.Chat, sampling, logger),
		Selector: nl2sql.NewSelector(models.Chat, models.Embedder, index, nl2sql.SelectorConfig{
			Sampling:  sampling,
			TopK:      cfg.Pipeline.SelectorTopK,
			Threshold: cfg.Pipeline.SimilarityThreshold,
		}, logger),
		Synthesizer: nl2sql.NewSynthesizer(models.Chat, nl2sql.SynthesizerConfig{
			Sampling: sampling,
			Dialect:  dialect(cfg.Warehouse.Driver),
		}),
		Executor:   executor,
		Summarizer: nl2sql.NewSummarizer(models.Chat, sampling, cfg.Pipeline.SummaryMaxRows, logger),
	}, nl2sql.PipelineConfig{
		Table:            cfg.Warehouse.ActiveTable,
		MaxIterations:    cfg.Pipeline.MaxIterations,
		BatchConcurrency: cfg.Pipeline.BatchConcurrency,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return pipeline, nl2sql.NewToolbox(catalog, executor, pipeline.ActiveTable()), nil
}
