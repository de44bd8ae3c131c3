package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/schema"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

var recordNamespace = uuid.MustParse("6f1c9d1e-6a53-4c44-9f53-0f0d5bb0c7a4")

type BuildOptions struct {
	Catalog   *schema.Catalog
	Embedder  Embedder
	BatchSize int
	Logger    *slog.Logger
}

type BuildStats struct {
	Candidates int
	Indexed    int
	Skipped    int
}

// Build embeds every table, column, description and sampled value of the
// catalog. Records whose embedding fails are skipped; only cancellation
// aborts the build.
func Build(ctx context.Context, opts BuildOptions) (*Index, BuildStats, error) {
	if opts.Catalog == nil {
		return nil, BuildStats{}, fmt.Errorf("catalog is required")
	}
	if opts.Embedder == nil {
		return nil, BuildStats{}, fmt.Errorf("embedder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	pending := Candidates(opts.Catalog)
	stats := BuildStats{Candidates: len(pending)}
	index := NewIndex()

	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		end := min(start+batchSize, len(pending))
		batch := pending[start:end]
		vectors, err := embedBatch(ctx, opts.Embedder, batch)
		if err != nil {
			logger.WarnContext(ctx, "batch embedding failed, retrying records individually",
				slog.Int("batch_start", start), slog.Any("error", err))
			vectors = embedEach(ctx, opts.Embedder, batch, logger)
		}
		for i, rec := range batch {
			if vectors[i] == nil {
				stats.Skipped++
				continue
			}
			rec.Vector = vectors[i]
			if err := index.Insert(rec); err != nil {
				logger.WarnContext(ctx, "skipping record", slog.String("id", rec.ID), slog.Any("error", err))
				stats.Skipped++
				continue
			}
			stats.Indexed++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}
	observability.AddEmbeddingSkipped(stats.Skipped)
	logger.InfoContext(ctx, "embedding index built",
		slog.Int("candidates", stats.Candidates), slog.Int("indexed", stats.Indexed), slog.Int("skipped", stats.Skipped))
	return index, stats, nil
}

// Candidates lists the records Build would embed, without vectors.
func Candidates(catalog *schema.Catalog) []Record {
	var out []Record
	add := func(text string, tag Tag) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		key := strings.Join([]string{string(tag.Kind), tag.Table, tag.Column, text}, "\x1f")
		out = append(out, Record{
			ID:         uuid.NewSHA1(recordNamespace, []byte(key)).String(),
			SourceText: text,
			Tag:        tag,
		})
	}
	for _, tableID := range catalog.Tables() {
		table, err := catalog.Describe(tableID)
		if err != nil {
			continue
		}
		add(table.TableID, Tag{Kind: KindTable, Table: table.TableID})
		add(table.Description, Tag{Kind: KindTableDescription, Table: table.TableID})
		for _, field := range table.Fields {
			add(field.Name, Tag{Kind: KindColumn, Table: table.TableID, Column: field.Name})
			add(field.Description, Tag{Kind: KindColumnDescription, Table: table.TableID, Column: field.Name})
			for _, value := range field.SampleValues {
				add(value, Tag{Kind: KindValue, Table: table.TableID, Column: field.Name, Value: value})
			}
		}
	}
	return out
}

func embedBatch(ctx context.Context, embedder Embedder, batch []Record) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, rec := range batch {
		texts[i] = rec.SourceText
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	return vectors, nil
}

func embedEach(ctx context.Context, embedder Embedder, batch []Record, logger *slog.Logger) [][]float32 {
	vectors := make([][]float32, len(batch))
	for i, rec := range batch {
		if ctx.Err() != nil {
			return vectors
		}
		vec, err := embedder.Embed(ctx, rec.SourceText)
		if err != nil {
			logger.WarnContext(ctx, "embedding failed", slog.String("text", rec.SourceText), slog.Any("error", err))
			continue
		}
		vectors[i] = vec
	}
	return vectors
}
