package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nlquery/nlquery/internal/dispatch"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/schema"
	"github.com/nlquery/nlquery/internal/warehouse"
)

type resultSummarizer interface {
	Summarize(ctx context.Context, question, sql string, rows warehouse.Rows) string
}

type Components struct {
	Extractor   Extractor
	Mapper      *Mapper
	Selector    *Selector
	Synthesizer sqlSynthesizer
	Executor    queryExecutor
	Summarizer  resultSummarizer
}

type PipelineConfig struct {
	// Table is the active catalog table questions are answered against.
	Table            string
	MaxIterations    int
	BatchConcurrency int
}

// Pipeline answers questions end to end. Sessions share only the read-only
// catalog and the components, which hold no per-session state.
type Pipeline struct {
	catalog *schema.Catalog
	parts   Components
	loop    *Loop
	cfg     PipelineConfig
	logger  *slog.Logger
}

func NewPipeline(catalog *schema.Catalog, parts Components, cfg PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	if catalog == nil {
		return nil, fmt.Errorf("schema catalog is required")
	}
	if parts.Extractor == nil || parts.Mapper == nil || parts.Selector == nil ||
		parts.Synthesizer == nil || parts.Executor == nil || parts.Summarizer == nil {
		return nil, fmt.Errorf("all pipeline components are required")
	}
	if cfg.Table == "" {
		tables := catalog.Tables()
		if len(tables) == 0 {
			return nil, fmt.Errorf("schema catalog has no tables")
		}
		cfg.Table = tables[0]
	}
	if _, err := catalog.Describe(cfg.Table); err != nil {
		return nil, fmt.Errorf("active table: %w", err)
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Pipeline{
		catalog: catalog,
		parts:   parts,
		loop:    NewLoop(parts.Synthesizer, parts.Executor, cfg.MaxIterations, logger),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func (p *Pipeline) Catalog() *schema.Catalog {
	return p.catalog
}

func (p *Pipeline) ActiveTable() string {
	return p.cfg.Table
}

func (p *Pipeline) MaxIterations() int {
	return p.loop.MaxIterations()
}

// Ask runs one session. The returned state always carries a terminal result.
func (p *Pipeline) Ask(ctx context.Context, question string) *SessionState {
	started := time.Now()
	state := NewSessionState(question)
	ctx = observability.ContextWithSessionID(ctx, state.ID.String())
	logger := observability.LoggerFor(ctx, p.logger)

	defer func() {
		observability.ObserveSession(string(state.Terminal.State), len(state.Attempts), time.Since(started))
		logger.Info("session finished",
			slog.String("state", string(state.Terminal.State)),
			slog.String("intent", string(state.Intent)),
			slog.Int("attempts", len(state.Attempts)),
			slog.Duration("elapsed", time.Since(started)),
		)
	}()

	table, _ := p.catalog.Describe(p.cfg.Table)
	if err := p.start(ctx, state, table); err != nil {
		state.Terminal = Terminal{State: StateFatal, Err: err}
		return state
	}

	base := Transcript{
		Question:        question,
		Intent:          state.Intent,
		Mapping:         state.ColumnMapping,
		SelectedColumns: state.SelectedColumns,
		TableRef:        p.catalog.TableRef(table.TableID),
		SchemaText:      table.Render(),
	}
	if err := p.loop.Run(ctx, state, base); err != nil {
		return state
	}

	rows, _ := state.Rows()
	state.Terminal.Answer = p.parts.Summarizer.Summarize(ctx, question, state.FinalSQL(), rows)
	return state
}

// start fills the session's grounding context. Extraction feeds the mapper;
// column selection runs alongside both.
func (p *Pipeline) start(ctx context.Context, state *SessionState, table schema.TableDescriptor) error {
	var (
		extraction Extraction
		mapping    ColumnMapping
		selected   ColumnSet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		extraction, err = p.parts.Extractor.Extract(gctx, state.OriginalQuery)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		mapping, err = p.parts.Mapper.Map(gctx, extraction.Entities, table)
		if err != nil {
			return fmt.Errorf("map entities: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		selected, err = p.parts.Selector.Select(gctx, state.OriginalQuery, table)
		if err != nil {
			return fmt.Errorf("select columns: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	state.Intent = extraction.Intent
	state.IntentConfidence = extraction.Confidence
	state.Entities = extraction.Entities
	state.ColumnMapping = mapping
	state.SelectedColumns = selected
	return nil
}

// AskBatch answers questions concurrently and returns their states in
// submission order.
func (p *Pipeline) AskBatch(ctx context.Context, questions []string) []*SessionState {
	return dispatch.Ordered(ctx, questions, p.cfg.BatchConcurrency, func(ctx context.Context, _ int, question string) *SessionState {
		return p.Ask(ctx, question)
	})
}
