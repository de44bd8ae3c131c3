package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nlquery/nlquery/internal/embedding"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/schema"
)

type SelectorConfig struct {
	Sampling  llm.Sampling
	TopK      int
	Threshold float64
}

// Selector proposes relevant columns from two independent sources: a
// few-shot model prompt and a similarity search over the schema index.
type Selector struct {
	client   llm.Client
	embedder embedding.Embedder
	index    *embedding.Index
	cfg      SelectorConfig
	logger   *slog.Logger
}

// NewSelector builds a selector. A nil embedder or index disables the
// similarity branch; a nil client disables the model branch.
func NewSelector(client llm.Client, embedder embedding.Embedder, index *embedding.Index, cfg SelectorConfig, logger *slog.Logger) *Selector {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Selector{client: client, embedder: embedder, index: index, cfg: cfg, logger: logger}
}

// Select returns the union of both candidate sets, restricted to columns of
// table. A failing branch contributes nothing.
func (s *Selector) Select(ctx context.Context, question string, table schema.TableDescriptor) (ColumnSet, error) {
	var fromModel, fromIndex []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fromModel, err = s.modelCandidates(gctx, question, table)
		return s.branchError(gctx, "model", err)
	})
	g.Go(func() error {
		var err error
		fromIndex, err = s.indexCandidates(gctx, question, table)
		return s.branchError(gctx, "embedding", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := ColumnSet{}
	for _, name := range append(fromModel, fromIndex...) {
		out.Add(name)
	}
	return out, nil
}

func (s *Selector) branchError(ctx context.Context, branch string, err error) error {
	if err == nil {
		return nil
	}
	if fatal(ctx, err) {
		return err
	}
	observability.LoggerFor(ctx, s.logger).Warn("column selection branch failed",
		slog.String("branch", branch),
		slog.String("error", err.Error()),
	)
	return nil
}

func (s *Selector) modelCandidates(ctx context.Context, question string, table schema.TableDescriptor) ([]string, error) {
	if s.client == nil {
		return nil, nil
	}
	raw, err := s.client.Complete(ctx, llm.Request{
		Component: "selector",
		Prompt:    selectionPrompt(question, table),
		Sampling:  s.cfg.Sampling,
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, candidate := range parseColumnAnswer(raw) {
		if name, ok := table.ParseQualified(candidate); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Selector) indexCandidates(ctx context.Context, question string, table schema.TableDescriptor) ([]string, error) {
	if s.embedder == nil || s.index == nil || s.index.Len() == 0 {
		return nil, nil
	}
	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	var out []string
	for _, match := range s.index.Search(vector, s.cfg.TopK) {
		if match.Score < s.cfg.Threshold {
			continue
		}
		switch match.Tag.Kind {
		case embedding.KindColumn, embedding.KindColumnDescription, embedding.KindValue:
		default:
			continue
		}
		if match.Tag.Table != table.TableID {
			continue
		}
		if name, ok := table.Qualified(match.Tag.Column); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

var answerLine = regexp.MustCompile(`(?i)answer\s*:\s*(.*)`)

// parseColumnAnswer reads the comma-separated list from the last "Answer:"
// line, or from the whole response when there is none.
func parseColumnAnswer(raw string) []string {
	text := unfence(raw)
	if matches := answerLine.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		text = matches[len(matches)-1][1]
	}
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		part = strings.Trim(strings.TrimSpace(part), "`\"'.-* ")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

type selectionExample struct {
	question string
	thoughts []string
	answer   string
}

var selectionExamples = []selectionExample{
	{
		question: "What was the average call duration for technical support calls yesterday?",
		thoughts: []string{
			"The question asks for a metric (average call duration) for one type of call (technical support) on one day (yesterday).",
			"The 'call_duration_seconds' column contains the duration of each call.",
			"The 'eccr_dept_nm' column contains the department, such as 'technical support'.",
			"The 'call_end_dt' column can be used to filter for 'yesterday'.",
		},
		answer: "icm_summary_fact_exp.call_duration_seconds, icm_summary_fact_exp.eccr_dept_nm, icm_summary_fact_exp.call_end_dt",
	},
	{
		question: "How many calls were abandoned yesterday?",
		thoughts: []string{
			"The question asks for a count of abandoned calls on one day.",
			"The 'abandons_cnt' column indicates whether a call was abandoned.",
			"The 'call_end_dt' column can be used to filter for 'yesterday'.",
		},
		answer: "icm_summary_fact_exp.abandons_cnt, icm_summary_fact_exp.call_end_dt",
	},
	{
		question: "What was the average call handling time for billing inquiries in the last week, broken down by agent?",
		thoughts: []string{
			"The question asks for average handling time for billing calls last week, grouped by agent.",
			"The 'handle_tm_seconds' column contains the handling time.",
			"The 'eccr_dept_nm' column contains the department, such as 'billing'.",
			"The 'eid' column identifies the agent.",
			"The 'call_end_dt' column can be used to filter for 'last week'.",
		},
		answer: "icm_summary_fact_exp.handle_tm_seconds, icm_summary_fact_exp.eccr_dept_nm, icm_summary_fact_exp.eid, icm_summary_fact_exp.call_end_dt",
	},
	{
		question: "Find the number of abandoned calls based on department for the latest available information but exclude prepay calls.",
		thoughts: []string{
			"The question asks for abandoned calls grouped by department, excluding prepay calls, on the latest date.",
			"The 'abandons_cnt' column indicates whether a call was abandoned.",
			"The 'eccr_dept_nm' column contains the department name.",
			"The 'acd_area_nm' column can be used to filter out 'prepay' calls.",
			"The 'call_end_dt' column identifies the latest available date.",
		},
		answer: "icm_summary_fact_exp.abandons_cnt, icm_summary_fact_exp.eccr_dept_nm, icm_summary_fact_exp.acd_area_nm, icm_summary_fact_exp.call_end_dt",
	},
}

func selectionPrompt(question string, table schema.TableDescriptor) string {
	var b strings.Builder
	b.WriteString("You are an expert in selecting the most relevant columns from a SQL table based on a natural language question.\n")
	b.WriteString("You are given the table schema and a user question. Identify the columns most likely needed to answer it.\n\n")
	for _, ex := range selectionExamples {
		fmt.Fprintf(&b, "Question: %s\nThoughts:\n", ex.question)
		for _, thought := range ex.thoughts {
			fmt.Fprintf(&b, "- %s\n", thought)
		}
		fmt.Fprintf(&b, "Answer: %s\n---\n", ex.answer)
	}
	fmt.Fprintf(&b, "\nTable Schema:\n%s\n", table.Render())
	fmt.Fprintf(&b, "User Question: %s\n\n", question)
	fmt.Fprintf(&b, "Think step by step, then finish with a single line \"Answer:\" followed by a comma-separated list of fully-qualified column names (%s.column).\n", table.TableID)
	return b.String()
}
