package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/warehouse"
)

const NoResultsAnswer = "The query ran successfully but returned no results, so there are no findings to report for this question."

type Summarizer struct {
	client   llm.Client
	sampling llm.Sampling
	maxRows  int
	logger   *slog.Logger
}

func NewSummarizer(client llm.Client, sampling llm.Sampling, maxRows int, logger *slog.Logger) *Summarizer {
	if maxRows <= 0 {
		maxRows = 50
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Summarizer{client: client, sampling: sampling, maxRows: maxRows, logger: logger}
}

// Summarize never fails: empty rows get a fixed statement and a model
// failure gets a degraded message that still reports the row count.
func (s *Summarizer) Summarize(ctx context.Context, question, sql string, rows warehouse.Rows) string {
	if rows.Len() == 0 {
		return NoResultsAnswer
	}
	text, err := s.client.Complete(ctx, llm.Request{
		Component: "summarizer",
		Prompt:    s.prompt(question, sql, rows),
		Sampling:  s.sampling,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err != nil {
			observability.LoggerFor(ctx, s.logger).Warn("summary degraded", slog.String("error", err.Error()))
		}
		return degradedSummary(rows)
	}
	return text
}

func degradedSummary(rows warehouse.Rows) string {
	suffix := ""
	if rows.Truncated {
		suffix = " (truncated)"
	}
	return fmt.Sprintf("The query returned %d row(s)%s, but a natural-language summary could not be generated. See the result rows for details.", rows.Len(), suffix)
}

func (s *Summarizer) prompt(question, sql string, rows warehouse.Rows) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant that explains query results in natural language. ")
	b.WriteString("Provide a clear, concise summary of the findings. Only state what the results show.\n\n")
	fmt.Fprintf(&b, "USER QUERY: %s\n\n", question)
	fmt.Fprintf(&b, "SQL QUERY USED: %s\n\n", sql)
	b.WriteString("QUERY RESULTS:\n")
	b.WriteString(strings.Join(rows.Columns, " | "))
	b.WriteString("\n")
	limit := min(rows.Len(), s.maxRows)
	for _, row := range rows.Values[:limit] {
		cells := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(value)
			}
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	if rows.Len() > limit {
		fmt.Fprintf(&b, "... %d more row(s) not shown\n", rows.Len()-limit)
	}
	b.WriteString("\nPlease summarize these results in natural language.\n")
	return b.String()
}
