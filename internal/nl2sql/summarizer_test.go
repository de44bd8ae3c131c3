package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/warehouse"
)

func TestSummarizeEmptyRowsSkipsModel(t *testing.T) {
	client := newScriptedLLM()
	got := NewSummarizer(client, llm.Sampling{}, 10, nil).Summarize(context.Background(), "q", "SELECT 1", warehouse.Rows{Columns: []string{"n"}})
	if got != NoResultsAnswer {
		t.Fatalf("Summarize() = %q", got)
	}
	if client.count("summarizer") != 0 {
		t.Fatal("summarizer must not call the model for empty results")
	}
}

func TestSummarizeDegradesOnModelFailure(t *testing.T) {
	client := newScriptedLLM()
	client.errs["summarizer"] = &llm.ServiceUnavailableError{Attempts: 3, Err: errors.New("503")}
	rows := warehouse.Rows{Columns: []string{"dept"}, Values: [][]any{{"billing"}, {"sales"}}}

	got := NewSummarizer(client, llm.Sampling{}, 10, nil).Summarize(context.Background(), "q", "SELECT dept", rows)
	if !strings.Contains(got, "2 row(s)") {
		t.Fatalf("Summarize() = %q, want row count", got)
	}
}

func TestSummarizePromptCapsRows(t *testing.T) {
	var prompt string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		prompt = req.Prompt
		return "  Billing leads.  ", nil
	})
	rows := warehouse.Rows{Columns: []string{"dept", "n"}}
	for i := 0; i < 5; i++ {
		rows.Values = append(rows.Values, []any{fmt.Sprintf("d%d", i), i})
	}
	rows.Values[0][1] = nil

	got := NewSummarizer(client, llm.Sampling{}, 3, nil).Summarize(context.Background(), "which dept?", "SELECT dept, n FROM calls", rows)
	if got != "Billing leads." {
		t.Fatalf("Summarize() = %q", got)
	}
	if !containsInOrder(prompt, "USER QUERY: which dept?", "SQL QUERY USED: SELECT dept, n FROM calls", "QUERY RESULTS:", "dept | n", "d0 | NULL", "d2 | 2", "... 2 more row(s) not shown") {
		t.Fatalf("unexpected prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "d3") {
		t.Fatalf("prompt includes rows past the cap:\n%s", prompt)
	}
}
