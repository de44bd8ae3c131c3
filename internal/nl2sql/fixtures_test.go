package nl2sql

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/schema"
	"github.com/nlquery/nlquery/internal/warehouse"
)

func callsTable() schema.TableDescriptor {
	return schema.TableDescriptor{
		TableID:     "calls",
		Description: "one row per handled call",
		Fields: []schema.Field{
			{Name: "call_end_dt", SemanticType: schema.TypeDate, NativeType: "DATE", Description: "date the call ended"},
			{Name: "call_duration_seconds", SemanticType: schema.TypeInteger, NativeType: "BIGINT", Description: "call duration"},
			{Name: "handle_tm_seconds", SemanticType: schema.TypeInteger, NativeType: "BIGINT"},
			{Name: "abandons_cnt", SemanticType: schema.TypeInteger, NativeType: "INTEGER"},
			{Name: "answered_cnt", SemanticType: schema.TypeInteger, NativeType: "INTEGER"},
			{Name: "eccr_dept_nm", SemanticType: schema.TypeString, NativeType: "VARCHAR", Description: "department", SampleValues: []string{"billing", "technical support"}},
			{Name: "acd_area_nm", SemanticType: schema.TypeString, NativeType: "VARCHAR", SampleValues: []string{"prepay", "postpay"}},
			{Name: "eid", SemanticType: schema.TypeString, NativeType: "VARCHAR", Description: "agent employee id"},
		},
	}
}

func callsCatalog() *schema.Catalog {
	catalog, err := schema.NewCatalog("main", callsTable())
	if err != nil {
		panic(err)
	}
	return catalog
}

// scriptedLLM answers by request component. Synthesizer responses are
// consumed in order; the last one repeats.
type scriptedLLM struct {
	mu          sync.Mutex
	extraction  string
	mapping     string
	selection   string
	synthesis   []string
	summary     string
	errs        map[string]error
	calls       map[string]int
	synthPrompt []string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		extraction: `{"intent":"get_call_metrics","confidence":0.9,"entities":{"METRIC":["call duration"],"DATE_RANGE":["yesterday"]}}`,
		mapping:    `{}`,
		selection:  "Answer: calls.call_duration_seconds, calls.call_end_dt",
		synthesis:  []string{"```sql\nSELECT AVG(call_duration_seconds) FROM main.calls\n```"},
		summary:    "The average call duration was 120 seconds.",
		errs:       map[string]error{},
		calls:      map[string]int{},
	}
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Component]++
	if err := s.errs[req.Component]; err != nil {
		return "", err
	}
	switch req.Component {
	case "extractor":
		return s.extraction, nil
	case "mapper":
		return s.mapping, nil
	case "selector":
		return s.selection, nil
	case "synthesizer":
		s.synthPrompt = append(s.synthPrompt, req.Prompt)
		idx := min(len(s.synthPrompt)-1, len(s.synthesis)-1)
		return s.synthesis[idx], nil
	case "summarizer":
		return s.summary, nil
	}
	return "", errors.New("unexpected component " + req.Component)
}

func (s *scriptedLLM) count(component string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[component]
}

type execResult struct {
	rows warehouse.Rows
	err  error
}

// fakeExecutor returns results in order; the last one repeats.
type fakeExecutor struct {
	mu      sync.Mutex
	results []execResult
	sqls    []string
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string) (warehouse.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sqls = append(f.sqls, sql)
	if err := ctx.Err(); err != nil {
		return warehouse.Rows{}, err
	}
	if len(f.results) == 0 {
		return oneRow(), nil
	}
	r := f.results[min(len(f.sqls)-1, len(f.results)-1)]
	return r.rows, r.err
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sqls)
}

func oneRow() warehouse.Rows {
	return warehouse.Rows{Columns: []string{"avg"}, Values: [][]any{{120.0}}}
}

func execFailure(message string) execResult {
	return execResult{err: &ExecutionError{Message: message}}
}

func containsInOrder(text string, parts ...string) bool {
	offset := 0
	for _, part := range parts {
		i := strings.Index(text[offset:], part)
		if i < 0 {
			return false
		}
		offset += i + len(part)
	}
	return true
}
