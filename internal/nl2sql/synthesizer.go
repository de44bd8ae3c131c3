package nl2sql

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nlquery/nlquery/internal/llm"
)

// Transcript is everything one synthesis call may see. Each loop iteration
// builds a fresh value; nothing accumulates between calls.
type Transcript struct {
	Question        string
	Intent          Intent
	Mapping         ColumnMapping
	SelectedColumns ColumnSet
	// TableRef is the table name as it must appear in generated SQL.
	TableRef   string
	SchemaText string
	PriorError string
}

type SynthesizerConfig struct {
	Sampling llm.Sampling
	// Dialect names the SQL dialect in the generation instructions.
	Dialect string
}

type Synthesizer struct {
	client llm.Client
	cfg    SynthesizerConfig
}

func NewSynthesizer(client llm.Client, cfg SynthesizerConfig) *Synthesizer {
	if strings.TrimSpace(cfg.Dialect) == "" {
		cfg.Dialect = "ANSI"
	}
	return &Synthesizer{client: client, cfg: cfg}
}

// Synthesize returns extracted SQL text, or ErrGenerationEmpty when the
// response holds none.
func (s *Synthesizer) Synthesize(ctx context.Context, t Transcript) (string, error) {
	raw, err := s.client.Complete(ctx, llm.Request{
		Component: "synthesizer",
		Prompt:    s.Prompt(t),
		Sampling:  s.cfg.Sampling,
	})
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}
	sql := ExtractSQL(raw)
	if sql == "" {
		return "", ErrGenerationEmpty
	}
	return sql, nil
}

// Prompt renders t deterministically.
func (s *Synthesizer) Prompt(t Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant that can convert natural language into SQL queries for %s.\n\n", s.cfg.Dialect)
	fmt.Fprintf(&b, "You have access to the following table:\n%s\n%s\n", t.TableRef, strings.TrimRight(t.SchemaText, "\n"))
	fmt.Fprintf(&b, "\nConvert the following natural language query into a SQL query:\n%s\n", t.Question)
	fmt.Fprintf(&b, "\nIdentified intent: %s\n", t.Intent)

	if len(t.Mapping) > 0 {
		b.WriteString("\nRelevant entities and their mappings to columns:\n")
		for _, typ := range t.Mapping.Types() {
			for _, column := range t.Mapping[typ] {
				fmt.Fprintf(&b, "- %s -> %s\n", typ, column)
			}
		}
	}
	if len(t.SelectedColumns) > 0 {
		fmt.Fprintf(&b, "\nColumns likely relevant to the question: %s\n", strings.Join(t.SelectedColumns.Sorted(), ", "))
	}

	if t.PriorError != "" {
		fmt.Fprintf(&b, "\nPrevious SQL query generated an error: %s\nPlease fix the SQL query based on this error message.\n", t.PriorError)
	}

	fmt.Fprintf(&b, `
Instructions:
- Generate a syntactically correct %s SQL query.
- Only use the table and columns mentioned in the schema.
- Refer to the table as %s.
- Do not use table aliases unless necessary.
- Use aggregate functions (COUNT, AVG, MIN, MAX, SUM) when appropriate.
- Format dates and times correctly for comparisons.
- Handle NULL values appropriately.
- If a question is ambiguous, generate the most likely interpretation.
- Put single quotes around string values.
- Respond with the SQL query only.
`, s.cfg.Dialect, t.TableRef)

	if examples := fewShotExamples(t.Intent, t.TableRef); examples != "" {
		fmt.Fprintf(&b, "\nExamples:\n%s", examples)
	}
	return b.String()
}

var intentExamples = map[Intent][][2]string{
	IntentCallMetrics: {
		{"How many calls were abandoned yesterday?",
			"SELECT COUNT(*) FROM %s WHERE CAST(call_end_dt AS DATE) = CURRENT_DATE - INTERVAL '1 day' AND abandons_cnt > 0"},
		{"What is the average handle time for calls from the 'billing' department last week?",
			"SELECT AVG(handle_tm_seconds) FROM %s WHERE eccr_dept_nm = 'billing' AND call_end_dt BETWEEN CURRENT_DATE - INTERVAL '8 day' AND CURRENT_DATE - INTERVAL '1 day'"},
	},
	IntentAbandonInfo: {
		{"Find the number of abandoned calls by department for the latest date, excluding prepay calls.",
			"SELECT eccr_dept_nm, SUM(abandons_cnt) AS abandoned FROM %s WHERE call_end_dt = (SELECT MAX(call_end_dt) FROM %[1]s) AND acd_area_nm NOT LIKE '%%prepay%%' GROUP BY eccr_dept_nm"},
	},
}

func fewShotExamples(intent Intent, tableRef string) string {
	var b strings.Builder
	for _, ex := range intentExamples[intent] {
		fmt.Fprintf(&b, "Question: %s\nSQL: %s\n\n", ex[0], fmt.Sprintf(ex[1], tableRef))
	}
	return b.String()
}

// fenceInfo matches the info string of an opening fence. Only known SQL
// dialect tags count, so a query that starts right after the backticks keeps
// its first keyword.
const fenceInfo = "(?:(?i:sql|postgres(?:ql)?|duckdb|bigquery|googlesql)(?:[ \t]*\r?\n|[ \t]+)|[ \t]*\r?\n)"

var (
	fencedBlock = regexp.MustCompile("(?s)```" + fenceInfo + "?(.*?)```")
	openingInfo = regexp.MustCompile("^" + fenceInfo)
)

// ExtractSQL strips the delimiters of one fenced code block, or returns the
// trimmed response when there is none. Clean SQL is returned unchanged.
func ExtractSQL(raw string) string {
	return unfence(raw)
}

func unfence(raw string) string {
	text := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	// An unterminated fence: drop a lone opening marker with its info string,
	// or a lone closing marker.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if loc := openingInfo.FindStringIndex(text); loc != nil {
			text = text[loc[1]:]
		}
	} else if strings.HasSuffix(text, "```") {
		text = strings.TrimSuffix(text, "```")
	}
	return strings.TrimSpace(text)
}
