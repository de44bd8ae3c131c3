package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nlquery/nlquery/internal/auth"
	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/nl2sql"
	"github.com/nlquery/nlquery/internal/schema"
	"github.com/nlquery/nlquery/internal/warehouse"
)

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("expected trace id header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Readiness: CombineReadinessChecks(nil, func(context.Context) error {
			return errors.New("warehouse down")
		}),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCheckLLMConfigRequiresCredentials(t *testing.T) {
	cfg := loadConfig(t, nil)
	if err := CheckLLMConfig(cfg)(context.Background()); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	cfg.LLM.APIKey = "secret"
	if err := CheckLLMConfig(cfg)(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckWarehouse(nil)(context.Background()); err == nil {
		t.Fatalf("expected unconfigured warehouse error")
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"NLQUERY_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:ops:analyst,k2:viewer:reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Schema:         testCatalog(t),
	})

	unauth := httptest.NewRecorder()
	h.ServeHTTP(unauth, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauth.Code)
	}

	forbidden := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/schema", nil)
	req.Header.Set("X-API-Key", "k2")
	h.ServeHTTP(forbidden, req)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("forbidden status = %d", forbidden.Code)
	}

	ok := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/schema", nil)
	req.Header.Set("X-API-Key", "k1")
	h.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Fatalf("auth status = %d", ok.Code)
	}

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health should stay public, status = %d", health.Code)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"NLQUERY_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Schema: testCatalog(t)})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestGetSchema(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Schema: testCatalog(t)})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema/calls", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["table"] != "calls" {
		t.Fatalf("unexpected table: %v", body["table"])
	}
	if fields, _ := body["fields"].([]any); len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %v", body["fields"])
	}

	missing := httptest.NewRecorder()
	h.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/v1/schema/nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", missing.Code)
	}
}

func TestAskSuccess(t *testing.T) {
	asker := &fakeAsker{finish: func(state *nl2sql.SessionState) {
		state.Intent = nl2sql.IntentCallMetrics
		state.IntentConfidence = 0.9
		state.Entities = nl2sql.Entities{nl2sql.EntityMetric: {"call duration"}}
		state.ColumnMapping = nl2sql.ColumnMapping{nl2sql.EntityMetric: {"call_duration_seconds"}}
		state.SelectedColumns.Add("calls.call_duration_seconds")
		state.Attempts = append(state.Attempts, nl2sql.QueryAttempt{
			Iteration: 1,
			SQL:       "SELECT AVG(call_duration_seconds) FROM main.calls",
			Outcome:   nl2sql.Success(warehouse.Rows{Columns: []string{"avg"}, Values: [][]any{{float64(42)}}}),
			Timestamp: time.Unix(0, 0).UTC(),
		})
		state.Terminal = nl2sql.Terminal{State: nl2sql.StateSuccess, Answer: "Average duration is 42 seconds."}
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Asker: asker})

	rr := postJSON(h, "/v1/ask", `{"question":"  What is the average call duration?  "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if asker.lastQuestion != "What is the average call duration?" {
		t.Fatalf("question not trimmed: %q", asker.lastQuestion)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "success" || resp.Answer != "Average duration is 42 seconds." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.SQL != "SELECT AVG(call_duration_seconds) FROM main.calls" {
		t.Fatalf("unexpected sql: %q", resp.SQL)
	}
	if len(resp.Rows) != 1 || len(resp.Attempts) != 1 || resp.Attempts[0].RowCount != 1 {
		t.Fatalf("unexpected rows/attempts: %+v", resp)
	}
	if got := resp.ColumnMapping["METRIC"]; len(got) != 1 || got[0] != "call_duration_seconds" {
		t.Fatalf("unexpected mapping: %v", resp.ColumnMapping)
	}
	if len(resp.SelectedColumns) != 1 || resp.SelectedColumns[0] != "calls.call_duration_seconds" {
		t.Fatalf("unexpected selected columns: %v", resp.SelectedColumns)
	}
}

func TestAskRejectsBadInput(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Asker: &fakeAsker{}})
	for _, payload := range []string{`{"question":"   "}`, `{"question":"x","extra":1}`, `not json`} {
		rr := postJSON(h, "/v1/ask", payload)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("payload %q: status = %d", payload, rr.Code)
		}
	}
}

func TestAskMapsTerminalErrors(t *testing.T) {
	cases := []struct {
		name   string
		state  nl2sql.State
		err    error
		status int
		code   string
	}{
		{"exhausted", nl2sql.StateExhausted, &nl2sql.ExhaustedRetriesError{}, http.StatusUnprocessableEntity, "QUERY_EXHAUSTED"},
		{"unavailable", nl2sql.StateFatal, &llm.ServiceUnavailableError{Attempts: 3, Err: errors.New("503")}, http.StatusServiceUnavailable, "LLM_UNAVAILABLE"},
		{"warehouse unavailable", nl2sql.StateFatal, &warehouse.ServiceUnavailableError{Attempts: 3, Err: errors.New("connection refused")}, http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE"},
		{"empty generation", nl2sql.StateFatal, fmt.Errorf("generate sql: %w", nl2sql.ErrGenerationEmpty), http.StatusBadGateway, "GENERATION_EMPTY"},
		{"timeout", nl2sql.StateFatal, context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{"internal", nl2sql.StateFatal, errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			asker := &fakeAsker{finish: func(state *nl2sql.SessionState) {
				state.Terminal = nl2sql.Terminal{State: tc.state, Err: tc.err}
			}}
			h := NewHandler(loadConfig(t, nil), Dependencies{Asker: asker})
			rr := postJSON(h, "/v1/ask", `{"question":"how many calls?"}`)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			body := decodeBody(t, rr)
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			extra, _ := body["context"].(map[string]any)
			session, _ := extra["session"].(map[string]any)
			if session["state"] != string(tc.state) {
				t.Fatalf("expected session context, got %v", body["context"])
			}
		})
	}
}

func TestAskBatchPreservesOrder(t *testing.T) {
	asker := &fakeAsker{finish: func(state *nl2sql.SessionState) {
		if strings.Contains(state.OriginalQuery, "fail") {
			state.Terminal = nl2sql.Terminal{State: nl2sql.StateExhausted, Err: &nl2sql.ExhaustedRetriesError{}}
			return
		}
		state.Terminal = nl2sql.Terminal{State: nl2sql.StateSuccess, Answer: "answer to " + state.OriginalQuery}
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Asker: asker})

	rr := postJSON(h, "/v1/ask/batch", `{"questions":["one","fail two","three"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Results   []sessionResponse `json:"results"`
		Total     int               `json:"total"`
		Succeeded int               `json:"succeeded"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || resp.Succeeded != 2 {
		t.Fatalf("unexpected totals: %+v", resp)
	}
	want := []string{"one", "fail two", "three"}
	for i, result := range resp.Results {
		if result.Question != want[i] {
			t.Fatalf("result %d question = %q, want %q", i, result.Question, want[i])
		}
	}
	if resp.Results[1].State != "exhausted" {
		t.Fatalf("expected exhausted state, got %q", resp.Results[1].State)
	}
}

func TestAskBatchLimits(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Asker: &fakeAsker{}, MaxBatch: 2})
	if rr := postJSON(h, "/v1/ask/batch", `{"questions":["a","b","c"]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch status = %d", rr.Code)
	}
	if rr := postJSON(h, "/v1/ask/batch", `{"questions":[]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d", rr.Code)
	}
	if rr := postJSON(h, "/v1/ask/batch", `{"questions":["a"," "]}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("blank entry status = %d", rr.Code)
	}
}

func TestAskWithoutPipeline(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	if rr := postJSON(h, "/v1/ask", `{"question":"x"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestToolEndpoint(t *testing.T) {
	tools := toolFunc(func(_ context.Context, call nl2sql.ToolCall) (any, error) {
		switch call.Name {
		case nl2sql.ToolGetDistinctColumnValue:
			if call.Args["column_name"] == nil {
				return nil, fmt.Errorf("%w: column_name is required", nl2sql.ErrInvalidToolArgs)
			}
			return nl2sql.DistinctValuesResult{Table: "calls", Column: "region", Values: []string{"EMEA", "APAC"}}, nil
		case nl2sql.ToolExecuteSQLQuery:
			return nil, &nl2sql.ExecutionError{Message: "syntax error at or near FORM"}
		case nl2sql.ToolGetTableSchema:
			return nil, fmt.Errorf("%w: other", schema.ErrNotFound)
		default:
			return nil, fmt.Errorf("%w: %q", nl2sql.ErrUnknownTool, call.Name)
		}
	})
	h := NewHandler(loadConfig(t, nil), Dependencies{Tools: tools})

	rr := postJSON(h, "/v1/tools/get_distinct_column_values", `{"args":{"column_name":"region"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	result, _ := body["result"].(map[string]any)
	if values, _ := result["values"].([]any); len(values) != 2 {
		t.Fatalf("unexpected result: %v", body)
	}

	checks := []struct {
		path, payload, code string
		status              int
	}{
		{"/v1/tools/get_distinct_column_values", `{"args":{}}`, "INVALID_TOOL_ARGS", http.StatusBadRequest},
		{"/v1/tools/execute_sql_query", `{"args":{"sql_query":"SELECT * FORM calls"}}`, "QUERY_FAILED", http.StatusUnprocessableEntity},
		{"/v1/tools/get_table_schema", `{"args":{"table":"other"}}`, "TABLE_NOT_FOUND", http.StatusNotFound},
		{"/v1/tools/drop_everything", `{"args":{}}`, "UNKNOWN_TOOL", http.StatusNotFound},
	}
	for _, c := range checks {
		rr := postJSON(h, c.path, c.payload)
		if rr.Code != c.status {
			t.Fatalf("%s: status = %d, want %d", c.path, rr.Code, c.status)
		}
		if body := decodeBody(t, rr); body["error_code"] != c.code {
			t.Fatalf("%s: error_code = %v, want %s", c.path, body["error_code"], c.code)
		}
	}
}

type fakeAsker struct {
	finish       func(*nl2sql.SessionState)
	lastQuestion string
	calls        atomic.Int32
}

func (f *fakeAsker) Ask(_ context.Context, question string) *nl2sql.SessionState {
	f.calls.Add(1)
	f.lastQuestion = question
	state := nl2sql.NewSessionState(question)
	if f.finish != nil {
		f.finish(state)
	}
	return state
}

func (f *fakeAsker) AskBatch(ctx context.Context, questions []string) []*nl2sql.SessionState {
	out := make([]*nl2sql.SessionState, len(questions))
	for i, q := range questions {
		out[i] = f.Ask(ctx, q)
	}
	return out
}

type toolFunc func(ctx context.Context, call nl2sql.ToolCall) (any, error)

func (f toolFunc) Invoke(ctx context.Context, call nl2sql.ToolCall) (any, error) {
	return f(ctx, call)
}

func testCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	catalog, err := schema.NewCatalog("main", schema.TableDescriptor{
		TableID:     "calls",
		Description: "one row per inbound call",
		Fields: []schema.Field{
			{Name: "agent_name", SemanticType: schema.TypeString},
			{Name: "call_duration_seconds", SemanticType: schema.TypeInteger},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func loadConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("nlquery-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func postJSON(h http.Handler, path, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
