package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nlquery/nlquery/internal/auth"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/nl2sql"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/warehouse"
)

const defaultMaxBatch = 50

type askRequest struct {
	Question string `json:"question"`
}

type askBatchRequest struct {
	Questions []string `json:"questions"`
}

type attemptResponse struct {
	Iteration int       `json:"iteration"`
	SQL       string    `json:"sql"`
	Outcome   string    `json:"outcome"`
	RowCount  int       `json:"row_count"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type sessionResponse struct {
	SessionID        string              `json:"session_id"`
	Question         string              `json:"question"`
	State            string              `json:"state"`
	Answer           string              `json:"answer"`
	Intent           string              `json:"intent"`
	IntentConfidence float64             `json:"intent_confidence"`
	Entities         map[string][]string `json:"entities"`
	ColumnMapping    map[string][]string `json:"column_mapping"`
	SelectedColumns  []string            `json:"selected_columns"`
	SQL              string              `json:"sql,omitempty"`
	Columns          []string            `json:"columns,omitempty"`
	Rows             [][]any             `json:"rows,omitempty"`
	Truncated        bool                `json:"truncated,omitempty"`
	Attempts         []attemptResponse   `json:"attempts"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireAnalyst(w, r) {
		return
	}
	if deps.Asker == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "PIPELINE_UNAVAILABLE", "question pipeline is not configured", true, nil)
		return
	}
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "question is required", false, nil)
		return
	}

	ctx, cancel := askContext(r.Context(), deps.AskTimeout)
	defer cancel()
	state := deps.Asker.Ask(ctx, question)
	observability.LoggerFor(r.Context(), deps.Logger).Info("question answered",
		slog.String("session_id", state.ID.String()),
		slog.String("state", string(state.Terminal.State)),
		slog.Int("attempts", len(state.Attempts)))

	body := toSessionResponse(state)
	if state.Terminal.State == nl2sql.StateSuccess {
		writeJSON(w, http.StatusOK, body)
		return
	}
	status, code, retryable := classifyTerminal(state.Terminal.Err)
	writeError(r.Context(), w, status, code, state.Answer(), retryable, map[string]any{"session": body})
}

func handleAskBatch(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireAnalyst(w, r) {
		return
	}
	if deps.Asker == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "PIPELINE_UNAVAILABLE", "question pipeline is not configured", true, nil)
		return
	}
	var req askBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	limit := deps.MaxBatch
	if limit <= 0 {
		limit = defaultMaxBatch
	}
	if len(req.Questions) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "questions must not be empty", false, nil)
		return
	}
	if len(req.Questions) > limit {
		writeError(r.Context(), w, http.StatusBadRequest, "BATCH_TOO_LARGE", "too many questions in one batch", false, map[string]any{"max_questions": limit})
		return
	}
	questions := make([]string, len(req.Questions))
	for i, q := range req.Questions {
		questions[i] = strings.TrimSpace(q)
		if questions[i] == "" {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "questions must not contain blank entries", false, map[string]any{"index": i})
			return
		}
	}

	ctx, cancel := askContext(r.Context(), deps.AskTimeout)
	defer cancel()
	states := deps.Asker.AskBatch(ctx, questions)
	results := make([]sessionResponse, len(states))
	succeeded := 0
	for i, state := range states {
		results[i] = toSessionResponse(state)
		if state.Terminal.State == nl2sql.StateSuccess {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"total":     len(results),
		"succeeded": succeeded,
	})
}

// classifyTerminal maps a non-success session error to an HTTP response.
func classifyTerminal(err error) (int, string, bool) {
	var exhausted *nl2sql.ExhaustedRetriesError
	var execErr *nl2sql.ExecutionError
	switch {
	case errors.As(err, &exhausted):
		return http.StatusUnprocessableEntity, "QUERY_EXHAUSTED", false
	case llm.IsServiceUnavailable(err):
		return http.StatusServiceUnavailable, "LLM_UNAVAILABLE", true
	case warehouse.IsServiceUnavailable(err):
		return http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE", true
	case errors.Is(err, nl2sql.ErrGenerationEmpty):
		return http.StatusBadGateway, "GENERATION_EMPTY", true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", true
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "CANCELLED", false
	case errors.As(err, &execErr):
		return http.StatusUnprocessableEntity, "QUERY_FAILED", false
	default:
		return http.StatusInternalServerError, "INTERNAL", false
	}
}

// statusClientClosedRequest follows the nginx convention.
const statusClientClosedRequest = 499

func askContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

func requireAnalyst(w http.ResponseWriter, r *http.Request) bool {
	if err := auth.RequireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}

func toSessionResponse(state *nl2sql.SessionState) sessionResponse {
	out := sessionResponse{
		SessionID:        state.ID.String(),
		Question:         state.OriginalQuery,
		State:            string(state.Terminal.State),
		Answer:           state.Answer(),
		Intent:           string(state.Intent),
		IntentConfidence: state.IntentConfidence,
		Entities:         stringKeys(state.Entities),
		ColumnMapping:    stringKeys(state.ColumnMapping),
		SelectedColumns:  state.SelectedColumns.Sorted(),
		SQL:              state.FinalSQL(),
		Attempts:         make([]attemptResponse, 0, len(state.Attempts)),
	}
	if out.SelectedColumns == nil {
		out.SelectedColumns = []string{}
	}
	if rows, ok := state.Rows(); ok {
		out.Columns = rows.Columns
		out.Rows = rows.Values
		out.Truncated = rows.Truncated
	}
	for _, attempt := range state.Attempts {
		out.Attempts = append(out.Attempts, attemptResponse{
			Iteration: attempt.Iteration,
			SQL:       attempt.SQL,
			Outcome:   string(attempt.Outcome.Kind),
			RowCount:  attempt.Outcome.Rows.Len(),
			Error:     attempt.Outcome.ErrorMessage,
			Timestamp: attempt.Timestamp,
		})
	}
	return out
}

func stringKeys[K ~string](in map[K][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = append([]string(nil), in[K(k)]...)
	}
	return out
}
