package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/nlquery/nlquery/internal/nl2sql"
	"github.com/nlquery/nlquery/internal/schema"
)

type toolRequest struct {
	Args map[string]any `json:"args"`
}

func handleTool(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireAnalyst(w, r) {
		return
	}
	if deps.Tools == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "TOOLS_UNAVAILABLE", "toolbox is not configured", true, nil)
		return
	}
	var req toolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	name := nl2sql.ToolName(r.PathValue("name"))
	ctx, cancel := askContext(r.Context(), deps.AskTimeout)
	defer cancel()

	result, err := deps.Tools.Invoke(ctx, nl2sql.ToolCall{Name: name, Args: req.Args})
	if err != nil {
		var execErr *nl2sql.ExecutionError
		extra := map[string]any{"tool": string(name)}
		switch {
		case errors.Is(err, nl2sql.ErrUnknownTool):
			writeError(r.Context(), w, http.StatusNotFound, "UNKNOWN_TOOL", err.Error(), false, extra)
		case errors.Is(err, schema.ErrNotFound):
			writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", err.Error(), false, extra)
		case errors.Is(err, nl2sql.ErrInvalidToolArgs):
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TOOL_ARGS", err.Error(), false, extra)
		case errors.As(err, &execErr):
			writeError(r.Context(), w, http.StatusUnprocessableEntity, "QUERY_FAILED", execErr.Message, false, extra)
		case errors.Is(err, context.DeadlineExceeded):
			writeError(r.Context(), w, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), true, extra)
		default:
			status, code, retryable := classifyTerminal(err)
			writeError(r.Context(), w, status, code, err.Error(), retryable, extra)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": string(name), "result": result})
}
