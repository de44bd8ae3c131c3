package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nlquery/nlquery/internal/schema"
)

func handleListSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireAnalyst(w, r) {
		return
	}
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "schema catalog is not loaded", true, nil)
		return
	}
	tables := deps.Schema.Tables()
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireAnalyst(w, r) {
		return
	}
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "schema catalog is not loaded", true, nil)
		return
	}
	tableID := strings.TrimSpace(r.PathValue("table"))
	table, err := deps.Schema.Describe(tableID)
	if errors.Is(err, schema.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", err.Error(), false, map[string]any{"table": tableID})
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":       table.TableID,
		"description": table.Description,
		"fields":      table.Fields,
		"rendered":    table.Render(),
	})
}
