package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nlquery/nlquery/internal/schema"
	"github.com/nlquery/nlquery/internal/warehouse"
)

var ErrInvalidToolArgs = errors.New("invalid tool arguments")

type ToolName string

const (
	ToolGetTableSchema         ToolName = "get_table_schema"
	ToolExecuteSQLQuery        ToolName = "execute_sql_query"
	ToolGetDistinctColumnValue ToolName = "get_distinct_column_values"
)

type ToolCall struct {
	Name ToolName
	Args map[string]any
}

type TableSchemaResult struct {
	Table  string         `json:"table"`
	Schema string         `json:"schema"`
	Fields []schema.Field `json:"fields"`
}

type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

type DistinctValuesResult struct {
	Table  string   `json:"table"`
	Column string   `json:"column"`
	Values []string `json:"values"`
}

type toolHandler func(ctx context.Context, args map[string]any) (any, error)

// Toolbox is the fixed set of functions a model may call. Names outside the
// table are rejected before any handler runs.
type Toolbox struct {
	catalog  *schema.Catalog
	executor queryExecutor
	table    string
	handlers map[ToolName]toolHandler
}

func NewToolbox(catalog *schema.Catalog, executor queryExecutor, activeTable string) *Toolbox {
	tb := &Toolbox{catalog: catalog, executor: executor, table: activeTable}
	tb.handlers = map[ToolName]toolHandler{
		ToolGetTableSchema:         tb.tableSchema,
		ToolExecuteSQLQuery:        tb.executeSQL,
		ToolGetDistinctColumnValue: tb.distinctValues,
	}
	return tb
}

func Tools() []ToolName {
	return []ToolName{ToolGetTableSchema, ToolExecuteSQLQuery, ToolGetDistinctColumnValue}
}

func (t *Toolbox) Invoke(ctx context.Context, call ToolCall) (any, error) {
	handler, ok := t.handlers[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return handler(ctx, call.Args)
}

func (t *Toolbox) tableSchema(_ context.Context, args map[string]any) (any, error) {
	tableID, err := optionalString(args, "table", t.table)
	if err != nil {
		return nil, err
	}
	table, err := t.catalog.Describe(tableID)
	if err != nil {
		return nil, err
	}
	return TableSchemaResult{Table: table.TableID, Schema: table.Render(), Fields: table.Fields}, nil
}

func (t *Toolbox) executeSQL(ctx context.Context, args map[string]any) (any, error) {
	sql, err := optionalString(args, "sql_query", "")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("%w: sql_query is required", ErrInvalidToolArgs)
	}
	rows, err := t.executor.Execute(ctx, sql)
	if err != nil {
		return nil, err
	}
	return queryResult(rows), nil
}

func (t *Toolbox) distinctValues(ctx context.Context, args map[string]any) (any, error) {
	column, err := optionalString(args, "column_name", "")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(column) == "" {
		return nil, fmt.Errorf("%w: column_name is required", ErrInvalidToolArgs)
	}
	tableID, err := optionalString(args, "table", t.table)
	if err != nil {
		return nil, err
	}
	limit := schema.MaxSampleValues
	if raw, ok := args["limit"]; ok {
		n, ok := raw.(float64)
		if !ok {
			if i, isInt := raw.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok || n <= 0 || n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidToolArgs)
		}
		limit = int(math.Min(n, schema.MaxSampleValues))
	}
	if _, err := t.catalog.Describe(tableID); err != nil {
		return nil, err
	}
	values := t.catalog.SampleDistinctValues(ctx, tableID, column, limit)
	return DistinctValuesResult{Table: tableID, Column: column, Values: values}, nil
}

func optionalString(args map[string]any, key, fallback string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidToolArgs, key)
	}
	return value, nil
}

func queryResult(rows warehouse.Rows) QueryResult {
	values := rows.Values
	if values == nil {
		values = [][]any{}
	}
	return QueryResult{Columns: rows.Columns, Rows: values, Truncated: rows.Truncated}
}
