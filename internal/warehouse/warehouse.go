package warehouse

import (
	"context"
	"errors"
	"strings"
)

var ErrTableNotFound = errors.New("table not found")

type Field struct {
	Name        string
	Type        string
	Nullable    bool
	Description string
}

type TableMetadata struct {
	TableID     string
	Description string
	Fields      []Field
}

type Rows struct {
	Columns []string
	Values  [][]any
	// Truncated is set when the connector stopped reading at its row limit.
	Truncated bool
}

func (r Rows) Len() int {
	return len(r.Values)
}

// Connector is the boundary to a SQL warehouse. Execute runs the statement
// text exactly as given.
type Connector interface {
	Execute(ctx context.Context, sqlText string) (Rows, error)
	ListTables(ctx context.Context, datasetID string) ([]string, error)
	GetSchema(ctx context.Context, tableID string) (TableMetadata, error)
	SampleDistinctValues(ctx context.Context, tableID, column string, limit int) ([]string, error)
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// SplitTableID splits "dataset.table" and falls back to defaultDataset for
// bare names.
func SplitTableID(tableID, defaultDataset string) (string, string) {
	tableID = strings.TrimSpace(tableID)
	if dataset, table, ok := strings.Cut(tableID, "."); ok && dataset != "" && table != "" {
		return dataset, table
	}
	return defaultDataset, tableID
}
