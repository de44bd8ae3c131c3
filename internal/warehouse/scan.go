package warehouse

import (
	"database/sql"
	"fmt"
	"time"
)

// ScanRows drains rows into a Rows value, stopping after limit rows when
// limit is positive.
func ScanRows(rows *sql.Rows, limit int) (Rows, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Rows{}, fmt.Errorf("query columns: %w", err)
	}
	out := Rows{Columns: columns, Values: make([][]any, 0)}
	for rows.Next() {
		if limit > 0 && len(out.Values) >= limit {
			out.Truncated = true
			break
		}
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return Rows{}, fmt.Errorf("scan row: %w", err)
		}
		out.Values = append(out.Values, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Rows{}, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// StringValues stringifies a single-column result, skipping nulls.
func StringValues(rows Rows) []string {
	out := make([]string, 0, len(rows.Values))
	for _, row := range rows.Values {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		out = append(out, fmt.Sprint(row[0]))
	}
	return out
}
