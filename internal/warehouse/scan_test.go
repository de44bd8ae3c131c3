package warehouse

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestScanRowsStopsAtLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"agent", "calls", "day"}).
		AddRow([]byte("alice"), int64(3), ts).
		AddRow("bob", int64(5), ts).
		AddRow("carol", int64(8), ts))

	rows, err := db.Query("SELECT agent, calls, day FROM calls")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer rows.Close()

	got, err := ScanRows(rows, 2)
	if err != nil {
		t.Fatalf("ScanRows() error = %v", err)
	}
	if got.Len() != 2 || !got.Truncated {
		t.Fatalf("ScanRows() len=%d truncated=%v", got.Len(), got.Truncated)
	}
	if got.Values[0][0] != "alice" {
		t.Fatalf("bytes not normalized: %#v", got.Values[0][0])
	}
	if got.Values[0][2] != "2026-03-04T05:06:07Z" {
		t.Fatalf("time not normalized: %#v", got.Values[0][2])
	}
}

func TestStringValuesSkipsNulls(t *testing.T) {
	got := StringValues(Rows{Values: [][]any{{"billing"}, {nil}, {int64(7)}}})
	if len(got) != 2 || got[0] != "billing" || got[1] != "7" {
		t.Fatalf("StringValues() = %#v", got)
	}
}

func TestSplitTableID(t *testing.T) {
	dataset, table := SplitTableID("analytics.calls", "main")
	if dataset != "analytics" || table != "calls" {
		t.Fatalf("SplitTableID() = %q, %q", dataset, table)
	}
	dataset, table = SplitTableID("calls", "main")
	if dataset != "main" || table != "calls" {
		t.Fatalf("SplitTableID(bare) = %q, %q", dataset, table)
	}
}
