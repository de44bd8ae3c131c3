package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nlquery/nlquery/internal/warehouse"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestListTables(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := NewWithDB(db, Config{Schema: "analytics"})

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1
ORDER BY table_name`)).
		WithArgs("analytics").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("agents").AddRow("calls"))

	tables, err := conn.ListTables(context.Background(), "")
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if strings.Join(tables, ",") != "agents,calls" {
		t.Fatalf("tables = %#v", tables)
	}
	assertSQLMock(t, mock)
}

func TestGetSchema(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := NewWithDB(db, Config{})

	mock.ExpectQuery(regexp.QuoteMeta(`obj_description(cls.oid, 'pg_class')`)).
		WithArgs("analytics", "calls").
		WillReturnRows(sqlmock.NewRows([]string{"description"}).AddRow("One row per call"))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM information_schema.columns c`)).
		WithArgs("analytics", "calls").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "nullable", "description"}).
			AddRow("call_id", "bigint", false, "").
			AddRow("call_duration_seconds", "integer", true, "Call duration in seconds"))

	meta, err := conn.GetSchema(context.Background(), "analytics.calls")
	if err != nil {
		t.Fatalf("GetSchema() error = %v", err)
	}
	if meta.TableID != "calls" || meta.Description != "One row per call" {
		t.Fatalf("meta = %#v", meta)
	}
	if len(meta.Fields) != 2 || meta.Fields[1].Description != "Call duration in seconds" || !meta.Fields[1].Nullable {
		t.Fatalf("fields = %#v", meta.Fields)
	}
	assertSQLMock(t, mock)
}

func TestGetSchemaReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := NewWithDB(db, Config{})

	mock.ExpectQuery(regexp.QuoteMeta(`obj_description(cls.oid, 'pg_class')`)).
		WithArgs("public", "ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := conn.GetSchema(context.Background(), "ghost")
	if !errors.Is(err, warehouse.ErrTableNotFound) {
		t.Fatalf("GetSchema() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestSampleDistinctValuesQuotesIdentifiers(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := NewWithDB(db, Config{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT "eccr_dept_nm"::text AS v FROM "public"."calls" WHERE "eccr_dept_nm" IS NOT NULL ORDER BY v LIMIT $1`)).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("Billing").AddRow("Prepay"))

	values, err := conn.SampleDistinctValues(context.Background(), "calls", "eccr_dept_nm", 10)
	if err != nil {
		t.Fatalf("SampleDistinctValues() error = %v", err)
	}
	if strings.Join(values, ",") != "Billing,Prepay" {
		t.Fatalf("values = %#v", values)
	}
	assertSQLMock(t, mock)
}

func TestExecuteRunsStatementVerbatim(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := NewWithDB(db, Config{RowLimit: 100})

	statement := "SELECT COUNT(*) AS abandoned FROM calls WHERE final_call_dispo = 'abandoned';"
	mock.ExpectQuery(regexp.QuoteMeta(statement)).
		WillReturnRows(sqlmock.NewRows([]string{"abandoned"}).AddRow(int64(12)))

	rows, err := conn.Execute(context.Background(), statement)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rows.Len() != 1 || rows.Values[0][0] != int64(12) {
		t.Fatalf("rows = %#v", rows.Values)
	}
	assertSQLMock(t, mock)
}

func TestExecuteDescribesServerErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := NewWithDB(db, Config{})

	mock.ExpectQuery("SELECT").WillReturnError(&pgconn.PgError{
		Code:    "42703",
		Message: `column "duration" does not exist`,
		Hint:    `Perhaps you meant to reference the column "calls.call_duration_seconds".`,
	})

	_, err := conn.Execute(context.Background(), "SELECT duration FROM calls")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "42703") || !strings.Contains(err.Error(), "call_duration_seconds") {
		t.Fatalf("error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
