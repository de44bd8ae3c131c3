package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/nlquery/nlquery/internal/storage"
	"github.com/nlquery/nlquery/internal/warehouse"
)

// Source mounts parquet objects as a view. Path is either a single object key
// or a prefix whose .parquet objects are read together.
type Source struct {
	Table string
	Path  string
}

type Config struct {
	// Path is the DuckDB database file; empty opens an in-memory database.
	Path         string
	Schema       string
	RowLimit     int
	QueryTimeout time.Duration
	Store        storage.ObjectStore
	Sources      []Source
}

type Connector struct {
	db           *sql.DB
	schema       string
	rowLimit     int
	queryTimeout time.Duration
	workDir      string
}

func Open(ctx context.Context, cfg Config) (*Connector, error) {
	if len(cfg.Sources) > 0 && cfg.Store == nil {
		return nil, fmt.Errorf("object store is required for parquet sources")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "main"
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	c := &Connector{db: db, schema: schema, rowLimit: cfg.RowLimit, queryTimeout: cfg.QueryTimeout}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if len(cfg.Sources) > 0 {
		if err := c.mountSources(ctx, cfg.Store, cfg.Sources); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Connector) Close() error {
	err := c.db.Close()
	if c.workDir != "" {
		_ = os.RemoveAll(c.workDir)
	}
	return err
}

func (c *Connector) Execute(ctx context.Context, sqlText string) (warehouse.Rows, error) {
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return warehouse.Rows{}, err
	}
	defer func() { _ = rows.Close() }()
	return warehouse.ScanRows(rows, c.rowLimit)
}

func (c *Connector) ListTables(ctx context.Context, datasetID string) ([]string, error) {
	if datasetID == "" {
		datasetID = c.schema
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = ?
ORDER BY table_name`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list tables in %q: %w", datasetID, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (c *Connector) GetSchema(ctx context.Context, tableID string) (warehouse.TableMetadata, error) {
	schema, table := warehouse.SplitTableID(tableID, c.schema)

	var description sql.NullString
	err := c.db.QueryRowContext(ctx, `
SELECT table_comment
FROM information_schema.tables
WHERE table_schema = ? AND table_name = ?`, schema, table).Scan(&description)
	if errors.Is(err, sql.ErrNoRows) {
		return warehouse.TableMetadata{}, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, tableID)
	}
	if err != nil {
		return warehouse.TableMetadata{}, fmt.Errorf("describe table %q: %w", tableID, err)
	}

	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable, column_comment
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return warehouse.TableMetadata{}, fmt.Errorf("list columns of %q: %w", tableID, err)
	}
	defer func() { _ = rows.Close() }()

	meta := warehouse.TableMetadata{TableID: table, Description: description.String}
	for rows.Next() {
		var (
			name, dataType, nullable string
			comment                  sql.NullString
		)
		if err := rows.Scan(&name, &dataType, &nullable, &comment); err != nil {
			return warehouse.TableMetadata{}, fmt.Errorf("scan column: %w", err)
		}
		meta.Fields = append(meta.Fields, warehouse.Field{
			Name:        name,
			Type:        dataType,
			Nullable:    strings.EqualFold(nullable, "YES"),
			Description: comment.String,
		})
	}
	if err := rows.Err(); err != nil {
		return warehouse.TableMetadata{}, fmt.Errorf("iterate columns: %w", err)
	}
	return meta, nil
}

func (c *Connector) SampleDistinctValues(ctx context.Context, tableID, column string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	schema, table := warehouse.SplitTableID(tableID, c.schema)
	col := warehouse.QuoteIdent(column)
	query := fmt.Sprintf(`SELECT DISTINCT CAST(%s AS VARCHAR) AS v FROM %s.%s WHERE %s IS NOT NULL ORDER BY v LIMIT %d`,
		col, warehouse.QuoteIdent(schema), warehouse.QuoteIdent(table), col, limit)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sample %s.%s: %w", table, column, err)
	}
	defer func() { _ = rows.Close() }()
	result, err := warehouse.ScanRows(rows, limit)
	if err != nil {
		return nil, err
	}
	return warehouse.StringValues(result), nil
}

func (c *Connector) mountSources(ctx context.Context, store storage.ObjectStore, sources []Source) error {
	workDir, err := os.MkdirTemp("", "nlquery-duckdb-")
	if err != nil {
		return fmt.Errorf("create parquet work dir: %w", err)
	}
	c.workDir = workDir

	if c.schema != "main" {
		if _, err := c.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+warehouse.QuoteIdent(c.schema)); err != nil {
			return fmt.Errorf("create schema %q: %w", c.schema, err)
		}
	}

	for _, source := range sources {
		keys, err := resolveKeys(ctx, store, source.Path)
		if err != nil {
			return fmt.Errorf("resolve source %q: %w", source.Table, err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("source %q has no parquet objects under %q", source.Table, source.Path)
		}
		localPaths := make([]string, 0, len(keys))
		for i, key := range keys {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(source.Table), i))
			if err := download(ctx, store, key, localPath); err != nil {
				return err
			}
			localPaths = append(localPaths, localPath)
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s.%s AS SELECT * FROM read_parquet(%s)`,
			warehouse.QuoteIdent(c.schema), warehouse.QuoteIdent(source.Table), quoteStringArray(localPaths))
		if _, err := c.db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for table %q: %w", source.Table, err)
		}
	}
	return nil
}

func resolveKeys(ctx context.Context, store storage.ObjectStore, path string) ([]string, error) {
	if storage.IsParquetKey(path) {
		return []string{path}, nil
	}
	objects, err := store.List(ctx, path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if storage.IsParquetKey(obj.Key) {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", localPath, err)
	}
	defer func() { _ = file.Close() }()
	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return nil
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
