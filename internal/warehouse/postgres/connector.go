package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nlquery/nlquery/internal/warehouse"
)

type Config struct {
	DSN             string
	Schema          string
	RowLimit        int
	QueryTimeout    time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type Connector struct {
	db           *sql.DB
	schema       string
	rowLimit     int
	queryTimeout time.Duration
}

func Open(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open warehouse db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse db: %w", err)
	}
	return NewWithDB(db, cfg), nil
}

func NewWithDB(db *sql.DB, cfg Config) *Connector {
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	return &Connector{db: db, schema: schema, rowLimit: cfg.RowLimit, queryTimeout: cfg.QueryTimeout}
}

func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) Execute(ctx context.Context, sqlText string) (warehouse.Rows, error) {
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return warehouse.Rows{}, describePgError(err)
	}
	defer func() { _ = rows.Close() }()
	result, err := warehouse.ScanRows(rows, c.rowLimit)
	if err != nil {
		return warehouse.Rows{}, describePgError(err)
	}
	return result, nil
}

func (c *Connector) ListTables(ctx context.Context, datasetID string) ([]string, error) {
	if datasetID == "" {
		datasetID = c.schema
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1
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

	var description string
	err := c.db.QueryRowContext(ctx, `
SELECT COALESCE(obj_description(cls.oid, 'pg_class'), '')
FROM pg_catalog.pg_class cls
JOIN pg_catalog.pg_namespace ns ON ns.oid = cls.relnamespace
WHERE ns.nspname = $1 AND cls.relname = $2`, schema, table).Scan(&description)
	if errors.Is(err, sql.ErrNoRows) {
		return warehouse.TableMetadata{}, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, tableID)
	}
	if err != nil {
		return warehouse.TableMetadata{}, fmt.Errorf("describe table %q: %w", tableID, err)
	}

	rows, err := c.db.QueryContext(ctx, `
SELECT c.column_name, c.data_type, c.is_nullable = 'YES',
       COALESCE(col_description(cls.oid, c.ordinal_position::int), '')
FROM information_schema.columns c
JOIN pg_catalog.pg_namespace ns ON ns.nspname = c.table_schema
JOIN pg_catalog.pg_class cls ON cls.relnamespace = ns.oid AND cls.relname = c.table_name
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return warehouse.TableMetadata{}, fmt.Errorf("list columns of %q: %w", tableID, err)
	}
	defer func() { _ = rows.Close() }()

	meta := warehouse.TableMetadata{TableID: table, Description: description}
	for rows.Next() {
		var field warehouse.Field
		if err := rows.Scan(&field.Name, &field.Type, &field.Nullable, &field.Description); err != nil {
			return warehouse.TableMetadata{}, fmt.Errorf("scan column: %w", err)
		}
		meta.Fields = append(meta.Fields, field)
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
	query := fmt.Sprintf(`SELECT DISTINCT %s::text AS v FROM %s.%s WHERE %s IS NOT NULL ORDER BY v LIMIT $1`,
		col, warehouse.QuoteIdent(schema), warehouse.QuoteIdent(table), col)
	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sample %s.%s: %w", table, column, err)
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return values, nil
}

// describePgError flattens server errors into the message and hint the
// synthesizer can act on.
func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	msg := fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	if pgErr.Hint != "" {
		msg += ": " + pgErr.Hint
	}
	return errors.New(msg)
}
