package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/warehouse"
)

// Catalog is built once at ingestion and is read-only afterwards.
type Catalog struct {
	DatasetID string
	order     []string
	tables    map[string]TableDescriptor
	sampler   sampler
	logger    *slog.Logger
}

type sampler interface {
	SampleDistinctValues(ctx context.Context, tableID, column string, limit int) ([]string, error)
}

func NewCatalog(datasetID string, tables ...TableDescriptor) (*Catalog, error) {
	c := &Catalog{DatasetID: datasetID, tables: make(map[string]TableDescriptor, len(tables)), logger: observability.DiscardLogger()}
	for _, table := range tables {
		if err := table.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tables[table.TableID]; dup {
			return nil, fmt.Errorf("duplicate table %q", table.TableID)
		}
		c.order = append(c.order, table.TableID)
		c.tables[table.TableID] = table.clone()
	}
	return c, nil
}

// WithSampler attaches a live warehouse used by SampleDistinctValues. Table
// ids are qualified with the catalog's dataset before reaching s.
func (c *Catalog) WithSampler(s sampler, logger *slog.Logger) *Catalog {
	c.sampler = datasetSampler{dataset: c.DatasetID, inner: s}
	if logger != nil {
		c.logger = logger
	}
	return c
}

func (c *Catalog) Tables() []string {
	return append([]string(nil), c.order...)
}

// Describe returns a copy of the table; callers may modify it freely.
func (c *Catalog) Describe(tableID string) (TableDescriptor, error) {
	table, ok := c.tables[tableID]
	if !ok {
		return TableDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, tableID)
	}
	return table.clone(), nil
}

// TableRef is the dataset-qualified name used to address tableID in SQL.
func (c *Catalog) TableRef(tableID string) string {
	return qualify(c.DatasetID, tableID)
}

func (c *Catalog) Render(tableID string) (string, error) {
	table, err := c.Describe(tableID)
	if err != nil {
		return "", err
	}
	return table.Render(), nil
}

// SampleDistinctValues never fails: an unreachable warehouse or unknown
// column yields an empty slice, which callers treat as "unknown".
func (c *Catalog) SampleDistinctValues(ctx context.Context, tableID, column string, limit int) []string {
	if limit > MaxSampleValues {
		limit = MaxSampleValues
	}
	table, err := c.Describe(tableID)
	if err != nil || limit <= 0 {
		return []string{}
	}
	field, ok := table.Field(column)
	if !ok {
		return []string{}
	}
	if c.sampler == nil {
		if len(field.SampleValues) > limit {
			return append([]string(nil), field.SampleValues[:limit]...)
		}
		return append([]string{}, field.SampleValues...)
	}
	values, err := c.sampler.SampleDistinctValues(ctx, tableID, field.Name, limit)
	if err != nil {
		observability.LoggerFor(ctx, c.logger).Warn("sample distinct values failed",
			slog.String("table", tableID), slog.String("column", column), slog.Any("error", err))
		return []string{}
	}
	if values == nil {
		return []string{}
	}
	return values
}

type LoadOptions struct {
	Connector   warehouse.Connector
	DatasetID   string
	Tables      []string
	SampleLimit int
	Logger      *slog.Logger
}

// Load walks the warehouse and builds an immutable catalog. Sample values are
// only collected for string columns.
func Load(ctx context.Context, opts LoadOptions) (*Catalog, error) {
	if opts.Connector == nil {
		return nil, fmt.Errorf("warehouse connector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	limit := opts.SampleLimit
	if limit > MaxSampleValues {
		limit = MaxSampleValues
	}

	tableIDs := opts.Tables
	if len(tableIDs) == 0 {
		listed, err := opts.Connector.ListTables(ctx, opts.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		tableIDs = listed
	}

	descriptors := make([]TableDescriptor, 0, len(tableIDs))
	for _, tableID := range tableIDs {
		meta, err := opts.Connector.GetSchema(ctx, qualify(opts.DatasetID, tableID))
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", tableID, err)
		}
		table := TableDescriptor{TableID: tableID, Description: meta.Description}
		for _, col := range meta.Fields {
			field := Field{
				Name:         col.Name,
				SemanticType: SemanticTypeOf(col.Type),
				NativeType:   col.Type,
				Nullable:     col.Nullable,
				Description:  col.Description,
			}
			if field.SemanticType == TypeString && limit > 0 {
				values, err := opts.Connector.SampleDistinctValues(ctx, qualify(opts.DatasetID, tableID), col.Name, limit)
				if err != nil {
					logger.WarnContext(ctx, "sample distinct values failed",
						slog.String("table", tableID), slog.String("column", col.Name), slog.Any("error", err))
				} else {
					field.SampleValues = values
				}
			}
			table.Fields = append(table.Fields, field)
		}
		descriptors = append(descriptors, table)
		logger.InfoContext(ctx, "table described", slog.String("table", tableID), slog.Int("columns", len(table.Fields)))
	}

	catalog, err := NewCatalog(opts.DatasetID, descriptors...)
	if err != nil {
		return nil, err
	}
	return catalog.WithSampler(opts.Connector, logger), nil
}

type datasetSampler struct {
	dataset string
	inner   sampler
}

func (d datasetSampler) SampleDistinctValues(ctx context.Context, tableID, column string, limit int) ([]string, error) {
	return d.inner.SampleDistinctValues(ctx, qualify(d.dataset, tableID), column, limit)
}

func qualify(dataset, table string) string {
	if dataset == "" {
		return table
	}
	return dataset + "." + table
}

type catalogSnapshot struct {
	DatasetID string            `json:"dataset_id"`
	Tables    []TableDescriptor `json:"tables"`
}

func (c *Catalog) MarshalJSON() ([]byte, error) {
	snap := catalogSnapshot{DatasetID: c.DatasetID}
	for _, id := range c.order {
		snap.Tables = append(snap.Tables, c.tables[id])
	}
	return json.Marshal(snap)
}

func Decode(data []byte) (*Catalog, error) {
	var snap catalogSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode catalog snapshot: %w", err)
	}
	return NewCatalog(snap.DatasetID, snap.Tables...)
}
