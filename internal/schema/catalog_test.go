package schema

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nlquery/nlquery/internal/warehouse"
)

func TestLoadDescribesTablesAndSamplesStringColumns(t *testing.T) {
	conn := &fakeConnector{
		tables: []string{"calls"},
		meta: map[string]warehouse.TableMetadata{
			"main.calls": {TableID: "calls", Description: "One row per call", Fields: []warehouse.Field{
				{Name: "call_id", Type: "BIGINT"},
				{Name: "eccr_dept_nm", Type: "VARCHAR", Nullable: true, Description: "Department name"},
				{Name: "call_end_dt", Type: "DATE"},
			}},
		},
		samples: map[string][]string{"main.calls/eccr_dept_nm": {"Billing", "Prepay"}},
	}

	catalog, err := Load(context.Background(), LoadOptions{Connector: conn, DatasetID: "main", SampleLimit: 25})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	table, err := catalog.Describe("calls")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	want := []Field{
		{Name: "call_id", SemanticType: TypeInteger, NativeType: "BIGINT"},
		{Name: "eccr_dept_nm", SemanticType: TypeString, NativeType: "VARCHAR", Nullable: true, Description: "Department name", SampleValues: []string{"Billing", "Prepay"}},
		{Name: "call_end_dt", SemanticType: TypeDate, NativeType: "DATE"},
	}
	if diff := cmp.Diff(want, table.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	if conn.sampleCalls != 1 {
		t.Fatalf("sample calls = %d, want only string columns", conn.sampleCalls)
	}
	if conn.lastLimit != MaxSampleValues {
		t.Fatalf("sample limit = %d, want clamp to %d", conn.lastLimit, MaxSampleValues)
	}
}

func TestLoadToleratesSampleFailures(t *testing.T) {
	conn := &fakeConnector{
		tables: []string{"calls"},
		meta: map[string]warehouse.TableMetadata{
			"calls": {TableID: "calls", Fields: []warehouse.Field{{Name: "mtn", Type: "text"}}},
		},
		sampleErr: errors.New("permission denied"),
	}
	catalog, err := Load(context.Background(), LoadOptions{Connector: conn, SampleLimit: 5})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	table, _ := catalog.Describe("calls")
	if len(table.Fields[0].SampleValues) != 0 {
		t.Fatalf("SampleValues = %#v", table.Fields[0].SampleValues)
	}
}

func TestDescribeUnknownTable(t *testing.T) {
	catalog, err := NewCatalog("main", fixtureTable())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if _, err := catalog.Describe("agents"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Describe() error = %v", err)
	}
}

func TestDescribeReturnsIndependentCopy(t *testing.T) {
	catalog, err := NewCatalog("main", fixtureTable())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	table, _ := catalog.Describe("calls")
	table.Fields[0].Name = "renamed"
	table.Fields[1].SampleValues[0] = "Sales"
	table.Fields = append(table.Fields, Field{Name: "extra"})

	again, _ := catalog.Describe("calls")
	if diff := cmp.Diff(fixtureTable(), again); diff != "" {
		t.Fatalf("catalog changed through Describe result (-want +got):\n%s", diff)
	}
}

func TestRenderIsDeterministicAndOrdered(t *testing.T) {
	catalog, err := NewCatalog("main", fixtureTable())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	first, err := catalog.Render("calls")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, _ := catalog.Render("calls")
	if first != second {
		t.Fatal("Render() is not deterministic")
	}
	want := "Table: calls\n" +
		"Description: Call centre facts\n" +
		"Columns:\n" +
		"- call_duration_seconds: INTEGER (Total call duration in seconds)\n" +
		"- eccr_dept_nm: VARCHAR\n"
	if first != want {
		t.Fatalf("Render() =\n%s\nwant\n%s", first, want)
	}
}

func TestSampleDistinctValuesFailsSoft(t *testing.T) {
	catalog, err := NewCatalog("main", fixtureTable())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	catalog.WithSampler(&fakeConnector{sampleErr: errors.New("warehouse down")}, nil)

	values := catalog.SampleDistinctValues(context.Background(), "calls", "eccr_dept_nm", 10)
	if values == nil || len(values) != 0 {
		t.Fatalf("values = %#v, want empty non-nil slice", values)
	}
	if got := catalog.SampleDistinctValues(context.Background(), "calls", "no_such_column", 10); len(got) != 0 {
		t.Fatalf("unknown column values = %#v", got)
	}
}

func TestSampleDistinctValuesQualifiesDataset(t *testing.T) {
	catalog, err := NewCatalog("analytics", fixtureTable())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	conn := &fakeConnector{samples: map[string][]string{"analytics.calls/eccr_dept_nm": {"Billing"}}}
	catalog.WithSampler(conn, nil)

	values := catalog.SampleDistinctValues(context.Background(), "calls", "ECCR_DEPT_NM", 3)
	if strings.Join(values, ",") != "Billing" {
		t.Fatalf("values = %#v", values)
	}
}

func TestSnapshotRoundTripPreservesOrder(t *testing.T) {
	other := TableDescriptor{TableID: "agents", Fields: []Field{{Name: "agent_id", SemanticType: TypeInteger}}}
	catalog, err := NewCatalog("main", fixtureTable(), other)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	data, err := catalog.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff(catalog.Tables(), decoded.Tables()); diff != "" {
		t.Fatalf("table order mismatch (-want +got):\n%s", diff)
	}
	table, _ := decoded.Describe("calls")
	if diff := cmp.Diff(fixtureTable(), table); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestNewCatalogRejectsDuplicateColumns(t *testing.T) {
	table := TableDescriptor{TableID: "calls", Fields: []Field{{Name: "mtn"}, {Name: "MTN"}}}
	if _, err := NewCatalog("main", table); err == nil {
		t.Fatal("expected duplicate column error")
	}
}

func TestParseQualified(t *testing.T) {
	table := fixtureTable()
	cases := map[string]string{
		"calls.call_duration_seconds": "calls.call_duration_seconds",
		"CALL_DURATION_SECONDS":       "calls.call_duration_seconds",
		"main.calls.eccr_dept_nm":     "calls.eccr_dept_nm",
		" `calls.eccr_dept_nm` ":      "calls.eccr_dept_nm",
		"agents.eccr_dept_nm":         "",
		"calls.unknown":               "",
	}
	for input, want := range cases {
		got, ok := table.ParseQualified(input)
		if want == "" {
			if ok {
				t.Fatalf("ParseQualified(%q) = %q, want rejection", input, got)
			}
			continue
		}
		if got != want {
			t.Fatalf("ParseQualified(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSemanticTypeOf(t *testing.T) {
	cases := map[string]SemanticType{
		"BIGINT":                   TypeInteger,
		"int64":                    TypeInteger,
		"DOUBLE":                   TypeFloat,
		"numeric(10,2)":            TypeFloat,
		"DATE":                     TypeDate,
		"timestamp with time zone": TypeDate,
		"BOOLEAN":                  TypeBoolean,
		"VARCHAR":                  TypeString,
		"character varying":        TypeString,
		"smallint":                 TypeInteger,
		"UBIGINT":                  TypeInteger,
		"int4":                     TypeInteger,
		"bigserial":                TypeInteger,
		"INTERVAL":                 TypeString,
		"POINT":                    TypeString,
		"interval(6)":              TypeString,
	}
	for native, want := range cases {
		if got := SemanticTypeOf(native); got != want {
			t.Fatalf("SemanticTypeOf(%q) = %q, want %q", native, got, want)
		}
	}
}

func fixtureTable() TableDescriptor {
	return TableDescriptor{
		TableID:     "calls",
		Description: "Call centre facts",
		Fields: []Field{
			{Name: "call_duration_seconds", SemanticType: TypeInteger, Description: "Total call duration in seconds"},
			{Name: "eccr_dept_nm", SemanticType: TypeString, NativeType: "VARCHAR", SampleValues: []string{"Billing"}},
		},
	}
}

type fakeConnector struct {
	tables      []string
	meta        map[string]warehouse.TableMetadata
	samples     map[string][]string
	sampleErr   error
	sampleCalls int
	lastLimit   int
}

func (f *fakeConnector) Execute(context.Context, string) (warehouse.Rows, error) {
	return warehouse.Rows{}, nil
}

func (f *fakeConnector) ListTables(context.Context, string) ([]string, error) {
	return f.tables, nil
}

func (f *fakeConnector) GetSchema(_ context.Context, tableID string) (warehouse.TableMetadata, error) {
	meta, ok := f.meta[tableID]
	if !ok {
		return warehouse.TableMetadata{}, warehouse.ErrTableNotFound
	}
	return meta, nil
}

func (f *fakeConnector) SampleDistinctValues(_ context.Context, tableID, column string, limit int) ([]string, error) {
	f.sampleCalls++
	f.lastLimit = limit
	if f.sampleErr != nil {
		return nil, f.sampleErr
	}
	return f.samples[tableID+"/"+column], nil
}
