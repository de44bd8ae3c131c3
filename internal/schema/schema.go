package schema

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("schema not found")

const MaxSampleValues = 10

type SemanticType string

const (
	TypeString  SemanticType = "string"
	TypeInteger SemanticType = "integer"
	TypeFloat   SemanticType = "float"
	TypeDate    SemanticType = "date"
	TypeBoolean SemanticType = "boolean"
)

type Field struct {
	Name         string       `json:"name"`
	SemanticType SemanticType `json:"semantic_type"`
	NativeType   string       `json:"native_type,omitempty"`
	Nullable     bool         `json:"nullable"`
	Description  string       `json:"description,omitempty"`
	SampleValues []string     `json:"sample_values,omitempty"`
}

type TableDescriptor struct {
	TableID     string  `json:"table_id"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

func (t TableDescriptor) clone() TableDescriptor {
	out := t
	if t.Fields == nil {
		return out
	}
	out.Fields = make([]Field, len(t.Fields))
	for i, field := range t.Fields {
		field.SampleValues = append([]string(nil), field.SampleValues...)
		out.Fields[i] = field
	}
	return out
}

func (t TableDescriptor) Field(name string) (Field, bool) {
	for _, field := range t.Fields {
		if strings.EqualFold(field.Name, name) {
			return field, true
		}
	}
	return Field{}, false
}

func (t TableDescriptor) HasColumn(name string) bool {
	_, ok := t.Field(name)
	return ok
}

// Qualified returns "table.column" using the declared column spelling.
func (t TableDescriptor) Qualified(column string) (string, bool) {
	field, ok := t.Field(column)
	if !ok {
		return "", false
	}
	return t.TableID + "." + field.Name, true
}

// ParseQualified accepts "table.column", "dataset.table.column" or a bare
// column and resolves it against t.
func (t TableDescriptor) ParseQualified(name string) (string, bool) {
	name = strings.Trim(strings.TrimSpace(name), "`\"")
	if name == "" {
		return "", false
	}
	parts := strings.Split(name, ".")
	column := parts[len(parts)-1]
	if len(parts) > 1 && !strings.EqualFold(parts[len(parts)-2], t.TableID) {
		return "", false
	}
	return t.Qualified(column)
}

func (t TableDescriptor) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n", t.TableID)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	b.WriteString("Columns:\n")
	for _, field := range t.Fields {
		typ := field.NativeType
		if typ == "" {
			typ = strings.ToUpper(string(field.SemanticType))
		}
		if field.Description != "" {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", field.Name, typ, field.Description)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", field.Name, typ)
		}
	}
	return b.String()
}

func (t TableDescriptor) validate() error {
	if strings.TrimSpace(t.TableID) == "" {
		return fmt.Errorf("table id is required")
	}
	seen := make(map[string]struct{}, len(t.Fields))
	for _, field := range t.Fields {
		key := strings.ToLower(field.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("table %q: duplicate column %q", t.TableID, field.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// integerTypes lists whole native type names so that INTERVAL or POINT never
// match on an embedded "INT".
var integerTypes = map[string]bool{
	"INT": true, "INTEGER": true, "TINYINT": true, "SMALLINT": true, "BIGINT": true, "HUGEINT": true,
	"UTINYINT": true, "USMALLINT": true, "UINTEGER": true, "UBIGINT": true, "UHUGEINT": true,
	"INT1": true, "INT2": true, "INT4": true, "INT8": true, "INT64": true,
	"SERIAL": true, "SMALLSERIAL": true, "BIGSERIAL": true, "SERIAL2": true, "SERIAL4": true, "SERIAL8": true,
	"SHORT": true, "LONG": true, "SIGNED": true,
}

// SemanticTypeOf classifies a warehouse column type.
func SemanticTypeOf(nativeType string) SemanticType {
	t := strings.ToUpper(strings.TrimSpace(nativeType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case t == "BOOL" || t == "BOOLEAN":
		return TypeBoolean
	case integerTypes[t]:
		return TypeInteger
	case strings.Contains(t, "FLOAT") || strings.Contains(t, "DOUBLE") || t == "REAL" ||
		strings.HasPrefix(t, "DECIMAL") || strings.HasPrefix(t, "NUMERIC") || t == "BIGNUMERIC":
		return TypeFloat
	case strings.HasPrefix(t, "DATE") || strings.HasPrefix(t, "TIME"):
		return TypeDate
	default:
		return TypeString
	}
}
