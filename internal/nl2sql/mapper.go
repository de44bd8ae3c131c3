package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/schema"
)

type Mapper struct {
	rulebook Rulebook
	client   llm.Client
	sampling llm.Sampling
	logger   *slog.Logger
}

// NewMapper builds a mapper. A nil client disables the model fallback.
func NewMapper(rulebook Rulebook, client llm.Client, sampling llm.Sampling, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Mapper{rulebook: rulebook, client: client, sampling: sampling, logger: logger}
}

// Map resolves entity types to columns of table. Only columns present in
// table are ever returned. The error is non-nil only when the model service
// is unavailable or ctx is done.
func (m *Mapper) Map(ctx context.Context, entities Entities, table schema.TableDescriptor) (ColumnMapping, error) {
	out := ColumnMapping{}
	var unresolved []EntityType
	var fallback []EntityType

	for _, typ := range entities.Types() {
		values := entities[typ]
		if len(values) == 0 {
			continue
		}
		if !m.rulebook.covers(typ) {
			fallback = append(fallback, typ)
			continue
		}
		if !out.set(typ, m.rulebook.columns(typ, values), table) {
			unresolved = append(unresolved, typ)
		}
	}

	if len(fallback) > 0 {
		resolved, err := m.modelFallback(ctx, entities, fallback, table)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			m.logUnresolved(ctx, &MappingError{Types: fallback, Err: err})
		} else {
			for _, typ := range fallback {
				if !out.set(typ, resolved[typ], table) {
					unresolved = append(unresolved, typ)
				}
			}
		}
	}

	if len(unresolved) > 0 {
		m.logUnresolved(ctx, &MappingError{Types: unresolved, Err: errors.New("no column found")})
	}
	return out, nil
}

// set stores the columns of candidates that exist in table, using their
// declared spelling. It reports whether anything was stored.
func (m ColumnMapping) set(typ EntityType, candidates []string, table schema.TableDescriptor) bool {
	var columns []string
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		field, ok := table.Field(strings.TrimSpace(candidate))
		if !ok {
			continue
		}
		if _, dup := seen[field.Name]; dup {
			continue
		}
		seen[field.Name] = struct{}{}
		columns = append(columns, field.Name)
	}
	if len(columns) == 0 {
		return false
	}
	m[typ] = columns
	return true
}

func (m *Mapper) modelFallback(ctx context.Context, entities Entities, types []EntityType, table schema.TableDescriptor) (map[EntityType][]string, error) {
	if m.client == nil {
		return nil, errors.New("no model fallback configured")
	}
	subset := make(map[EntityType][]string, len(types))
	for _, typ := range types {
		subset[typ] = entities[typ]
	}
	encoded, err := json.MarshalIndent(subset, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are an expert in understanding the schema of a call center data table.\n")
	b.WriteString("Map each extracted entity type to the most relevant columns of the table.\n\n")
	fmt.Fprintf(&b, "Table Schema:\n%s\n", table.Render())
	fmt.Fprintf(&b, "Extracted Entities:\n%s\n\n", encoded)
	b.WriteString("Respond with a JSON object whose keys are entity types and whose values are lists of column names from the schema. ")
	b.WriteString("If an entity type does not have a clear mapping, omit it.\n")

	raw, err := m.client.Complete(ctx, llm.Request{
		Component: "mapper",
		Prompt:    b.String(),
		Sampling:  m.sampling,
		JSON:      true,
	})
	if err != nil {
		return nil, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(unfence(raw)), &payload); err != nil {
		return nil, fmt.Errorf("decode mapping response: %w", err)
	}
	out := make(map[EntityType][]string, len(payload))
	for key, value := range payload {
		typ, ok := ParseEntityType(strings.ToUpper(strings.TrimSpace(key)))
		if !ok {
			continue
		}
		if _, requested := subset[typ]; !requested {
			continue
		}
		out[typ] = decodeStrings(value)
	}
	return out, nil
}

func (m *Mapper) logUnresolved(ctx context.Context, err *MappingError) {
	observability.LoggerFor(ctx, m.logger).Info("entity types omitted from column mapping",
		slog.Any("types", err.Types),
		slog.String("error", err.Err.Error()),
	)
}
