package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const (
	catalogSnapshotFile = "catalog.json"
	indexSnapshotFile   = "index.parquet"
)

type SnapshotKeys struct {
	Catalog string
	Index   string
}

// BuildSnapshotKeys lays out <prefix>/<project>/<dataset>/{catalog.json,index.parquet}.
// An empty project is omitted.
func BuildSnapshotKeys(prefix, projectID, datasetID string) (SnapshotKeys, error) {
	parts := []string{}
	if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	if projectID != "" {
		if err := validatePathComponent(projectID, "project id"); err != nil {
			return SnapshotKeys{}, err
		}
		parts = append(parts, projectID)
	}
	if err := validatePathComponent(datasetID, "dataset id"); err != nil {
		return SnapshotKeys{}, err
	}
	parts = append(parts, datasetID)
	base := path.Join(parts...)
	return SnapshotKeys{
		Catalog: path.Join(base, catalogSnapshotFile),
		Index:   path.Join(base, indexSnapshotFile),
	}, nil
}

func IsParquetKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), ".parquet")
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
