package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestBuildSnapshotKeys(t *testing.T) {
	keys, err := BuildSnapshotKeys("/snapshots/", "contact-centre", "analytics")
	if err != nil {
		t.Fatalf("BuildSnapshotKeys() error = %v", err)
	}
	if keys.Catalog != "snapshots/contact-centre/analytics/catalog.json" {
		t.Fatalf("Catalog = %q", keys.Catalog)
	}
	if keys.Index != "snapshots/contact-centre/analytics/index.parquet" {
		t.Fatalf("Index = %q", keys.Index)
	}
}

func TestBuildSnapshotKeysWithoutProject(t *testing.T) {
	keys, err := BuildSnapshotKeys("", "", "main")
	if err != nil {
		t.Fatalf("BuildSnapshotKeys() error = %v", err)
	}
	if keys.Index != "main/index.parquet" {
		t.Fatalf("Index = %q", keys.Index)
	}
}

func TestBuildSnapshotKeysRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildSnapshotKeys("snapshots", "", "../oops"); err == nil {
		t.Fatal("expected invalid component error")
	}
}

func TestMemoryStoreRoundTripAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"tables/calls/b.parquet", "tables/calls/a.parquet", "tables/agents/a.parquet"} {
		if _, err := PutBytes(ctx, store, key, []byte(key), "application/octet-stream"); err != nil {
			t.Fatalf("PutBytes(%q) error = %v", key, err)
		}
	}
	data, err := ReadAll(ctx, store, "tables/calls/a.parquet")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(data, []byte("tables/calls/a.parquet")) {
		t.Fatalf("ReadAll() = %q", data)
	}
	listed, err := store.List(ctx, "tables/calls/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 || listed[0].Key != "tables/calls/a.parquet" {
		t.Fatalf("List() = %#v", listed)
	}
	if _, err := ReadAll(ctx, store, "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("ReadAll(missing) error = %v", err)
	}
}

func TestIsParquetKey(t *testing.T) {
	if !IsParquetKey("a/B.PARQUET") || IsParquetKey("a/b.json") {
		t.Fatal("IsParquetKey() mismatch")
	}
}
