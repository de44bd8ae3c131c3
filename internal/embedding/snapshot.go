package embedding

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/nlquery/nlquery/internal/storage"
)

type snapshotRow struct {
	ID         string    `parquet:"id"`
	SourceText string    `parquet:"source_text"`
	Kind       string    `parquet:"kind"`
	Table      string    `parquet:"table"`
	Column     string    `parquet:"column"`
	Value      string    `parquet:"value"`
	Vector     []float32 `parquet:"vector"`
}

func EncodeParquet(index *Index) ([]byte, error) {
	records := index.Records()
	rows := make([]snapshotRow, len(records))
	for i, rec := range records {
		rows[i] = snapshotRow{
			ID:         rec.ID,
			SourceText: rec.SourceText,
			Kind:       string(rec.Tag.Kind),
			Table:      rec.Tag.Table,
			Column:     rec.Tag.Column,
			Value:      rec.Tag.Value,
			Vector:     rec.Vector,
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[snapshotRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write index rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close index writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeParquet(data []byte) (*Index, error) {
	rows, err := parquet.Read[snapshotRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read index rows: %w", err)
	}
	index := NewIndex()
	for _, row := range rows {
		err := index.Insert(Record{
			ID:         row.ID,
			SourceText: row.SourceText,
			Vector:     row.Vector,
			Tag:        Tag{Kind: Kind(row.Kind), Table: row.Table, Column: row.Column, Value: row.Value},
		})
		if err != nil {
			return nil, err
		}
	}
	return index, nil
}

func SaveSnapshot(ctx context.Context, store storage.ObjectStore, key string, index *Index) error {
	data, err := EncodeParquet(index)
	if err != nil {
		return err
	}
	if _, err := storage.PutBytes(ctx, store, key, data, "application/vnd.apache.parquet"); err != nil {
		return fmt.Errorf("upload index snapshot: %w", err)
	}
	return nil
}

func LoadSnapshot(ctx context.Context, store storage.ObjectStore, key string) (*Index, error) {
	data, err := storage.ReadAll(ctx, store, key)
	if err != nil {
		return nil, err
	}
	return DecodeParquet(data)
}
