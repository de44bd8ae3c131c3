package embedding

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var ErrInvalidVector = errors.New("invalid vector")

type Kind string

const (
	KindTable             Kind = "table"
	KindTableDescription  Kind = "table_description"
	KindColumn            Kind = "column"
	KindColumnDescription Kind = "column_description"
	KindValue             Kind = "value"
)

type Tag struct {
	Kind   Kind
	Table  string
	Column string
	Value  string
}

type Record struct {
	ID         string
	SourceText string
	Vector     []float32
	Tag        Tag
}

type Match struct {
	Record
	// Score is cosine similarity rescaled into [0,1].
	Score float64
}

// Index is an in-memory vector index. Inserts happen during ingestion only;
// Search is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	dim     int
	records []Record
}

func NewIndex() *Index {
	return &Index{}
}

func (ix *Index) Insert(rec Record) error {
	vec, err := normalize(rec.Vector)
	if err != nil {
		return fmt.Errorf("record %q: %w", rec.ID, err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dim == 0 {
		ix.dim = len(vec)
	} else if len(vec) != ix.dim {
		return fmt.Errorf("record %q: %w: dimension %d, index has %d", rec.ID, ErrInvalidVector, len(vec), ix.dim)
	}
	rec.Vector = vec
	ix.records = append(ix.records, rec)
	return nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dim
}

// Records returns the stored records in insertion order.
func (ix *Index) Records() []Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Record(nil), ix.records...)
}

// Search returns up to k records ordered by descending score, ties broken by
// insertion order. A query that cannot be normalized matches nothing.
func (ix *Index) Search(query []float32, k int) []Match {
	if k <= 0 {
		return nil
	}
	q, err := normalize(query)
	if err != nil {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(q) != ix.dim {
		return nil
	}

	matches := make([]Match, len(ix.records))
	for i, rec := range ix.records {
		matches[i] = Match{Record: rec, Score: (1 + dot(q, rec.Vector)) / 2}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}

func normalize(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero norm", ErrInvalidVector)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	if sum > 1 {
		return 1
	}
	if sum < -1 {
		return -1
	}
	return sum
}
