// Package vecindex implements a flat, slot-addressed vector index with
// brute-force nearest-neighbor search. One index holds vectors of a single
// fixed dimension and a single distance metric; the storage manager
// instantiates one per modality.
package vecindex

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Metric selects how query/vector proximity is computed.
type Metric int

const (
	// MetricL2 ranks by squared euclidean distance, ascending.
	MetricL2 Metric = iota
	// MetricIP ranks by inner product, descending. Vectors are L2-normalized
	// at add time, making the inner product cosine similarity.
	MetricIP
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricIP:
		return "ip"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

var (
	// ErrDimensionMismatch is returned when a vector's dimension does not
	// match the index's fixed dimension. Caller error, not retried.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCorrupt is returned when the persisted vector data and its slot
	// mapping are out of sync. The index must be rebuilt from the metadata
	// store before it can be trusted.
	ErrCorrupt = errors.New("vector index corrupt")
)

// Hit is one search result. For MetricL2 the Score is a squared distance
// (lower is better); for MetricIP it is a cosine similarity (higher is
// better). Ties are broken by lower slot.
type Hit struct {
	ID    string
	Slot  int
	Score float32
}

// Index is a flat in-memory vector index. Add and Search are safe for
// concurrent use. Slots are dense and assigned in insertion order; the
// slot→ID mapping is injective.
type Index struct {
	mu      sync.RWMutex
	dim     int
	metric  Metric
	vectors []float32 // count*dim, row-major
	ids     []string  // slot → external id
}

// New creates an empty index with the given fixed dimension and metric.
func New(dim int, metric Metric) *Index {
	return &Index{dim: dim, metric: metric}
}

// Dim returns the index's fixed vector dimension.
func (x *Index) Dim() int { return x.dim }

// Metric returns the index's distance metric.
func (x *Index) Metric() Metric { return x.metric }

// Size returns the number of stored vectors.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Add stores a vector under the given external id and returns its slot.
// For MetricIP the vector is L2-normalized before storage.
func (x *Index) Add(id string, vec []float32) (int, error) {
	if len(vec) != x.dim {
		return 0, fmt.Errorf("add %q: got %d-d vector, index is %d-d: %w", id, len(vec), x.dim, ErrDimensionMismatch)
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	if x.metric == MetricIP {
		normalize(stored)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	slot := len(x.ids)
	x.vectors = append(x.vectors, stored...)
	x.ids = append(x.ids, id)
	return slot, nil
}

// IDAt returns the external id bound to a slot.
func (x *Index) IDAt(slot int) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if slot < 0 || slot >= len(x.ids) {
		return "", false
	}
	return x.ids[slot], true
}

// TruncateTo discards all slots at or beyond n, undoing the most recent
// adds. Used to roll back a partially written batch.
func (x *Index) TruncateTo(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if n < 0 || n >= len(x.ids) {
		return
	}
	x.ids = x.ids[:n]
	x.vectors = x.vectors[:n*x.dim]
}

// Search returns up to k hits ordered best-first: ascending distance for
// MetricL2, descending similarity for MetricIP, ties broken by lower slot.
// An empty index yields no hits and no error.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("search: got %d-d query, index is %d-d: %w", len(query), x.dim, ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	q := query
	if x.metric == MetricIP {
		q = make([]float32, len(query))
		copy(q, query)
		normalize(q)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	h := &hitHeap{metric: x.metric}
	heap.Init(h)

	for slot := range x.ids {
		row := x.vectors[slot*x.dim : (slot+1)*x.dim]
		var score float32
		if x.metric == MetricL2 {
			score = squaredL2(q, row)
		} else {
			score = dot(q, row)
		}
		cand := Hit{ID: x.ids[slot], Slot: slot, Score: score}

		if h.Len() < k {
			heap.Push(h, cand)
		} else if better(x.metric, cand, h.hits[0]) {
			h.hits[0] = cand
			heap.Fix(h, 0)
		}
	}

	if h.Len() == 0 {
		return nil, nil
	}

	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out, nil
}

// better reports whether a should rank ahead of b.
func better(m Metric, a, b Hit) bool {
	if a.Score != b.Score {
		if m == MetricL2 {
			return a.Score < b.Score
		}
		return a.Score > b.Score
	}
	return a.Slot < b.Slot
}

// hitHeap keeps the k best hits with the worst kept hit on top.
type hitHeap struct {
	metric Metric
	hits   []Hit
}

func (h *hitHeap) Len() int           { return len(h.hits) }
func (h *hitHeap) Less(i, j int) bool { return better(h.metric, h.hits[j], h.hits[i]) }
func (h *hitHeap) Swap(i, j int)      { h.hits[i], h.hits[j] = h.hits[j], h.hits[i] }
func (h *hitHeap) Push(v any)         { h.hits = append(h.hits, v.(Hit)) }
func (h *hitHeap) Pop() any {
	old := h.hits
	n := len(old)
	item := old[n-1]
	h.hits = old[:n-1]
	return item
}

func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}
