// Package flat provides an exact (brute force) vector index.
//
// Every search scans all live vectors, so results are exact. Suitable for
// small collections and as the correctness reference for ANN indexes.
package flat

import (
	"container/heap"
	"sync"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
)

// Compile-time check to ensure Flat satisfies the index interface.
var _ index.Index = (*Flat)(nil)

// Flat represents an exact-search index. Vectors are stored in a dense
// slice addressed by label; removed labels leave nil tombstone slots.
type Flat struct {
	mu           sync.RWMutex
	vectors      [][]float32
	count        int
	dimension    int
	distanceFunc distance.Func
}

// New creates a new flat index.
func New(dimension int, metric distance.Metric) (index.Index, error) {
	if err := index.ValidateBasicOptions(dimension, metric); err != nil {
		return nil, err
	}
	fn, err := distance.For(metric)
	if err != nil {
		return nil, err
	}
	return &Flat{
		dimension:    dimension,
		distanceFunc: fn,
	}, nil
}

// Name identifies the index implementation.
func (f *Flat) Name() string { return "flat" }

// Dimension returns the fixed vector dimensionality.
func (f *Flat) Dimension() int { return f.dimension }

// Len returns the number of live vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Insert adds a vector under the given label.
func (f *Flat) Insert(label uint32, vector []float32) error {
	if len(vector) != f.dimension {
		return &index.ErrDimensionMismatch{Expected: f.dimension, Actual: len(vector)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for int(label) >= len(f.vectors) {
		f.vectors = append(f.vectors, nil)
	}
	if f.vectors[label] == nil {
		f.count++
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)
	f.vectors[label] = stored
	return nil
}

// Remove drops a label from the index.
func (f *Flat) Remove(label uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(label) >= len(f.vectors) || f.vectors[label] == nil {
		return
	}
	f.vectors[label] = nil
	f.count--
}

// Search scans all live vectors and returns up to k nearest candidates,
// ascending by distance, ties broken by label.
func (f *Flat) Search(query []float32, k int, filter index.FilterFunc) ([]index.SearchResult, error) {
	if len(query) != f.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: f.dimension, Actual: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	// Bounded max-heap of the k best candidates seen so far.
	h := &candidateHeap{}
	for label, vec := range f.vectors {
		if vec == nil {
			continue
		}
		l := uint32(label)
		if filter != nil && !filter(l) {
			continue
		}
		d := f.distanceFunc(query, vec)
		cand := index.SearchResult{Label: l, Distance: d}
		if h.Len() < k {
			heap.Push(h, cand)
			continue
		}
		if worse(cand, (*h)[0]) {
			continue
		}
		(*h)[0] = cand
		heap.Fix(h, 0)
	}

	results := make([]index.SearchResult, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(index.SearchResult)
	}
	return results, nil
}

// worse reports whether a is a worse candidate than b under the
// (distance, label) ordering.
func worse(a, b index.SearchResult) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Label > b.Label
}

// candidateHeap is a max-heap on (distance, label) so the worst candidate
// sits at the root and can be displaced cheaply.
type candidateHeap []index.SearchResult

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)         { *h = append(*h, x.(index.SearchResult)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
