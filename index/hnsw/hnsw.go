// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search.
//
// The graph is held fully in memory. Writes are serialized by a single
// writer lock while searches proceed concurrently under a shared lock,
// matching the engine's single-writer/multi-reader segment model.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
)

const (
	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during insert.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size during search.
	DefaultEFSearch = 100

	minimumM = 2
)

// Compile-time check to ensure HNSW satisfies the index interface.
var _ index.Index = (*HNSW)(nil)

// Options represents the options for configuring HNSW.
type Options struct {
	// M is the number of bidirectional links created per node. Higher
	// values improve recall at the cost of memory and insert time.
	M int

	// EFConstruction is the size of the dynamic candidate list during
	// graph construction.
	EFConstruction int

	// EFSearch is the size of the dynamic candidate list during search.
	// It is raised to k automatically when k exceeds it.
	EFSearch int

	// RandomSeed fixes the level generator for reproducible graphs.
	// Zero means a fixed default seed; graphs are deterministic either way.
	RandomSeed int64
}

// DefaultOptions are the default HNSW options.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	RandomSeed:     1,
}

type node struct {
	vector    []float32
	level     int
	neighbors [][]uint32 // one adjacency list per level, 0..level
}

// HNSW represents the Hierarchical Navigable Small World graph.
type HNSW struct {
	mu sync.RWMutex

	nodes      []*node // indexed by label; nil slots are unassigned
	tombstones *bitset.BitSet
	count      int

	entry    uint32
	hasEntry bool
	maxLevel int

	dimension    int
	distanceFunc distance.Func
	rng          *rand.Rand
	levelFactor  float64
	opts         Options

	visitedPool sync.Pool
}

// New creates a new HNSW index.
func New(dimension int, metric distance.Metric, optFns ...func(o *Options)) (index.Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := index.ValidateBasicOptions(dimension, metric); err != nil {
		return nil, err
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}
	seed := opts.RandomSeed
	if seed == 0 {
		seed = 1
	}
	fn, err := distance.For(metric)
	if err != nil {
		return nil, err
	}

	h := &HNSW{
		tombstones:   bitset.New(1024),
		dimension:    dimension,
		distanceFunc: fn,
		rng:          rand.New(rand.NewSource(seed)),
		levelFactor:  1 / math.Log(float64(opts.M)),
		opts:         opts,
	}
	h.visitedPool.New = func() any { return bitset.New(1024) }
	return h, nil
}

// Name identifies the index implementation.
func (h *HNSW) Name() string { return "hnsw" }

// Dimension returns the fixed vector dimensionality.
func (h *HNSW) Dimension() int { return h.dimension }

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// randomLevel draws a level from the exponential layer distribution.
func (h *HNSW) randomLevel() int {
	return int(math.Floor(-math.Log(h.rng.Float64()) * h.levelFactor))
}

// Insert adds a vector under the given label.
func (h *HNSW) Insert(label uint32, vector []float32) error {
	if len(vector) != h.dimension {
		return &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(vector)}
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	level := h.randomLevel()
	n := &node{
		vector:    stored,
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	for int(label) >= len(h.nodes) {
		h.nodes = append(h.nodes, nil)
	}
	h.nodes[label] = n
	h.tombstones.Clear(uint(label))
	h.count++

	if !h.hasEntry {
		h.entry = label
		h.hasEntry = true
		h.maxLevel = level
		return nil
	}

	// Greedy descent through the upper layers to find the closest entry
	// for the insertion layers.
	ep := h.entry
	epDist := h.distanceFunc(stored, h.nodes[ep].vector)
	for l := h.maxLevel; l > level; l-- {
		ep, epDist = h.greedyClosest(stored, ep, epDist, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(stored, ep, l, h.opts.EFConstruction, nil)
		m := h.maxNeighbors(l)
		selected := nearestOf(candidates, m)
		n.neighbors[l] = make([]uint32, 0, len(selected))
		for _, c := range selected {
			n.neighbors[l] = append(n.neighbors[l], c.Label)
			h.connect(c.Label, label, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].Label
			epDist = candidates[0].Distance
		}
	}
	_ = epDist

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = label
	}
	return nil
}

// connect adds dst to src's adjacency list at the given level, pruning
// back to the level's connection limit by distance.
func (h *HNSW) connect(src, dst uint32, level int) {
	n := h.nodes[src]
	if n == nil || level > n.level {
		return
	}
	n.neighbors[level] = append(n.neighbors[level], dst)

	m := h.maxNeighbors(level)
	if len(n.neighbors[level]) <= m {
		return
	}

	// Keep the m closest neighbors.
	type link struct {
		label uint32
		dist  float32
	}
	links := make([]link, 0, len(n.neighbors[level]))
	for _, nb := range n.neighbors[level] {
		other := h.nodes[nb]
		if other == nil {
			continue
		}
		links = append(links, link{label: nb, dist: h.distanceFunc(n.vector, other.vector)})
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].dist != links[j].dist {
			return links[i].dist < links[j].dist
		}
		return links[i].label < links[j].label
	})
	if len(links) > m {
		links = links[:m]
	}
	n.neighbors[level] = n.neighbors[level][:0]
	for _, l := range links {
		n.neighbors[level] = append(n.neighbors[level], l.label)
	}
}

func (h *HNSW) maxNeighbors(level int) int {
	if level == 0 {
		return h.opts.M * 2
	}
	return h.opts.M
}

// greedyClosest walks a single layer greedily toward the query.
func (h *HNSW) greedyClosest(query []float32, ep uint32, epDist float32, level int) (uint32, float32) {
	for {
		improved := false
		n := h.nodes[ep]
		if n == nil || level > n.level {
			return ep, epDist
		}
		for _, nb := range n.neighbors[level] {
			other := h.nodes[nb]
			if other == nil {
				continue
			}
			if d := h.distanceFunc(query, other.vector); d < epDist {
				ep = nb
				epDist = d
				improved = true
			}
		}
		if !improved {
			return ep, epDist
		}
	}
}

// searchLayer is the standard HNSW beam search over one layer.
// Results are ascending by distance. The filter, when non-nil, restricts
// result membership only; filtered-out nodes still route.
func (h *HNSW) searchLayer(query []float32, ep uint32, level, ef int, filter index.FilterFunc) []index.SearchResult {
	visited := h.visitedPool.Get().(*bitset.BitSet)
	visited.ClearAll()
	defer h.visitedPool.Put(visited)

	epNode := h.nodes[ep]
	if epNode == nil {
		return nil
	}
	epDist := h.distanceFunc(query, epNode.vector)

	candidates := &minHeap{{Label: ep, Distance: epDist}}
	results := &maxHeap{}
	if h.admissible(ep, filter) {
		heap.Push(results, index.SearchResult{Label: ep, Distance: epDist})
	}
	visited.Set(uint(ep))

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(index.SearchResult)
		if results.Len() >= ef && current.Distance > (*results)[0].Distance {
			break
		}
		n := h.nodes[current.Label]
		if n == nil || level > n.level {
			continue
		}
		for _, nb := range n.neighbors[level] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))
			other := h.nodes[nb]
			if other == nil {
				continue
			}
			d := h.distanceFunc(query, other.vector)
			if results.Len() < ef || d < (*results)[0].Distance {
				heap.Push(candidates, index.SearchResult{Label: nb, Distance: d})
				if h.admissible(nb, filter) {
					heap.Push(results, index.SearchResult{Label: nb, Distance: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]index.SearchResult, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(index.SearchResult)
	}
	return out
}

func (h *HNSW) admissible(label uint32, filter index.FilterFunc) bool {
	if h.tombstones.Test(uint(label)) {
		return false
	}
	return filter == nil || filter(label)
}

// Search returns up to k nearest candidates, ascending by distance.
func (h *HNSW) Search(query []float32, k int, filter index.FilterFunc) ([]index.SearchResult, error) {
	if len(query) != h.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry || h.count == 0 {
		return nil, nil
	}

	ep := h.entry
	epDist := h.distanceFunc(query, h.nodes[ep].vector)
	for l := h.maxLevel; l > 0; l-- {
		ep, epDist = h.greedyClosest(query, ep, epDist, l)
	}
	_ = epDist

	ef := h.opts.EFSearch
	if ef < k {
		ef = k
	}
	results := h.searchLayer(query, ep, 0, ef, filter)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove tombstones a label. The node keeps routing queries but never
// appears in results; physical removal is left to segment rebuilds.
func (h *HNSW) Remove(label uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if int(label) >= len(h.nodes) || h.nodes[label] == nil {
		return
	}
	if h.tombstones.Test(uint(label)) {
		return
	}
	h.tombstones.Set(uint(label))
	h.count--
}

// nearestOf returns the m nearest candidates of an ascending result list.
func nearestOf(candidates []index.SearchResult, m int) []index.SearchResult {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

// minHeap orders candidates closest-first.
type minHeap []index.SearchResult

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Distance < h[j].Distance }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(index.SearchResult)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap orders candidates farthest-first so the worst result is cheap
// to displace.
type maxHeap []index.SearchResult

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(index.SearchResult)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
