package hnsw

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/index"
)

func TestInsertAndSearch(t *testing.T) {
	idx, err := New(2, distance.MetricSquaredL2)
	require.NoError(t, err)

	require.NoError(t, idx.Insert(0, []float32{0, 0}))
	require.NoError(t, idx.Insert(1, []float32{1, 0}))
	require.NoError(t, idx.Insert(2, []float32{5, 5}))
	assert.Equal(t, 3, idx.Len())

	results, err := idx.Search([]float32{0.1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint32(0), results[0].Label)
	assert.Equal(t, uint32(1), results[1].Label)
}

func TestRemoveTombstones(t *testing.T) {
	idx, err := New(1, distance.MetricSquaredL2)
	require.NoError(t, err)

	for i := range uint32(10) {
		require.NoError(t, idx.Insert(i, []float32{float32(i)}))
	}

	idx.Remove(0)
	idx.Remove(1)
	assert.Equal(t, 8, idx.Len())

	results, err := idx.Search([]float32{0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 8)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Label, uint32(2), "tombstoned labels must never be returned")
	}
}

func TestSearchWithFilter(t *testing.T) {
	idx, err := New(1, distance.MetricSquaredL2)
	require.NoError(t, err)

	for i := range uint32(20) {
		require.NoError(t, idx.Insert(i, []float32{float32(i)}))
	}

	results, err := idx.Search([]float32{0}, 5, func(label uint32) bool { return label%2 == 0 })
	require.NoError(t, err)
	require.Len(t, results, 5)

	for _, r := range results {
		assert.Zero(t, r.Label%2)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx, err := New(4, distance.MetricSquaredL2)
	require.NoError(t, err)

	var dim *index.ErrDimensionMismatch
	require.ErrorAs(t, idx.Insert(0, []float32{1}), &dim)

	_, err = idx.Search([]float32{1, 2}, 1, nil)
	require.ErrorAs(t, err, &dim)
}

func TestEmptyIndexSearch(t *testing.T) {
	idx, err := New(2, distance.MetricSquaredL2)
	require.NoError(t, err)

	results, err := idx.Search([]float32{0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// TestRecallAgainstExactScan checks that HNSW finds the true nearest
// neighbors for clustered data far more often than not.
func TestRecallAgainstExactScan(t *testing.T) {
	const (
		dim     = 8
		n       = 500
		queries = 20
		k       = 10
	)

	idx, err := New(dim, distance.MetricSquaredL2)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))

	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
		require.NoError(t, idx.Insert(uint32(i), v))
	}

	var hits, total int

	for q := 0; q < queries; q++ {
		query := make([]float32, dim)
		for j := range query {
			query[j] = rng.Float32()
		}

		exact := exactKNN(vectors, query, k)

		results, err := idx.Search(query, k, nil)
		require.NoError(t, err)
		require.Len(t, results, k)

		got := make(map[uint32]bool, k)
		for _, r := range results {
			got[r.Label] = true
		}

		for _, label := range exact {
			total++
			if got[label] {
				hits++
			}
		}
	}

	recall := float64(hits) / float64(total)
	assert.Greater(t, recall, 0.85, fmt.Sprintf("recall %.2f too low", recall))
}

func exactKNN(vectors [][]float32, query []float32, k int) []uint32 {
	type cand struct {
		label uint32
		dist  float32
	}

	cands := make([]cand, len(vectors))
	for i, v := range vectors {
		cands[i] = cand{label: uint32(i), dist: distance.SquaredL2(query, v)}
	}

	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(cands); j++ {
			if cands[j].dist < cands[best].dist {
				best = j
			}
		}
		cands[i], cands[best] = cands[best], cands[i]
	}

	out := make([]uint32, k)
	for i := range out {
		out[i] = cands[i].label
	}

	return out
}

func TestOptions(t *testing.T) {
	idx, err := New(2, distance.MetricSquaredL2, func(o *Options) {
		o.M = 1 // raised to the minimum
		o.EFConstruction = 0
		o.EFSearch = 0
	})
	require.NoError(t, err)
	require.NoError(t, idx.Insert(0, []float32{1, 2}))

	results, err := idx.Search([]float32{1, 2}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = New(0, distance.MetricSquaredL2)
	require.Error(t, err)
}
