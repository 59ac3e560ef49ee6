package flat

import (
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
	require.NoError(t, idx.Insert(2, []float32{0, 3}))
	assert.Equal(t, 3, idx.Len())

	results, err := idx.Search([]float32{0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, uint32(0), results[0].Label)
	assert.Equal(t, float32(0), results[0].Distance)
	assert.Equal(t, uint32(1), results[1].Label)
	assert.Equal(t, float32(1), results[1].Distance)
}

func TestSearchBreaksTiesByLabel(t *testing.T) {
	idx, err := New(1, distance.MetricSquaredL2)
	require.NoError(t, err)

	// Equidistant from the query.
	require.NoError(t, idx.Insert(5, []float32{1}))
	require.NoError(t, idx.Insert(2, []float32{-1}))
	require.NoError(t, idx.Insert(9, []float32{1}))

	results, err := idx.Search([]float32{0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, uint32(2), results[0].Label)
	assert.Equal(t, uint32(5), results[1].Label)
	assert.Equal(t, uint32(9), results[2].Label)
}

func TestRemove(t *testing.T) {
	idx, err := New(1, distance.MetricSquaredL2)
	require.NoError(t, err)

	require.NoError(t, idx.Insert(0, []float32{0}))
	require.NoError(t, idx.Insert(1, []float32{1}))

	idx.Remove(0)
	idx.Remove(0)  // repeated removal is a no-op
	idx.Remove(42) // unknown label is a no-op
	assert.Equal(t, 1, idx.Len())

	results, err := idx.Search([]float32{0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(1), results[0].Label)
}

func TestSearchWithFilter(t *testing.T) {
	idx, err := New(1, distance.MetricSquaredL2)
	require.NoError(t, err)

	for i := range uint32(5) {
		require.NoError(t, idx.Insert(i, []float32{float32(i)}))
	}

	allow := map[uint32]bool{1: true, 3: true}
	results, err := idx.Search([]float32{0}, 5, func(label uint32) bool { return allow[label] })
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint32(1), results[0].Label)
	assert.Equal(t, uint32(3), results[1].Label)
}

func TestDimensionMismatch(t *testing.T) {
	idx, err := New(3, distance.MetricSquaredL2)
	require.NoError(t, err)

	var dim *index.ErrDimensionMismatch

	err = idx.Insert(0, []float32{1, 2})
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 3, dim.Expected)
	assert.Equal(t, 2, dim.Actual)

	_, err = idx.Search([]float32{1}, 1, nil)
	require.ErrorAs(t, err, &dim)
}

func TestCosineDistance(t *testing.T) {
	idx, err := New(2, distance.MetricCosine)
	require.NoError(t, err)

	require.NoError(t, idx.Insert(0, []float32{1, 0}))
	require.NoError(t, idx.Insert(1, []float32{0, 1}))

	results, err := idx.Search([]float32{2, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, uint32(0), results[0].Label)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.InDelta(t, 1, results[1].Distance, 1e-6)
}

func TestInsertReplacesLabel(t *testing.T) {
	idx, err := New(1, distance.MetricSquaredL2)
	require.NoError(t, err)

	require.NoError(t, idx.Insert(0, []float32{0}))
	require.NoError(t, idx.Insert(0, []float32{10}))
	assert.Equal(t, 1, idx.Len())

	results, err := idx.Search([]float32{10}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, float32(0), results[0].Distance)
}
