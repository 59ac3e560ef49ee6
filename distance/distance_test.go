package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(0), SquaredL2([]float32{1, 2, 3}, []float32{1, 2, 3}))
	assert.Equal(t, float32(25), SquaredL2([]float32{0, 0}, []float32{3, 4}))
	assert.Equal(t, float32(2), SquaredL2([]float32{1, 0}, []float32{0, 1}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 0, Cosine([]float32{1, 0}, []float32{5, 0}), 1e-6, "parallel vectors")
	assert.InDelta(t, 1, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6, "orthogonal vectors")
	assert.InDelta(t, 2, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6, "opposite vectors")

	assert.Equal(t, float32(1), Cosine([]float32{0, 0}, []float32{1, 0}), "zero vector")
	assert.GreaterOrEqual(t, Cosine([]float32{1, 1, 1}, []float32{1, 1, 1}), float32(0), "never negative")
}

func TestFor(t *testing.T) {
	fn, err := For(MetricSquaredL2)
	require.NoError(t, err)
	assert.Equal(t, float32(25), fn([]float32{0, 0}, []float32{3, 4}))

	fn, err = For(MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 1, fn([]float32{1, 0}, []float32{0, 1}), 1e-6)

	_, err = For(Metric(42))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestMetricString(t *testing.T) {
	assert.Equal(t, "SquaredL2", MetricSquaredL2.String())
	assert.Equal(t, "Cosine", MetricCosine.String())
	assert.Equal(t, "Unknown", Metric(9).String())
}
