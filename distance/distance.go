// Package distance provides the distance kernels used by vector indexes.
package distance

import (
	"fmt"
	"math"
)

// Metric represents the type of distance function used for comparing vectors.
type Metric uint8

const (
	// MetricSquaredL2 is squared Euclidean distance.
	MetricSquaredL2 Metric = iota
	// MetricCosine is cosine distance (1 - cosine similarity), clamped to [0, 2].
	MetricCosine
)

// String returns a string representation of the Metric.
func (m Metric) String() string {
	switch m {
	case MetricSquaredL2:
		return "SquaredL2"
	case MetricCosine:
		return "Cosine"
	default:
		return "Unknown"
	}
}

// Func computes the distance between two equal-length vectors.
// All distances are non-negative; smaller means closer.
type Func func(a, b []float32) float32

// For returns the distance function for the given metric.
func For(m Metric) (Func, error) {
	switch m {
	case MetricSquaredL2:
		return SquaredL2, nil
	case MetricCosine:
		return Cosine, nil
	default:
		return nil, fmt.Errorf("distance: unknown metric %d", uint8(m))
	}
}

// SquaredL2 computes squared Euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine computes cosine distance: 1 - cos(a, b).
// Zero vectors are treated as maximally distant from everything.
func Cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
	if d < 0 {
		// Floating point can drive the similarity slightly above 1.
		return 0
	}
	return float32(d)
}

// Normalize scales the vector to unit length in place and returns it.
// Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := 1 / math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
