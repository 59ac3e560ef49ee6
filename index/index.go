// Package index provides the pluggable vector index abstraction used by
// the vector segment. The segment maps external string ids onto internal
// uint32 labels; indexes only ever see labels.
package index

import (
	"fmt"

	"github.com/quiverdb/quiver/distance"
)

// ErrDimensionMismatch indicates a vector whose length disagrees with the
// index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

// Error returns the error message for dimension mismatch.
func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// SearchResult represents a single nearest-neighbor candidate.
type SearchResult struct {
	// Label is the internal identifier of the candidate.
	Label uint32

	// Distance is the distance between the query vector and the candidate.
	Distance float32
}

// FilterFunc restricts search candidates to labels it accepts.
type FilterFunc func(label uint32) bool

// Index is a mutable nearest-neighbor index over labeled vectors.
//
// Implementations enforce single-writer/multi-reader semantics
// internally: Insert and Remove may be called by one goroutine while
// Search runs concurrently from many.
type Index interface {
	// Insert adds a vector under a fresh label. Labels are assigned by
	// the caller and must not be reused for different vectors.
	Insert(label uint32, vector []float32) error

	// Remove drops a label from the index. Removed labels never appear
	// in search results. Removing an unknown label is a no-op.
	Remove(label uint32)

	// Search returns up to k nearest candidates, ascending by distance,
	// restricted to labels accepted by filter (nil means unrestricted).
	Search(query []float32, k int, filter FilterFunc) ([]SearchResult, error)

	// Dimension returns the fixed vector dimensionality of the index.
	Dimension() int

	// Len returns the number of live vectors.
	Len() int

	// Name identifies the index implementation.
	Name() string
}

// Constructor builds an index for the given dimension and metric.
type Constructor func(dimension int, metric distance.Metric) (Index, error)

// ValidateBasicOptions checks common construction parameters.
func ValidateBasicOptions(dimension int, metric distance.Metric) error {
	if dimension <= 0 {
		return fmt.Errorf("index: invalid dimension %d", dimension)
	}
	if _, err := distance.For(metric); err != nil {
		return err
	}
	return nil
}
