// Package engine implements the execution engine: logical plans over
// one collection, executed against the collection's vector and
// metadata segments.
package engine

import (
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/metadata"
)

// ErrInvalidPlan is returned when a plan fails validation.
var ErrInvalidPlan = errors.New("engine: invalid plan")

// Scan names the collection a plan executes against.
type Scan struct {
	Collection string
}

// Filter restricts a plan to ids and predicate matches. All set fields
// compose with AND logic. A non-nil empty IDs slice means "no ids",
// which is distinct from nil meaning "no id restriction".
type Filter struct {
	IDs           []string
	Where         *metadata.Where
	WhereDocument *metadata.DocumentFilter
}

// Empty reports whether the filter constrains nothing.
func (f *Filter) Empty() bool {
	return f == nil || (f.IDs == nil && f.Where == nil && f.WhereDocument == nil)
}

// KNN requests the K nearest neighbors for each query vector.
type KNN struct {
	Vectors [][]float32
	K       int
}

// Limit pages a get result. Limit 0 means no cap.
type Limit struct {
	Limit  int
	Offset int
}

// Projection selects which fields are materialized into result records.
// IDs and distances are always included.
type Projection struct {
	Document bool
	Metadata bool
	Vector   bool
}

// Plan is a declarative description of one read operation.
type Plan struct {
	Scan       Scan
	Filter     *Filter
	KNN        *KNN
	Limit      Limit
	Projection Projection
}

// Validate checks the plan's structure. forKNN additionally requires a
// well-formed KNN clause.
func (p *Plan) Validate(forKNN bool) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}

	if p.Scan.Collection == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidPlan)
	}

	if p.Filter != nil {
		if err := p.Filter.Where.Validate(); err != nil {
			return err
		}

		if err := p.Filter.WhereDocument.Validate(); err != nil {
			return err
		}
	}

	if p.Limit.Limit < 0 || p.Limit.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidPlan)
	}

	if forKNN {
		if p.KNN == nil {
			return fmt.Errorf("%w: missing knn clause", ErrInvalidPlan)
		}

		if p.KNN.K <= 0 {
			return fmt.Errorf("%w: knn requires k > 0, got %d", ErrInvalidPlan, p.KNN.K)
		}

		if len(p.KNN.Vectors) == 0 {
			return fmt.Errorf("%w: knn requires at least one query vector", ErrInvalidPlan)
		}
	}

	return nil
}
