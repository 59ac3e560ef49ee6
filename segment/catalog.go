package segment

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/quiverdb/quiver/distance"
)

// segmentNamespace seeds the deterministic segment ids so a collection
// resolves to the same segment ids across restarts.
var segmentNamespace = uuid.MustParse("8f1c2a74-9d35-4b1b-a6a0-52c4fdd4a7e1")

// StaticCatalog derives a fixed vector + metadata segment pair per
// collection from a root directory and shared defaults.
type StaticCatalog struct {
	// Root is the directory under which segment state lives; each
	// collection gets Root/<collection>/<kind>.
	Root string

	// Dimension is the vector dimensionality; zero defers to the first
	// applied vector.
	Dimension int

	// Metric selects the distance function for vector segments.
	Metric distance.Metric

	// Index names the vector index implementation; empty means "flat".
	Index string
}

// ResolveSegments returns the two segment configs of a collection.
// IDs are stable: derived from the collection name and kind.
func (c *StaticCatalog) ResolveSegments(_ context.Context, collection string) ([]Config, error) {
	index := c.Index
	if index == "" {
		index = "flat"
	}

	return []Config{
		{
			ID:         uuid.NewSHA1(segmentNamespace, []byte(collection+"/vector")),
			Collection: collection,
			Kind:       KindVector,
			Dimension:  c.Dimension,
			Metric:     c.Metric,
			Index:      index,
			Path:       filepath.Join(c.Root, collection, "vector"),
		},
		{
			ID:         uuid.NewSHA1(segmentNamespace, []byte(collection+"/metadata")),
			Collection: collection,
			Kind:       KindMetadata,
			Path:       filepath.Join(c.Root, collection, "metadata"),
		},
	}, nil
}
