// Package segment defines the segment abstraction shared by the vector
// and metadata stores: configuration, lifecycle, the store interfaces
// the execution engine works against, and a Directory that materializes
// segments on demand.
package segment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/model"
)

// ErrUnavailable is returned when an operation requires a segment that
// does not exist or has not been started.
var ErrUnavailable = errors.New("segment: unavailable")

// StorageIOError wraps a durable read or write that failed. The
// enclosing batch was aborted and no checkpoint advanced, so the
// operation can be retried as a unit.
type StorageIOError struct {
	Op  string
	Err error
}

func (e *StorageIOError) Error() string {
	return fmt.Sprintf("segment: %s: %v", e.Op, e.Err)
}

func (e *StorageIOError) Unwrap() error { return e.Err }

// Kind discriminates the two segment families of a collection.
type Kind uint8

const (
	// KindVector is a nearest-neighbor index over item vectors.
	KindVector Kind = iota
	// KindMetadata stores documents and typed metadata.
	KindMetadata
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindVector:
		return "vector"
	case KindMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State is the lifecycle state of a segment.
type State uint8

const (
	// StateUninitialized means the segment object exists but holds no data.
	StateUninitialized State = iota
	// StateLoaded means persisted data has been restored but the segment
	// is not yet consuming the ingestion log.
	StateLoaded
	// StateRunning means the segment serves reads and applies writes.
	StateRunning
	// StateStopped means the segment has shut down and rejects all calls.
	StateStopped
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config describes one segment of a collection.
type Config struct {
	// ID uniquely identifies the segment across restarts.
	ID uuid.UUID

	// Collection is the owning collection name.
	Collection string

	// Kind selects the segment family.
	Kind Kind

	// Dimension is the vector dimensionality. Zero means the dimension
	// is established by the first applied vector. Ignored for metadata
	// segments.
	Dimension int

	// Metric selects the distance function for vector segments.
	Metric distance.Metric

	// Index names the vector index implementation ("flat", "hnsw").
	Index string

	// Path is the directory holding the segment's persistent state.
	Path string
}

// Neighbor is one nearest-neighbor hit from a vector segment.
type Neighbor struct {
	ID       string
	Distance float32
}

// VectorStore is the engine-facing interface of a vector segment.
type VectorStore interface {
	// Apply folds a batch of log entries into the segment in order.
	Apply(ctx context.Context, entries []model.Entry) error

	// Query returns up to k nearest neighbors per query vector,
	// ascending by distance. allowed restricts candidates to the given
	// external ids; nil means unrestricted, an empty non-nil slice
	// means no candidates at all.
	Query(ctx context.Context, queries [][]float32, k int, allowed []string) ([][]Neighbor, error)

	// Vectors returns the stored vectors for the given ids. Unknown or
	// deleted ids map to a nil slice at the same position.
	Vectors(ctx context.Context, ids []string) ([][]float32, error)

	// Len returns the number of live items.
	Len() int

	// MaxAppliedSeq returns the highest sequence number folded in.
	MaxAppliedSeq() model.SeqID

	// Flush persists the current state.
	Flush(ctx context.Context) error

	// State reports the lifecycle state.
	State() State

	// Close stops the segment.
	Close() error
}

// GetRequest selects rows from a metadata segment.
type GetRequest struct {
	// IDs restricts the result to the given ids. Nil means unrestricted.
	IDs []string

	// Where filters on typed metadata. Optional.
	Where *metadata.Where

	// WhereDocument filters on document content. Optional.
	WhereDocument *metadata.DocumentFilter

	// Limit caps the number of returned rows; 0 means no cap.
	Limit int

	// Offset skips that many matching rows.
	Offset int

	// IncludeDocument and IncludeMetadata control which columns are
	// materialized into the result records.
	IncludeDocument bool
	IncludeMetadata bool
}

// MetadataStore is the engine-facing interface of a metadata segment.
type MetadataStore interface {
	// Apply folds a batch of log entries into the segment in order.
	Apply(ctx context.Context, entries []model.Entry) error

	// Get returns matching records in insertion order.
	Get(ctx context.Context, req GetRequest) ([]model.Record, error)

	// Count returns the number of live items.
	Count(ctx context.Context) (int, error)

	// MaxAppliedSeq returns the highest sequence number folded in.
	MaxAppliedSeq(ctx context.Context) (model.SeqID, error)

	// State reports the lifecycle state.
	State() State

	// Close stops the segment.
	Close() error
}

// Catalog resolves the segment configurations of a collection. It is
// the single source of truth for which segments exist; the Directory
// only materializes what the catalog describes.
type Catalog interface {
	ResolveSegments(ctx context.Context, collection string) ([]Config, error)
}
