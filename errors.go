package quiver

import (
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/segment"
	"github.com/quiverdb/quiver/wal"
)

var (
	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("quiver: closed")

	// ErrBatchTooLarge is returned when a submitted batch exceeds the
	// configured maximum. The caller must retry with a smaller batch.
	ErrBatchTooLarge = errors.New("quiver: batch too large")

	// ErrOverloaded is returned when admission control rejects a submit.
	// The caller must retry with backoff.
	ErrOverloaded = errors.New("quiver: overloaded")

	// ErrPredicate is returned when a where clause is malformed.
	ErrPredicate = errors.New("quiver: invalid predicate")

	// ErrSegmentUnavailable is returned when an operation requires a
	// segment that does not exist or has not been started.
	ErrSegmentUnavailable = errors.New("quiver: segment unavailable")
)

// StorageIOError reports a durable read or write that failed inside a
// segment. The failed batch or flush was aborted without advancing any
// checkpoint, so it can be retried as a unit. It passes through
// translateError unchanged; match it with errors.As.
type StorageIOError = segment.StorageIOError

// DimensionMismatchError indicates a query vector whose length
// disagrees with the collection's dimensionality.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	cause    error
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("quiver: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return e.cause }

// translateError maps internal errors onto the package's public error
// surface; unclassified errors pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, wal.ErrBatchTooLarge):
		return fmt.Errorf("%w: %w", ErrBatchTooLarge, err)
	case errors.Is(err, wal.ErrOverloaded):
		return fmt.Errorf("%w: %w", ErrOverloaded, err)
	case errors.Is(err, wal.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, metadata.ErrInvalidWhere):
		return fmt.Errorf("%w: %w", ErrPredicate, err)
	case errors.Is(err, segment.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrSegmentUnavailable, err)
	}

	var dim *index.ErrDimensionMismatch
	if errors.As(err, &dim) {
		return &DimensionMismatchError{Expected: dim.Expected, Actual: dim.Actual, cause: err}
	}

	return err
}
