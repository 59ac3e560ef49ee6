// Package model defines the shared record types that flow between the
// ingestion log, the segments, and the execution engine.
package model

import (
	"fmt"

	"github.com/quiverdb/quiver/metadata"
)

// SeqID is a per-collection monotonically increasing sequence number
// assigned by the ingestion log at append time. SeqIDs are contiguous
// within a collection; different collections are fully independent.
type SeqID uint64

// Operation represents the kind of a single item mutation.
type Operation uint8

const (
	// OperationAdd inserts a new item; an existing id is a record-level conflict.
	OperationAdd Operation = iota
	// OperationUpdate patches an existing item; a missing id is a record-level miss.
	OperationUpdate
	// OperationUpsert inserts or replaces unconditionally.
	OperationUpsert
	// OperationDelete removes an item.
	OperationDelete
)

// String returns a string representation of the Operation.
func (op Operation) String() string {
	switch op {
	case OperationAdd:
		return "add"
	case OperationUpdate:
		return "update"
	case OperationUpsert:
		return "upsert"
	case OperationDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", uint8(op))
	}
}

// OperationRecord is an immutable description of one item mutation.
// Vector, Document and Metadata are optional depending on the operation.
type OperationRecord struct {
	ID       string
	Op       Operation
	Vector   []float32
	Document *string
	Metadata metadata.Document
}

// Validate checks the structural constraints that hold for every
// operation kind. Dimension checks happen later, in the vector segment,
// because the collection dimension is established at first write.
func (r *OperationRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("operation record: empty id")
	}
	if r.Op > OperationDelete {
		return fmt.Errorf("operation record %q: unknown operation %d", r.ID, uint8(r.Op))
	}
	if r.Op == OperationDelete && (r.Vector != nil || r.Document != nil || r.Metadata != nil) {
		return fmt.Errorf("operation record %q: delete must not carry a payload", r.ID)
	}
	return nil
}

// Entry is one durably appended operation record together with the
// sequence number the ingestion log assigned to it.
type Entry struct {
	Seq    SeqID
	Record OperationRecord
}

// Record is one row of a query or get result. Which fields are populated
// depends on the plan's projection.
type Record struct {
	ID       string
	Document *string
	Metadata metadata.Document
	Vector   []float32
	Distance float32
}
