package wal

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/quiverdb/quiver/model"
)

var (
	// ErrBatchTooLarge is returned when a batch exceeds Options.MaxBatchSize.
	// The caller must retry with a smaller batch.
	ErrBatchTooLarge = errors.New("wal: batch exceeds maximum size")

	// ErrOverloaded is returned when admission control rejects an append.
	// The caller must retry with backoff.
	ErrOverloaded = errors.New("wal: overloaded")

	// ErrEmptyBatch is returned when an append carries no records.
	ErrEmptyBatch = errors.New("wal: empty batch")

	// ErrClosed is returned when the log has been closed.
	ErrClosed = errors.New("wal: closed")
)

// Entry is one durably appended operation record together with its
// assigned sequence number.
type Entry = model.Entry

// DurabilityMode defines the fsync behavior for ledger writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes but risk of data
	// loss on crash. Use when external replication provides durability.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync at regular intervals,
	// amortizing its cost across appends. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync performs fsync after every append. Slowest but
	// strongest guarantee.
	DurabilitySync
)

// Options contains configuration for the ingestion log.
type Options struct {
	// Dir is the directory where per-collection ledger files are stored.
	Dir string

	// MaxBatchSize is the maximum number of records per append.
	MaxBatchSize int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time to wait before fsync in
	// GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxBatches is the maximum appends to batch before an
	// immediate fsync in GroupCommit mode.
	GroupCommitMaxBatches int

	// Compress enables zstd compression of ledger files.
	Compress bool

	// CompressionLevel sets the zstd compression level (1-22).
	CompressionLevel int

	// RateLimit caps admitted appends per second. Zero disables the limiter.
	RateLimit rate.Limit

	// RateBurst is the burst allowance for RateLimit.
	RateBurst int

	// MaxInFlight caps concurrent appends across all collections.
	// Appends beyond the cap fail with ErrOverloaded instead of queueing.
	MaxInFlight int64

	// SubscriptionBuffer is the per-subscription channel capacity in
	// batches. A full buffer applies backpressure to appenders.
	SubscriptionBuffer int
}

// DefaultOptions returns default log options.
var DefaultOptions = Options{
	Dir:                   ".",
	MaxBatchSize:          1024,
	DurabilityMode:        DurabilityGroupCommit,
	GroupCommitInterval:   10 * time.Millisecond,
	GroupCommitMaxBatches: 32,
	Compress:              false,
	CompressionLevel:      3,
	RateLimit:             0,
	RateBurst:             0,
	MaxInFlight:           64,
	SubscriptionBuffer:    16,
}
