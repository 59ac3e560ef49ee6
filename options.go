package quiver

import (
	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/wal"
)

type options struct {
	dimension        int
	metric           distance.Metric
	indexName        string
	flushThreshold   int
	codec            codec.Codec
	archive          blobstore.Store
	archivePrefix    string
	walOptions       []func(*wal.Options)
	logger           *Logger
	metricsCollector MetricsCollector
}

// Option configures DB construction.
type Option func(*options)

// WithDimension fixes the vector dimensionality of every collection.
// Without it, each collection's dimension is established by its first
// applied vector.
func WithDimension(dimension int) Option {
	return func(o *options) {
		o.dimension = dimension
	}
}

// WithMetric selects the distance metric. Defaults to squared
// Euclidean distance.
func WithMetric(metric distance.Metric) Option {
	return func(o *options) {
		o.metric = metric
	}
}

// WithIndex selects the vector index implementation ("flat", "hnsw").
// Defaults to "flat".
func WithIndex(name string) Option {
	return func(o *options) {
		o.indexName = name
	}
}

// WithFlushThreshold sets the number of applied records between
// automatic vector segment snapshots. Defaults to 10000.
func WithFlushThreshold(n int) Option {
	return func(o *options) {
		o.flushThreshold = n
	}
}

// WithCodec configures the codec used for log payloads and stored
// metadata. If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithArchive configures an object store that receives a copy of every
// vector segment snapshot. prefix is prepended to archive keys.
func WithArchive(store blobstore.Store, prefix string) Option {
	return func(o *options) {
		o.archive = store
		o.archivePrefix = prefix
	}
}

// WithWAL tweaks the ingestion log configuration.
//
// Example:
//
//	quiver.Open(path, quiver.WithWAL(func(o *wal.Options) {
//	    o.DurabilityMode = wal.DurabilitySync
//	}))
func WithWAL(fns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, fns...)
	}
}

// WithLogger configures structured logging. If nil is passed, logging
// is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures operational metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}
