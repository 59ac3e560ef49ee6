package quiver

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational
// metrics. Implement it to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordSubmit is called after each submitted batch. count is the
	// number of records, duration the total time, err nil on success.
	RecordSubmit(count int, duration time.Duration, err error)

	// RecordQuery is called after each nearest-neighbor query. k is the
	// number of neighbors requested per query vector.
	RecordQuery(k int, duration time.Duration, err error)

	// RecordGet is called after each get operation.
	RecordGet(duration time.Duration, err error)

	// RecordCount is called after each count operation.
	RecordCount(duration time.Duration, err error)

	// RecordFlush is called after each explicit flush.
	RecordFlush(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSubmit(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)         {}
func (NoopMetricsCollector) RecordCount(time.Duration, error)       {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)       {}

// BasicMetricsCollector provides simple in-memory counters. Useful for
// debugging and tests without an external monitoring system.
type BasicMetricsCollector struct {
	SubmitCount      atomic.Int64
	SubmitRecords    atomic.Int64
	SubmitErrors     atomic.Int64
	SubmitTotalNanos atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	GetCount         atomic.Int64
	GetErrors        atomic.Int64
	CountCount       atomic.Int64
	CountErrors      atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
}

// RecordSubmit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSubmit(count int, duration time.Duration, err error) {
	b.SubmitCount.Add(1)
	b.SubmitRecords.Add(int64(count))
	b.SubmitTotalNanos.Add(duration.Nanoseconds())

	if err != nil {
		b.SubmitErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(_ int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())

	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(_ time.Duration, err error) {
	b.GetCount.Add(1)

	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordCount implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCount(_ time.Duration, err error) {
	b.CountCount.Add(1)

	if err != nil {
		b.CountErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(_ time.Duration, err error) {
	b.FlushCount.Add(1)

	if err != nil {
		b.FlushErrors.Add(1)
	}
}
