package quiver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/engine"
	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/segment"
	"github.com/quiverdb/quiver/segment/meta"
	"github.com/quiverdb/quiver/segment/vector"
	"github.com/quiverdb/quiver/wal"
)

// DB is an embedded storage engine for vectors and metadata. Writes
// flow through a durable ordered log into per-collection segments;
// reads execute declarative plans against those segments.
type DB struct {
	opts    options
	log     *wal.Log
	dir     *segment.Directory
	eng     *engine.Engine
	logger  *Logger
	metrics MetricsCollector

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool
}

// Open opens or creates a database rooted at path.
func Open(path string, optFns ...Option) (*DB, error) {
	opts := options{
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	walFns := append([]func(*wal.Options){func(o *wal.Options) {
		o.Dir = filepath.Join(path, "wal")
	}}, opts.walOptions...)

	log, err := wal.Open(walFns...)
	if err != nil {
		return nil, fmt.Errorf("quiver: open log: %w", err)
	}

	catalog := &segment.StaticCatalog{
		Root:      filepath.Join(path, "segments"),
		Dimension: opts.dimension,
		Metric:    opts.metric,
		Index:     opts.indexName,
	}

	db := &DB{
		opts:      opts,
		log:       log,
		logger:    opts.logger,
		metrics:   opts.metricsCollector,
		consumers: make(map[string]*consumer),
	}

	db.dir = segment.NewDirectory(catalog,
		func(ctx context.Context, cfg segment.Config) (segment.VectorStore, error) {
			return vector.Open(ctx, cfg, func(o *vector.Options) {
				o.Logger = opts.logger.Logger
				o.Archive = opts.archive
				o.ArchivePrefix = opts.archivePrefix

				if opts.flushThreshold > 0 {
					o.FlushThreshold = opts.flushThreshold
				}
			})
		},
		func(ctx context.Context, cfg segment.Config) (segment.MetadataStore, error) {
			return meta.Open(ctx, cfg, func(o *meta.Options) {
				o.Logger = opts.logger.Logger
				o.Codec = opts.codec
			})
		},
	)

	db.eng = engine.New(db.dir, func(o *engine.Options) {
		o.Logger = opts.logger.Logger
	})

	return db, nil
}

// Submit durably appends a batch of operation records to a collection's
// log and returns one sequence number per record, in input order. The
// collection's segments observe the batch through their subscriptions;
// Sync waits for them to catch up.
func (db *DB) Submit(ctx context.Context, collection string, records []model.OperationRecord) ([]model.SeqID, error) {
	start := time.Now()

	seqs, err := db.submit(ctx, collection, records)
	db.metrics.RecordSubmit(len(records), time.Since(start), err)

	return seqs, err
}

func (db *DB) submit(ctx context.Context, collection string, records []model.OperationRecord) ([]model.SeqID, error) {
	if err := db.ensureConsumer(ctx, collection); err != nil {
		return nil, translateError(err)
	}

	seqs, err := db.log.Append(ctx, collection, records)
	if err != nil {
		return nil, translateError(err)
	}

	return seqs, nil
}

// Count returns the number of live items in a collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	start := time.Now()

	n, err := db.count(ctx, collection)
	db.metrics.RecordCount(time.Since(start), err)

	return n, err
}

func (db *DB) count(ctx context.Context, collection string) (int, error) {
	if err := db.warm(ctx, collection); err != nil {
		return 0, translateError(err)
	}

	n, err := db.eng.Count(ctx, &engine.Plan{Scan: engine.Scan{Collection: collection}})
	if err != nil {
		return 0, translateError(err)
	}

	return n, nil
}

/// Get executes a get plan: records resolved by id and predicate through
// the metadata segment, paged and projected.
func (db *DB) Get(ctx context.Context, plan *engine.Plan) ([]model.Record, error) {
	start := time.Now()

	recs, err := db.get(ctx, plan)
	db.metrics.RecordGet(time.Since(start), err)

	if err != nil {
		return nil, translateError(err)
	}

	return recs, nil
}

func (db *DB) get(ctx context.Context, plan *engine.Plan) ([]model.Record, error) {
	if plan != nil {
		if err := db.warm(ctx, plan.Scan.Collection); err != nil {
			return nil, err
		}
	}

	return db.eng.Get(ctx, plan)
}

// Query executes a nearest-neighbor plan and returns one result list
// per query vector.
func (db *DB) Query(ctx context.Context, plan *engine.Plan) ([][]model.Record, error) {
	start := time.Now()

	k := 0
	if plan != nil && plan.KNN != nil {
		k = plan.KNN.K
	}

	results, err := db.query(ctx, plan)
	db.metrics.RecordQuery(k, time.Since(start), err)

	if err != nil {
		return nil, translateError(err)
	}

	return results, nil
}

func (db *DB) query(ctx context.Context, plan *engine.Plan) ([][]model.Record, error) {
	if plan != nil {
		if err := db.warm(ctx, plan.Scan.Collection); err != nil {
			return nil, err
		}
	}

	return db.eng.KNN(ctx, plan)
}

// Flush snapshots a collection's vector segment.
func (db *DB) Flush(ctx context.Context, collection string) error {
	start := time.Now()

	err := db.flush(ctx, collection)
	db.metrics.RecordFlush(time.Since(start), err)

	return err
}

// warm materializes a collection's segments and starts its log consumer
// so reads observe state replayed from the log after a restart, not the
// stale snapshot alone. An empty collection is left for plan validation
// to report.
func (db *DB) warm(ctx context.Context, collection string) error {
	if collection == "" {
		return nil
	}

	return db.ensureConsumer(ctx, collection)
}

func (db *DB) flush(ctx context.Context, collection string) error {
	if err := db.warm(ctx, collection); err != nil {
		return translateError(err)
	}

	vec, err := db.dir.Vector(ctx, collection)
	if err != nil {
		return translateError(err)
	}

	return translateError(vec.Flush(ctx))
}

// Sync blocks until both segments of a collection have applied every
// record appended to its log so far, or ctx expires. It provides
// read-your-writes for callers that need it; queries without it see the
// latest applied state.
func (db *DB) Sync(ctx context.Context, collection string) error {
	if err := db.warm(ctx, collection); err != nil {
		return translateError(err)
	}

	target := db.log.LastSeq(collection)
	if target == 0 {
		return nil
	}

	db.mu.Lock()
	cons := db.consumers[collection]
	db.mu.Unlock()

	vec, err := db.dir.Vector(ctx, collection)
	if err != nil {
		return translateError(err)
	}

	met, err := db.dir.Metadata(ctx, collection)
	if err != nil {
		return translateError(err)
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if cons != nil {
			if err := cons.failure(); err != nil {
				return err
			}
		}

		metaSeq, err := met.MaxAppliedSeq(ctx)
		if err != nil {
			return translateError(err)
		}

		if vec.MaxAppliedSeq() >= target && metaSeq >= target {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops all consumers, closes the log, flushes and stops the
// segments.
func (db *DB) Close() error {
	db.mu.Lock()

	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true

	consumers := make([]*consumer, 0, len(db.consumers))
	for _, c := range db.consumers {
		consumers = append(consumers, c)
	}
	db.mu.Unlock()

	var errs []error

	// Closing the log cancels every subscription, which ends the
	// consumer goroutines.
	if err := db.log.Close(); err != nil {
		errs = append(errs, err)
	}

	for _, c := range consumers {
		<-c.done
	}

	if err := db.dir.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// consumer drains one collection's log subscription into its segments.
type consumer struct {
	sub  *wal.Subscription
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (c *consumer) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *consumer) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
}

// ensureConsumer materializes both segments of a collection and starts
// the goroutine feeding them from the log. The subscription resumes
// from the lower of the two applied checkpoints; each segment skips
// entries it already holds.
func (db *DB) ensureConsumer(ctx context.Context, collection string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	if _, ok := db.consumers[collection]; ok {
		return nil
	}

	vec, err := db.dir.Vector(ctx, collection)
	if err != nil {
		return err
	}

	met, err := db.dir.Metadata(ctx, collection)
	if err != nil {
		return err
	}

	metaSeq, err := met.MaxAppliedSeq(ctx)
	if err != nil {
		return err
	}

	start := vec.MaxAppliedSeq()
	if metaSeq < start {
		start = metaSeq
	}

	sub, err := db.log.Subscribe(collection, &start, nil)
	if err != nil {
		return err
	}

	cons := &consumer{sub: sub, done: make(chan struct{})}
	db.consumers[collection] = cons

	logger := db.logger.WithCollection(collection)

	go func() {
		defer close(cons.done)

		for batch := range sub.Batches() {
			if err := met.Apply(context.Background(), batch); err != nil {
				logger.Error("metadata apply failed", "error", err)
				cons.fail(translateError(err))
				sub.Cancel()

				return
			}

			if err := vec.Apply(context.Background(), batch); err != nil {
				logger.Error("vector apply failed", "error", err)
				cons.fail(translateError(err))
				sub.Cancel()

				return
			}
		}
	}()

	return nil
}
