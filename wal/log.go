// Package wal implements the ordered, durable ingestion log.
//
// The log assigns each appended operation record a per-collection,
// strictly increasing sequence number, persists it before the append
// returns, and delivers it to every live subscription in sequence order.
// Subscriptions replay the durable backlog first, then stream new
// batches over a bounded channel drained by the subscriber's goroutine.
package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/model"
)

// Log is the ingestion log for all collections under one directory.
// Each collection gets its own ledger file; collections are fully
// independent and carry no cross-collection ordering guarantee.
type Log struct {
	mu      sync.Mutex
	opts    Options
	codec   codec.Codec
	ledgers map[string]*ledger
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	closed  bool
}

// Open creates or reopens an ingestion log rooted at Options.Dir.
func Open(optFns ...func(o *Options)) (*Log, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("wal: failed to create log directory: %w", err)
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultOptions.MaxBatchSize
	}
	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = DefaultOptions.SubscriptionBuffer
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultOptions.MaxInFlight
	}

	l := &Log{
		opts:    opts,
		codec:   codec.Default,
		ledgers: make(map[string]*ledger),
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return l, nil
}

// Append durably appends a batch of operation records for a collection,
// assigns strictly increasing sequence numbers in submission order, and
// synchronously notifies live subscriptions. The returned SeqIDs are in
// input order, one per record.
//
// Admission control rejects rather than queues: oversized batches fail
// with ErrBatchTooLarge, and appends beyond the rate or in-flight limits
// fail with ErrOverloaded.
func (l *Log) Append(ctx context.Context, collection string, records []model.OperationRecord) ([]model.SeqID, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(records) > l.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d records, max %d", ErrBatchTooLarge, len(records), l.opts.MaxBatchSize)
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.limiter != nil && !l.limiter.Allow() {
		return nil, fmt.Errorf("%w: rate limit exceeded", ErrOverloaded)
	}
	if !l.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: too many appends in flight", ErrOverloaded)
	}
	defer l.sem.Release(1)

	led, err := l.ledgerFor(collection)
	if err != nil {
		return nil, err
	}

	// Detach the batch from caller-owned memory before it is shared with
	// subscribers.
	owned := make([]model.OperationRecord, len(records))
	for i, rec := range records {
		owned[i] = rec
		if rec.Vector != nil {
			v := make([]float32, len(rec.Vector))
			copy(v, rec.Vector)
			owned[i].Vector = v
		}
		if rec.Document != nil {
			doc := *rec.Document
			owned[i].Document = &doc
		}
		owned[i].Metadata = metadata.CloneIfNeeded(rec.Metadata)
	}

	entries, err := led.appendBatch(owned)
	if err != nil {
		return nil, err
	}

	seqs := make([]model.SeqID, len(entries))
	for i := range entries {
		seqs[i] = entries[i].Seq
	}
	return seqs, nil
}

// Subscribe registers a subscription for a collection. Already-durable
// entries in (start, end] are delivered first, in order, then newly
// appended batches stream until end is reached or the subscription is
// canceled. start == nil means from the beginning; end == nil means no
// upper bound.
func (l *Log) Subscribe(collection string, start, end *model.SeqID) (*Subscription, error) {
	led, err := l.ledgerFor(collection)
	if err != nil {
		return nil, err
	}

	led.mu.Lock()
	if led.closed {
		led.mu.Unlock()
		return nil, ErrClosed
	}
	replay, err := led.backlog(start, end)
	if err != nil {
		led.mu.Unlock()
		return nil, err
	}

	sub := newSubscription(l, collection, end, led.persisted, replay, l.opts.SubscriptionBuffer)
	led.register(sub)
	led.mu.Unlock()

	sub.start()
	return sub, nil
}

// Unsubscribe cancels the subscription with the given id.
// Unknown ids are a no-op, not an error.
func (l *Log) Unsubscribe(id uuid.UUID) {
	l.mu.Lock()
	ledgers := make([]*ledger, 0, len(l.ledgers))
	for _, led := range l.ledgers {
		ledgers = append(ledgers, led)
	}
	l.mu.Unlock()

	for _, led := range ledgers {
		led.mu.Lock()
		sub, ok := led.subs[id]
		led.mu.Unlock()
		if ok {
			sub.Cancel()
		}
	}
}

// LastSeq returns the highest sequence number assigned for a collection,
// recovering it from the ledger file when the collection has not been
// touched since Open. Zero means nothing has been appended.
func (l *Log) LastSeq(collection string) model.SeqID {
	l.mu.Lock()
	led, ok := l.ledgers[collection]
	closed := l.closed
	l.mu.Unlock()
	if ok {
		return led.lastSeq()
	}
	if closed || collection == "" {
		return 0
	}

	// Open the ledger lazily, but only when a reopened log actually has
	// one on disk; probing an unknown collection must not create a file.
	if _, err := os.Stat(filepath.Join(l.opts.Dir, collection+".wal")); err != nil {
		return 0
	}
	led, err := l.ledgerFor(collection)
	if err != nil {
		return 0
	}
	return led.lastSeq()
}

// Close flushes and closes all ledgers and cancels live subscriptions.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ledgers := make([]*ledger, 0, len(l.ledgers))
	for _, led := range l.ledgers {
		ledgers = append(ledgers, led)
	}
	l.mu.Unlock()

	var firstErr error
	for _, led := range ledgers {
		led.mu.Lock()
		subs := make([]*Subscription, 0, len(led.subs))
		for _, sub := range led.subs {
			subs = append(subs, sub)
		}
		led.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}
		if err := led.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Log) ledgerFor(collection string) (*ledger, error) {
	if collection == "" {
		return nil, fmt.Errorf("wal: empty collection id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if led, ok := l.ledgers[collection]; ok {
		return led, nil
	}

	path := filepath.Join(l.opts.Dir, collection+".wal")
	led, err := openLedger(path, collection, l.opts, l.codec)
	if err != nil {
		return nil, err
	}
	l.ledgers[collection] = led
	return led, nil
}
