package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/model"
)

// ledger is the append-only on-disk log for a single collection.
//
// One mutex serializes writers; sequence assignment, the buffered write,
// and subscriber dispatch all happen under it so every subscription
// observes batches in sequence order.
type ledger struct {
	mu sync.Mutex

	collection string
	path       string
	file       *os.File
	bufWriter  *bufio.Writer
	writer     io.Writer
	compressor *zstd.Encoder

	compressed       bool
	compressionLevel int
	dataOffset       int64

	seq       model.SeqID // last assigned
	persisted model.SeqID // highest seq known durable
	staged    [][]Entry   // written batches awaiting durable dispatch

	mode            DurabilityMode
	groupInterval   time.Duration
	groupMaxBatches int
	pendingSync     int
	syncCond        *sync.Cond
	ticker          *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup

	subs  map[uuid.UUID]*Subscription
	codec codec.Codec

	closed bool
}

func openLedger(path, collection string, opts Options, c codec.Codec) (*ledger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // path is configurable
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open ledger file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: failed to stat ledger file: %w", err)
	}

	l := &ledger{
		collection:       collection,
		path:             path,
		file:             file,
		compressionLevel: opts.CompressionLevel,
		mode:             opts.DurabilityMode,
		groupInterval:    opts.GroupCommitInterval,
		groupMaxBatches:  opts.GroupCommitMaxBatches,
		subs:             make(map[uuid.UUID]*Subscription),
		codec:            c,
	}
	l.syncCond = sync.NewCond(&l.mu)

	if st.Size() == 0 {
		hdrLen, err := writeLedgerHeader(file, ledgerHeaderInfo{
			Compressed:       opts.Compress,
			CompressionLevel: opts.CompressionLevel,
		})
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		l.dataOffset = hdrLen
		l.compressed = opts.Compress
	} else {
		info, valid, err := readLedgerHeader(file)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		if !valid {
			_ = file.Close()
			return nil, fmt.Errorf("wal: invalid ledger header in %s", path)
		}
		l.dataOffset = info.HeaderLen
		l.compressed = info.Compressed
		l.compressionLevel = info.CompressionLevel
	}

	if err := l.recover(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: failed to recover ledger %s: %w", path, err)
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("wal: failed to seek ledger end: %w", err)
	}

	if l.compressed {
		level := zstd.EncoderLevelFromZstd(l.compressionLevel)
		compressor, err := zstd.NewWriter(l.file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("wal: failed to create compressor: %w", err)
		}
		l.compressor = compressor
		l.bufWriter = bufio.NewWriter(compressor)
	} else {
		l.bufWriter = bufio.NewWriter(l.file)
	}
	l.writer = l.bufWriter

	if l.mode == DurabilityGroupCommit && l.groupInterval > 0 {
		l.stopCh = make(chan struct{})
		l.ticker = time.NewTicker(l.groupInterval)
		l.wg.Add(1)
		go l.groupCommitWorker()
	}

	return l, nil
}

// recover scans the ledger to find the highest sequence number and
// truncates a torn tail so appends resume from the last valid entry.
func (l *ledger) recover() error {
	if _, err := l.file.Seek(l.dataOffset, io.SeekStart); err != nil {
		return err
	}

	if l.compressed {
		return l.recoverCompressed()
	}

	counter := &countingReader{r: l.file}

	var maxSeq model.SeqID
	validBytes := int64(0)

	for {
		var entry Entry
		if err := decodeEntry(counter, l.codec, &entry); err != nil {
			// EOF is the clean end; anything else is a torn tail.
			break
		}
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
		validBytes = counter.n
	}

	l.seq = maxSeq
	l.persisted = maxSeq

	if err := l.file.Truncate(l.dataOffset + validBytes); err != nil {
		return fmt.Errorf("failed to truncate torn tail: %w", err)
	}
	return nil
}

// recoverCompressed replays a compressed ledger. A torn tail cannot be
// truncated in the middle of a zstd stream, so when one is detected the
// surviving entries are rewritten as a fresh stream; otherwise appends
// would land behind the corruption and be unreachable to readers.
func (l *ledger) recoverCompressed() error {
	dec, err := zstd.NewReader(l.file)
	if err != nil {
		return err
	}
	defer dec.Close()

	var entries []Entry
	torn := false
	for {
		var entry Entry
		if err := decodeEntry(dec, l.codec, &entry); err != nil {
			torn = !errors.Is(err, io.EOF)
			break
		}
		entries = append(entries, entry)
	}

	var maxSeq model.SeqID
	for i := range entries {
		if entries[i].Seq > maxSeq {
			maxSeq = entries[i].Seq
		}
	}
	l.seq = maxSeq
	l.persisted = maxSeq

	if !torn {
		return nil
	}
	return l.rewriteCompressed(entries)
}

func (l *ledger) rewriteCompressed(entries []Entry) error {
	if err := l.file.Truncate(l.dataOffset); err != nil {
		return fmt.Errorf("failed to drop torn tail: %w", err)
	}
	if _, err := l.file.Seek(l.dataOffset, io.SeekStart); err != nil {
		return err
	}

	if len(entries) > 0 {
		level := zstd.EncoderLevelFromZstd(l.compressionLevel)
		enc, err := zstd.NewWriter(l.file, zstd.WithEncoderLevel(level))
		if err != nil {
			return err
		}
		for i := range entries {
			if err := encodeEntry(enc, l.codec, &entries[i]); err != nil {
				_ = enc.Close()
				return fmt.Errorf("failed to rewrite entry: %w", err)
			}
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to rewrite ledger: %w", err)
		}
	}

	return l.file.Sync()
}

// appendBatch assigns sequence numbers, writes the batch, waits for the
// configured durability level, and then notifies live subscriptions in
// sequence order. Subscribers never see an entry before it is durable,
// so no segment checkpoint can reference a record a crash would erase.
func (l *ledger) appendBatch(records []model.OperationRecord) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	// Encode the whole batch before touching the ledger so an encode
	// failure cannot leave a sequence gap behind.
	var encoded bytes.Buffer
	entries := make([]Entry, len(records))
	next := l.seq
	for i := range records {
		next++
		entries[i] = Entry{Seq: next, Record: records[i]}
		if err := encodeEntry(&encoded, l.codec, &entries[i]); err != nil {
			return nil, fmt.Errorf("wal: failed to encode entry: %w", err)
		}
	}

	if _, err := l.writer.Write(encoded.Bytes()); err != nil {
		return nil, fmt.Errorf("wal: failed to append batch: %w", err)
	}
	l.seq = next
	if err := l.flushLocked(); err != nil {
		return nil, err
	}

	// Stage for dispatch under the mutex: the staging order is the
	// sequence order, and only durable batches leave the queue.
	l.staged = append(l.staged, entries)

	if err := l.syncLocked(); err != nil {
		return nil, err
	}
	l.dispatchDurableLocked()
	return entries, nil
}

// dispatchDurableLocked delivers staged batches whose entries have
// become durable, in sequence order. Caller must hold l.mu; holding it
// across the enqueues is what keeps every subscription's delivery order
// equal to sequence order.
func (l *ledger) dispatchDurableLocked() {
	for len(l.staged) > 0 {
		batch := l.staged[0]
		if batch[len(batch)-1].Seq > l.persisted {
			return
		}
		l.staged = l.staged[1:]
		for _, sub := range l.subs {
			sub.enqueue(batch)
		}
	}
}

func (l *ledger) flushLocked() error {
	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("wal: failed to flush buffer: %w", err)
	}
	if l.compressor != nil {
		if err := l.compressor.Flush(); err != nil {
			return fmt.Errorf("wal: failed to flush compressor: %w", err)
		}
	}
	return nil
}

// syncLocked performs fsync based on the configured durability mode.
// Caller must hold l.mu; in GroupCommit mode the mutex may be released
// while waiting for the background sync.
func (l *ledger) syncLocked() error {
	switch l.mode {
	case DurabilityAsync:
		l.persisted = l.seq
		return nil

	case DurabilitySync:
		if err := l.file.Sync(); err != nil {
			return err
		}
		l.persisted = l.seq
		return nil

	case DurabilityGroupCommit:
		l.pendingSync++
		target := l.seq
		if l.pendingSync >= l.groupMaxBatches {
			return l.doGroupCommitLocked()
		}
		for l.persisted < target && !l.closed {
			l.syncCond.Wait()
		}
		if l.closed && l.persisted < target {
			return ErrClosed
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommitLocked performs the actual fsync and wakes waiters.
func (l *ledger) doGroupCommitLocked() error {
	if l.pendingSync == 0 {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.pendingSync = 0
	l.persisted = l.seq
	l.syncCond.Broadcast()
	l.dispatchDurableLocked()
	return nil
}

func (l *ledger) groupCommitWorker() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopCh:
			l.mu.Lock()
			_ = l.doGroupCommitLocked()
			l.mu.Unlock()
			return
		case <-l.ticker.C:
			l.mu.Lock()
			_ = l.doGroupCommitLocked()
			l.mu.Unlock()
		}
	}
}

// backlog reads the durable entries in (start, end] from the ledger file
// using a dedicated read handle. Written-but-unsynced entries are left to
// the dispatch queue, and replay stops where recovery stopped: at clean
// EOF or at the first invalid frame of a torn tail. Caller must hold
// l.mu so no append can interleave between the backlog read and
// subscription registration.
func (l *ledger) backlog(start, end *model.SeqID) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open ledger for replay: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(l.dataOffset, io.SeekStart); err != nil {
		return nil, err
	}

	var reader io.Reader
	if l.compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		reader = dec
	} else {
		reader = bufio.NewReader(f)
	}

	durable := l.persisted

	var out []Entry
	for {
		var entry Entry
		if err := decodeEntry(reader, l.codec, &entry); err != nil {
			break
		}
		if entry.Seq > durable {
			break
		}
		if start != nil && entry.Seq <= *start {
			continue
		}
		if end != nil && entry.Seq > *end {
			break
		}
		out = append(out, entry)
	}
	return out, nil
}

func (l *ledger) lastSeq() model.SeqID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *ledger) register(sub *Subscription) {
	l.subs[sub.ID] = sub
}

func (l *ledger) unregister(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, id)
}

func (l *ledger) close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.syncCond.Broadcast()
	l.mu.Unlock()

	if l.ticker != nil {
		close(l.stopCh)
		l.wg.Wait()
		l.ticker.Stop()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if l.compressor != nil {
		if err := l.compressor.Close(); err != nil {
			return fmt.Errorf("wal: failed to close compressor: %w", err)
		}
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}

// countingReader counts consumed bytes so recovery can locate the exact
// end of the last valid entry.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
