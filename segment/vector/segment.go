// Package vector implements the vector segment: a nearest-neighbor
// index over the items of one collection, fed by the ingestion log and
// persisted through compressed snapshots.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/index/flat"
	"github.com/quiverdb/quiver/index/hnsw"
	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/segment"
)

// Options contains configuration for a vector segment.
type Options struct {
	// FlushThreshold triggers an automatic snapshot after that many
	// applied records. Zero disables automatic snapshots.
	FlushThreshold int

	// Archive, when set, receives a copy of every snapshot.
	Archive blobstore.Store

	// ArchivePrefix is prepended to archive keys.
	ArchivePrefix string

	// Logger receives structured segment events. Nil discards them.
	Logger *slog.Logger

	// Constructors maps index names to constructors. Defaults cover
	// "flat" and "hnsw".
	Constructors map[string]index.Constructor
}

// DefaultOptions returns default vector segment options.
var DefaultOptions = Options{
	FlushThreshold: 10_000,
}

// Segment is a vector segment. Writes arrive exclusively through Apply
// in sequence order; reads may run concurrently.
type Segment struct {
	cfg  segment.Config
	opts Options

	mu         sync.RWMutex
	state      segment.State
	idx        index.Index
	ids        map[string]uint32 // external id -> live label
	labels     map[uint32]string // live label -> external id
	vectors    map[uint32][]float32
	tombstones *roaring.Bitmap
	nextLabel  uint32
	applied    model.SeqID
	sinceFlush int

	logger *slog.Logger
}

// New creates an uninitialized segment.
func New(cfg segment.Config, optFns ...func(o *Options)) *Segment {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Segment{
		cfg:        cfg,
		opts:       opts,
		state:      segment.StateUninitialized,
		ids:        make(map[string]uint32),
		labels:     make(map[uint32]string),
		vectors:    make(map[uint32][]float32),
		tombstones: roaring.New(),
		logger:     logger.With("segment", cfg.ID, "collection", cfg.Collection, "kind", "vector"),
	}
}

// Open creates a segment, restores its latest snapshot if one exists,
// and starts it.
func Open(ctx context.Context, cfg segment.Config, optFns ...func(o *Options)) (*Segment, error) {
	s := New(cfg, optFns...)

	if err := s.Load(ctx); err != nil {
		return nil, err
	}

	if err := s.Start(); err != nil {
		return nil, err
	}

	return s, nil
}

// Load restores the latest snapshot, if any, and moves the segment to
// Loaded. A missing snapshot is not an error.
func (s *Segment) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != segment.StateUninitialized {
		return fmt.Errorf("vector segment %q: load in state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	if err := s.loadSnapshotLocked(ctx); err != nil {
		return err
	}

	s.state = segment.StateLoaded
	s.logger.Debug("segment loaded", "items", len(s.ids), "applied_seq", uint64(s.applied))

	return nil
}

// Start moves a Loaded segment to Running.
func (s *Segment) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != segment.StateLoaded {
		return fmt.Errorf("vector segment %q: start in state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	s.state = segment.StateRunning

	return nil
}

// State implements segment.VectorStore.
func (s *Segment) State() segment.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// MaxAppliedSeq implements segment.VectorStore.
func (s *Segment) MaxAppliedSeq() model.SeqID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.applied
}

// Len implements segment.VectorStore.
func (s *Segment) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ids)
}

// Apply folds a batch of log entries into the segment. Entries whose
// sequence number was already applied are skipped, so replaying the log
// after a snapshot restore is safe. A record whose vector dimensionality
// disagrees with the segment is skipped; the rest of the batch proceeds.
func (s *Segment) Apply(ctx context.Context, entries []model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != segment.StateRunning {
		return fmt.Errorf("vector segment %q: apply in state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	for i := range entries {
		e := &entries[i]
		if e.Seq <= s.applied {
			continue
		}

		s.applyRecordLocked(e)
		s.applied = e.Seq
		s.sinceFlush++
	}

	if s.opts.FlushThreshold > 0 && s.sinceFlush >= s.opts.FlushThreshold {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (s *Segment) applyRecordLocked(e *model.Entry) {
	rec := &e.Record

	switch rec.Op {
	case model.OperationAdd:
		if _, exists := s.ids[rec.ID]; exists {
			s.logger.Debug("add skipped, id exists", "id", rec.ID, "seq", uint64(e.Seq))
			return
		}

		s.insertLocked(rec.ID, rec.Vector, e.Seq)
	case model.OperationUpdate:
		if _, exists := s.ids[rec.ID]; !exists {
			s.logger.Debug("update skipped, unknown id", "id", rec.ID, "seq", uint64(e.Seq))
			return
		}

		if rec.Vector != nil {
			s.insertLocked(rec.ID, rec.Vector, e.Seq)
		}
	case model.OperationUpsert:
		if rec.Vector != nil || !s.has(rec.ID) {
			s.insertLocked(rec.ID, rec.Vector, e.Seq)
		}
	case model.OperationDelete:
		s.removeLocked(rec.ID)
	}
}

func (s *Segment) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// insertLocked registers id under a fresh label, tombstoning any
// previous label. A nil vector registers the id without indexing it.
func (s *Segment) insertLocked(id string, vector []float32, seq model.SeqID) {
	if vector != nil {
		if err := s.ensureIndexLocked(len(vector)); err != nil {
			s.logger.Warn("record skipped", "id", id, "seq", uint64(seq), "error", err)
			return
		}

		if dim := s.idx.Dimension(); dim != len(vector) {
			s.logger.Warn("record skipped",
				"id", id, "seq", uint64(seq),
				"error", &index.ErrDimensionMismatch{Expected: dim, Actual: len(vector)})

			return
		}
	}

	prev, had := s.ids[id]

	label := s.nextLabel
	s.nextLabel++

	if vector != nil {
		v := make([]float32, len(vector))
		copy(v, vector)

		if err := s.idx.Insert(label, v); err != nil {
			s.logger.Warn("record skipped", "id", id, "seq", uint64(seq), "error", err)
			return
		}

		s.vectors[label] = v
	}

	if had {
		s.dropLabelLocked(prev)
	}

	s.ids[id] = label
	s.labels[label] = id
}

func (s *Segment) removeLocked(id string) {
	label, ok := s.ids[id]
	if !ok {
		return
	}

	s.dropLabelLocked(label)
	delete(s.ids, id)
}

func (s *Segment) dropLabelLocked(label uint32) {
	if _, indexed := s.vectors[label]; indexed {
		s.idx.Remove(label)
	}

	delete(s.vectors, label)
	delete(s.labels, label)
	s.tombstones.Add(label)
}

func (s *Segment) ensureIndexLocked(dimension int) error {
	if s.idx != nil {
		return nil
	}

	if s.cfg.Dimension > 0 {
		dimension = s.cfg.Dimension
	}

	idx, err := s.newIndex(dimension)
	if err != nil {
		return err
	}

	s.idx = idx

	return nil
}

func (s *Segment) newIndex(dimension int) (index.Index, error) {
	name := s.cfg.Index
	if name == "" {
		name = "flat"
	}

	if ctor, ok := s.opts.Constructors[name]; ok {
		return ctor(dimension, s.cfg.Metric)
	}

	switch name {
	case "flat":
		return flat.New(dimension, s.cfg.Metric)
	case "hnsw":
		return hnsw.New(dimension, s.cfg.Metric)
	default:
		return nil, fmt.Errorf("vector segment %q: unknown index %q", s.cfg.Collection, name)
	}
}

// overfetchFactor widens the initial index search so that equal-distance
// candidates beyond position k are seen before the deterministic
// (distance, id) re-sort truncates the result. searchRankedLocked keeps
// doubling the width until the candidate at rank k is strictly farther
// than the one at rank k-1, so a tie group spanning the cutoff is never
// split by index iteration order.
const overfetchFactor = 2

// Query implements segment.VectorStore.
func (s *Segment) Query(ctx context.Context, queries [][]float32, k int, allowed []string) ([][]segment.Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("vector segment %q: invalid k %d", s.cfg.Collection, k)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != segment.StateRunning {
		return nil, fmt.Errorf("vector segment %q: query in state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	results := make([][]segment.Neighbor, len(queries))

	if allowed != nil && len(allowed) == 0 {
		for i := range results {
			results[i] = []segment.Neighbor{}
		}

		return results, nil
	}

	if s.idx == nil {
		for i := range results {
			results[i] = []segment.Neighbor{}
		}

		return results, nil
	}

	filter := s.filterLocked(allowed)

	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(q) != s.idx.Dimension() {
			return nil, &index.ErrDimensionMismatch{Expected: s.idx.Dimension(), Actual: len(q)}
		}

		ranked, err := s.searchRankedLocked(q, k, filter)
		if err != nil {
			return nil, err
		}

		results[i] = ranked
	}

	return results, nil
}

// searchRankedLocked searches the index with a widening limit until the
// k nearest are known exactly. A fetch is decisive when either the index
// ran out of candidates, or the farthest candidate returned is strictly
// beyond the distance at rank k, proving no unseen label can tie into
// the top k.
func (s *Segment) searchRankedLocked(q []float32, k int, filter index.FilterFunc) ([]segment.Neighbor, error) {
	for limit := k * overfetchFactor; ; limit *= 2 {
		hits, err := s.idx.Search(q, limit, filter)
		if err != nil {
			return nil, fmt.Errorf("vector segment %q: search: %w", s.cfg.Collection, err)
		}

		ranked := s.rankLocked(hits, k)

		if len(hits) < limit {
			return ranked, nil
		}

		if len(ranked) >= k && hits[len(hits)-1].Distance > ranked[k-1].Distance {
			return ranked, nil
		}
	}
}

// filterLocked builds the label filter for a query. nil allowed means
// unrestricted; otherwise only live labels of the allowed ids pass.
func (s *Segment) filterLocked(allowed []string) index.FilterFunc {
	if allowed == nil {
		return nil
	}

	set := roaring.New()

	for _, id := range allowed {
		if label, ok := s.ids[id]; ok {
			set.Add(label)
		}
	}

	return set.Contains
}

// rankLocked maps index hits to external ids and applies the
// deterministic ordering: ascending distance, ties by id.
func (s *Segment) rankLocked(hits []index.SearchResult, k int) []segment.Neighbor {
	neighbors := make([]segment.Neighbor, 0, len(hits))

	for _, h := range hits {
		id, ok := s.labels[h.Label]
		if !ok {
			continue
		}

		neighbors = append(neighbors, segment.Neighbor{ID: id, Distance: h.Distance})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}

		return neighbors[i].ID < neighbors[j].ID
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}

	return neighbors
}

// Vectors implements segment.VectorStore. Unknown ids and ids without a
// vector yield nil at the same position.
func (s *Segment) Vectors(_ context.Context, ids []string) ([][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != segment.StateRunning {
		return nil, fmt.Errorf("vector segment %q: vectors in state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	out := make([][]float32, len(ids))

	for i, id := range ids {
		label, ok := s.ids[id]
		if !ok {
			continue
		}

		if v, ok := s.vectors[label]; ok {
			c := make([]float32, len(v))
			copy(c, v)
			out[i] = c
		}
	}

	return out, nil
}

// Flush writes a snapshot of the current state.
func (s *Segment) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != segment.StateRunning && s.state != segment.StateLoaded {
		return fmt.Errorf("vector segment %q: flush in state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	return s.flushLocked(ctx)
}

// Close flushes and stops the segment. Closing a stopped segment is a
// no-op.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == segment.StateStopped {
		return nil
	}

	var err error
	if s.state == segment.StateRunning && s.sinceFlush > 0 {
		err = s.flushLocked(context.Background())
	}

	s.state = segment.StateStopped

	return err
}

var _ segment.VectorStore = (*Segment)(nil)
