// Package meta implements the metadata segment: documents and typed
// metadata of one collection in an embedded SQLite database, with
// predicate filtering pushed down into SQL.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/quiverdb/quiver/codec"
	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/segment"
)

// Options contains configuration for a metadata segment.
type Options struct {
	// Logger receives structured segment events. Nil discards them.
	Logger *slog.Logger

	// Codec encodes metadata documents for the metadata_json column.
	Codec codec.Codec
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id     TEXT NOT NULL UNIQUE,
	document      TEXT,
	metadata_json TEXT
);

CREATE TABLE IF NOT EXISTS record_metadata (
	record_id    INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	key          TEXT NOT NULL,
	string_value TEXT,
	int_value    INTEGER,
	float_value  REAL,
	bool_value   INTEGER,
	PRIMARY KEY (record_id, key)
);

CREATE INDEX IF NOT EXISTS idx_record_metadata_key ON record_metadata(key);

CREATE TABLE IF NOT EXISTS checkpoint (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	max_applied_seq INTEGER NOT NULL
);

INSERT OR IGNORE INTO checkpoint (id, max_applied_seq) VALUES (1, 0);
`

// Segment is a metadata segment backed by SQLite.
type Segment struct {
	cfg   segment.Config
	db    *sql.DB
	codec codec.Codec

	mu    sync.RWMutex
	state segment.State

	logger *slog.Logger
}

// Open creates or reopens the segment database under cfg.Path and
// starts the segment.
func Open(ctx context.Context, cfg segment.Config, optFns ...func(o *Options)) (*Segment, error) {
	var opts Options

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := opts.Codec
	if c == nil {
		c = codec.Default
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("metadata segment %q: create dir: %w", cfg.Collection, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.Path, "segment.db"))
	if err != nil {
		return nil, fmt.Errorf("metadata segment %q: open database: %w", cfg.Collection, err)
	}

	db.SetMaxOpenConns(4)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("metadata segment %q: %s: %w", cfg.Collection, pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadata segment %q: migrate schema: %w", cfg.Collection, err)
	}

	s := &Segment{
		cfg:    cfg,
		db:     db,
		codec:  c,
		state:  segment.StateRunning,
		logger: logger.With("segment", cfg.ID, "collection", cfg.Collection, "kind", "metadata"),
	}

	return s, nil
}

// State implements segment.MetadataStore.
func (s *Segment) State() segment.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Close implements segment.MetadataStore.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == segment.StateStopped {
		return nil
	}
	s.state = segment.StateStopped

	return s.db.Close()
}

func (s *Segment) running() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != segment.StateRunning {
		return fmt.Errorf("metadata segment %q: state %s: %w", s.cfg.Collection, s.state, segment.ErrUnavailable)
	}

	return nil
}

// MaxAppliedSeq implements segment.MetadataStore.
func (s *Segment) MaxAppliedSeq(ctx context.Context) (model.SeqID, error) {
	if err := s.running(); err != nil {
		return 0, err
	}

	var seq uint64
	if err := s.db.QueryRowContext(ctx, `SELECT max_applied_seq FROM checkpoint WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("metadata segment %q: read checkpoint: %w", s.cfg.Collection, err)
	}

	return model.SeqID(seq), nil
}

// Count implements segment.MetadataStore.
func (s *Segment) Count(ctx context.Context) (int, error) {
	if err := s.running(); err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("metadata segment %q: count: %w", s.cfg.Collection, err)
	}

	return n, nil
}

// Apply folds a batch of log entries into the segment. The whole batch
// plus the checkpoint advance commit in one transaction: a storage
// failure rolls everything back and leaves the checkpoint untouched, so
// the batch is replayed from the log on recovery. Entries at or below
// the checkpoint are skipped.
func (s *Segment) Apply(ctx context.Context, entries []model.Entry) error {
	if err := s.running(); err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.storageErr("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var applied uint64
	if err := tx.QueryRowContext(ctx, `SELECT max_applied_seq FROM checkpoint WHERE id = 1`).Scan(&applied); err != nil {
		return s.storageErr("read checkpoint", err)
	}

	maxSeq := applied

	for i := range entries {
		e := &entries[i]
		if uint64(e.Seq) <= applied {
			continue
		}

		if err := s.applyRecord(ctx, tx, &e.Record); err != nil {
			return s.storageErr(fmt.Sprintf("apply seq %d", uint64(e.Seq)), err)
		}

		maxSeq = uint64(e.Seq)
	}

	if maxSeq != applied {
		if _, err := tx.ExecContext(ctx, `UPDATE checkpoint SET max_applied_seq = ? WHERE id = 1`, maxSeq); err != nil {
			return s.storageErr("advance checkpoint", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.storageErr("commit", err)
	}

	return nil
}

// storageErr classifies a failed durable write. The surrounding
// transaction rolled back, so the batch can be replayed as a unit.
func (s *Segment) storageErr(op string, err error) error {
	return &segment.StorageIOError{
		Op:  fmt.Sprintf("metadata segment %q: %s", s.cfg.Collection, op),
		Err: err,
	}
}

func (s *Segment) applyRecord(ctx context.Context, tx *sql.Tx, rec *model.OperationRecord) error {
	switch rec.Op {
	case model.OperationAdd:
		return s.insertRecord(ctx, tx, rec, false)
	case model.OperationUpdate:
		return s.patchRecord(ctx, tx, rec, false)
	case model.OperationUpsert:
		return s.patchRecord(ctx, tx, rec, true)
	case model.OperationDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE record_id = ?`, rec.ID)
		return err
	default:
		return fmt.Errorf("unknown operation %d", uint8(rec.Op))
	}
}

// insertRecord adds a new row. When the id already exists the record is
// skipped unless replace is set.
func (s *Segment) insertRecord(ctx context.Context, tx *sql.Tx, rec *model.OperationRecord, replace bool) error {
	if !replace {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE record_id = ?`, rec.ID).Scan(&exists)

		switch {
		case err == nil:
			s.logger.Debug("add skipped, id exists", "id", rec.ID)
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	metaJSON, err := s.encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (record_id, document, metadata_json) VALUES (?, ?, ?)`,
		rec.ID, rec.Document, metaJSON)
	if err != nil {
		return err
	}

	rowID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	return s.writeMetadataRows(ctx, tx, rowID, rec.Metadata)
}

// patchRecord updates an existing row, merging the record's fields over
// the stored ones. A missing id is skipped for updates and inserted for
// upserts.
func (s *Segment) patchRecord(ctx context.Context, tx *sql.Tx, rec *model.OperationRecord, upsert bool) error {
	var (
		rowID    int64
		document sql.NullString
		metaJSON sql.NullString
	)

	err := tx.QueryRowContext(ctx,
		`SELECT id, document, metadata_json FROM records WHERE record_id = ?`, rec.ID).
		Scan(&rowID, &document, &metaJSON)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if upsert {
			return s.insertRecord(ctx, tx, rec, true)
		}

		s.logger.Debug("update skipped, unknown id", "id", rec.ID)

		return nil
	case err != nil:
		return err
	}

	doc := rec.Document
	if doc == nil && document.Valid {
		doc = &document.String
	}

	merged, err := s.mergeMetadata(metaJSON, rec.Metadata)
	if err != nil {
		return err
	}

	mergedJSON, err := s.encodeMetadata(merged)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET document = ?, metadata_json = ? WHERE id = ?`,
		doc, mergedJSON, rowID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_metadata WHERE record_id = ?`, rowID); err != nil {
		return err
	}

	return s.writeMetadataRows(ctx, tx, rowID, merged)
}

func (s *Segment) mergeMetadata(stored sql.NullString, patch metadata.Document) (metadata.Document, error) {
	var merged metadata.Document

	if stored.Valid && stored.String != "" {
		if err := s.codec.Unmarshal([]byte(stored.String), &merged); err != nil {
			return nil, fmt.Errorf("decode stored metadata: %w", err)
		}
	}

	if merged == nil {
		merged = make(metadata.Document, len(patch))
	}

	for k, v := range patch {
		merged[k] = v
	}

	return merged, nil
}

func (s *Segment) encodeMetadata(doc metadata.Document) (*string, error) {
	if len(doc) == 0 {
		return nil, nil
	}

	raw, err := s.codec.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	str := string(raw)

	return &str, nil
}

func (s *Segment) writeMetadataRows(ctx context.Context, tx *sql.Tx, rowID int64, doc metadata.Document) error {
	for key, value := range doc {
		var (
			strVal   *string
			intVal   *int64
			floatVal *float64
			boolVal  *bool
		)

		switch value.Kind {
		case metadata.KindString:
			strVal = &value.S
		case metadata.KindInt:
			intVal = &value.I64
		case metadata.KindFloat:
			floatVal = &value.F64
		case metadata.KindBool:
			boolVal = &value.B
		default:
			return fmt.Errorf("metadata key %q: invalid value", key)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_metadata (record_id, key, string_value, int_value, float_value, bool_value)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rowID, key, strVal, intVal, floatVal, boolVal); err != nil {
			return err
		}
	}

	return nil
}

// Get implements segment.MetadataStore. Results are ordered by internal
// row id ascending, so limit/offset pagination is stable on unchanged
// data.
func (s *Segment) Get(ctx context.Context, req segment.GetRequest) ([]model.Record, error) {
	if err := s.running(); err != nil {
		return nil, err
	}

	if err := req.Where.Validate(); err != nil {
		return nil, err
	}

	if err := req.WhereDocument.Validate(); err != nil {
		return nil, err
	}

	query, args := buildGetQuery(req)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata segment %q: get: %w", s.cfg.Collection, err)
	}
	defer rows.Close()

	var out []model.Record

	for rows.Next() {
		var (
			id       string
			document sql.NullString
			metaJSON sql.NullString
		)

		if err := rows.Scan(&id, &document, &metaJSON); err != nil {
			return nil, fmt.Errorf("metadata segment %q: scan row: %w", s.cfg.Collection, err)
		}

		rec := model.Record{ID: id}

		if req.IncludeDocument && document.Valid {
			doc := document.String
			rec.Document = &doc
		}

		if req.IncludeMetadata && metaJSON.Valid && metaJSON.String != "" {
			if err := s.codec.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("metadata segment %q: decode metadata for %q: %w", s.cfg.Collection, id, err)
			}
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata segment %q: get: %w", s.cfg.Collection, err)
	}

	if out == nil {
		out = []model.Record{}
	}

	return out, nil
}

var _ segment.MetadataStore = (*Segment)(nil)
