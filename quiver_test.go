package quiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/engine"
	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/wal"
)

func openTestDB(t *testing.T, path string, optFns ...Option) *DB {
	t.Helper()

	optFns = append([]Option{
		WithWAL(func(o *wal.Options) {
			o.DurabilityMode = wal.DurabilitySync
		}),
	}, optFns...)

	db, err := Open(path, optFns...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func submitAndSync(t *testing.T, db *DB, collection string, records []model.OperationRecord) []model.SeqID {
	t.Helper()

	ctx := context.Background()

	seqs, err := db.Submit(ctx, collection, records)
	require.NoError(t, err)
	require.Len(t, seqs, len(records))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, db.Sync(ctx, collection))

	return seqs
}

func corpus() []model.OperationRecord {
	docA := "the quick brown fox"
	docB := "lazy dogs sleep all day"

	return []model.OperationRecord{
		{ID: "a", Op: model.OperationAdd, Vector: []float32{0, 0, 0}, Document: &docA,
			Metadata: metadata.Document{"lang": metadata.String("en"), "year": metadata.Int(2020)}},
		{ID: "b", Op: model.OperationAdd, Vector: []float32{1, 0, 0}, Document: &docB,
			Metadata: metadata.Document{"lang": metadata.String("en"), "year": metadata.Int(2021)}},
		{ID: "c", Op: model.OperationAdd, Vector: []float32{0, 3, 0},
			Metadata: metadata.Document{"lang": metadata.String("de"), "year": metadata.Int(2022)}},
	}
}

func TestSubmitSyncQuery(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	seqs := submitAndSync(t, db, "articles", corpus())
	assert.Equal(t, []model.SeqID{1, 2, 3}, seqs)

	results, err := db.Query(context.Background(), &engine.Plan{
		Scan:       engine.Scan{Collection: "articles"},
		KNN:        &engine.KNN{Vectors: [][]float32{{0, 0, 0}}, K: 2},
		Projection: engine.Projection{Document: true},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 2)

	assert.Equal(t, "a", results[0][0].ID)
	assert.Equal(t, float32(0), results[0][0].Distance)
	assert.Equal(t, "the quick brown fox", *results[0][0].Document)
	assert.Equal(t, "b", results[0][1].ID)
}

func TestCountAndGet(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	submitAndSync(t, db, "articles", corpus())

	n, err := db.Count(context.Background(), "articles")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := db.Get(context.Background(), &engine.Plan{
		Scan:       engine.Scan{Collection: "articles"},
		Filter:     &engine.Filter{Where: metadata.Eq("lang", metadata.String("en"))},
		Projection: engine.Projection{Metadata: true},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, metadata.Int(2020), recs[0].Metadata["year"])
	assert.Equal(t, "b", recs[1].ID)
}

func TestDeleteVisibility(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	submitAndSync(t, db, "articles", corpus())

	submitAndSync(t, db, "articles", []model.OperationRecord{
		{ID: "a", Op: model.OperationDelete},
	})

	n, err := db.Count(context.Background(), "articles")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := db.Query(context.Background(), &engine.Plan{
		Scan: engine.Scan{Collection: "articles"},
		KNN:  &engine.KNN{Vectors: [][]float32{{0, 0, 0}}, K: 10},
	})
	require.NoError(t, err)

	for _, rec := range results[0] {
		assert.NotEqual(t, "a", rec.ID)
	}
}

func TestCollectionsAreIndependent(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	seqsA := submitAndSync(t, db, "alpha", corpus()[:2])
	seqsB := submitAndSync(t, db, "beta", corpus()[2:])

	assert.Equal(t, []model.SeqID{1, 2}, seqsA)
	assert.Equal(t, []model.SeqID{1}, seqsB, "each collection numbers its log independently")

	n, err := db.Count(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReopenReplaysLog(t *testing.T) {
	path := t.TempDir()

	db := openTestDB(t, path)
	submitAndSync(t, db, "articles", corpus())
	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)

	// Touch the collection so its consumer replays the log, then wait.
	seqs := submitAndSync(t, db2, "articles", []model.OperationRecord{
		{ID: "d", Op: model.OperationAdd, Vector: []float32{5, 5, 5}},
	})
	assert.Equal(t, []model.SeqID{4}, seqs)

	n, err := db2.Count(context.Background(), "articles")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "replay must not duplicate items")
}

func TestReopenServesReadsWithoutNewWrites(t *testing.T) {
	path := t.TempDir()

	db := openTestDB(t, path)
	submitAndSync(t, db, "articles", corpus())

	// No Close and no Flush: the first instance goes away as a crash
	// would, leaving the log as the only durable copy of the vectors.
	db2 := openTestDB(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db2.Sync(ctx, "articles"))

	n, err := db2.Count(context.Background(), "articles")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := db2.Query(context.Background(), &engine.Plan{
		Scan: engine.Scan{Collection: "articles"},
		KNN:  &engine.KNN{Vectors: [][]float32{{0, 0, 0}}, K: 3},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 3, "reads must observe log state replayed after restart")
	assert.Equal(t, "a", results[0][0].ID)
}

func TestFlushThenReopenSkipsReplayedPrefix(t *testing.T) {
	path := t.TempDir()

	db := openTestDB(t, path)
	submitAndSync(t, db, "articles", corpus())
	require.NoError(t, db.Flush(context.Background(), "articles"))
	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)
	submitAndSync(t, db2, "articles", []model.OperationRecord{
		{ID: "a", Op: model.OperationDelete},
	})

	n, err := db2.Count(context.Background(), "articles")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := db2.Query(context.Background(), &engine.Plan{
		Scan: engine.Scan{Collection: "articles"},
		KNN:  &engine.KNN{Vectors: [][]float32{{1, 0, 0}}, K: 1},
	})
	require.NoError(t, err)
	require.Len(t, results[0], 1)
	assert.Equal(t, "b", results[0][0].ID)
}

func TestArchiveReceivesSnapshots(t *testing.T) {
	store := blobstore.NewMemoryStore()

	db := openTestDB(t, t.TempDir(), WithArchive(store, "backups"))
	submitAndSync(t, db, "articles", corpus())
	require.NoError(t, db.Flush(context.Background(), "articles"))

	keys, err := store.List(context.Background(), "backups/")
	require.NoError(t, err)
	assert.Contains(t, keys, "backups/articles/vector/segment.snap")
}

func TestErrorSurface(t *testing.T) {
	db := openTestDB(t, t.TempDir(), WithWAL(func(o *wal.Options) {
		o.MaxBatchSize = 2
	}))

	ctx := context.Background()

	_, err := db.Submit(ctx, "articles", corpus())
	require.ErrorIs(t, err, ErrBatchTooLarge)

	submitAndSync(t, db, "articles", corpus()[:2])

	_, err = db.Get(ctx, &engine.Plan{
		Scan:   engine.Scan{Collection: "articles"},
		Filter: &engine.Filter{Where: &metadata.Where{}},
	})
	require.ErrorIs(t, err, ErrPredicate)

	_, err = db.Query(ctx, &engine.Plan{
		Scan: engine.Scan{Collection: "articles"},
		KNN:  &engine.KNN{Vectors: [][]float32{{1, 2}}, K: 1},
	})

	var dim *DimensionMismatchError
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 3, dim.Expected)
	assert.Equal(t, 2, dim.Actual)
}

func TestClosedDBRejectsSubmit(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	submitAndSync(t, db, "articles", corpus()[:1])
	require.NoError(t, db.Close())

	_, err := db.Submit(context.Background(), "articles", corpus()[:1])
	require.ErrorIs(t, err, ErrClosed)

	_, err = db.Submit(context.Background(), "other", corpus()[:1])
	require.ErrorIs(t, err, ErrClosed, "unseen collections are rejected too")

	assert.NoError(t, db.Close(), "close is idempotent")
}

func TestMetricsCollector(t *testing.T) {
	var metrics BasicMetricsCollector

	db := openTestDB(t, t.TempDir(), WithMetricsCollector(&metrics))
	submitAndSync(t, db, "articles", corpus())

	ctx := context.Background()

	_, err := db.Count(ctx, "articles")
	require.NoError(t, err)

	_, err = db.Query(ctx, &engine.Plan{
		Scan: engine.Scan{Collection: "articles"},
		KNN:  &engine.KNN{Vectors: [][]float32{{0, 0, 0}}, K: 1},
	})
	require.NoError(t, err)

	_, err = db.Get(ctx, &engine.Plan{Scan: engine.Scan{Collection: ""}})
	require.Error(t, err)

	assert.Equal(t, int64(1), metrics.SubmitCount.Load())
	assert.Equal(t, int64(3), metrics.SubmitRecords.Load())
	assert.Equal(t, int64(1), metrics.CountCount.Load())
	assert.Equal(t, int64(1), metrics.QueryCount.Load())
	assert.Equal(t, int64(1), metrics.GetCount.Load())
	assert.Equal(t, int64(1), metrics.GetErrors.Load())
}

func TestHNSWIndexOption(t *testing.T) {
	db := openTestDB(t, t.TempDir(), WithIndex("hnsw"), WithDimension(3))
	submitAndSync(t, db, "articles", corpus())

	results, err := db.Query(context.Background(), &engine.Plan{
		Scan: engine.Scan{Collection: "articles"},
		KNN:  &engine.KNN{Vectors: [][]float32{{0, 3, 0}}, K: 1},
	})
	require.NoError(t, err)
	require.Len(t, results[0], 1)
	assert.Equal(t, "c", results[0][0].ID)
}

func TestUpdateMergesMetadata(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	submitAndSync(t, db, "articles", corpus())

	submitAndSync(t, db, "articles", []model.OperationRecord{
		{ID: "a", Op: model.OperationUpdate,
			Metadata: metadata.Document{"year": metadata.Int(2024)}},
	})

	recs, err := db.Get(context.Background(), &engine.Plan{
		Scan:       engine.Scan{Collection: "articles"},
		Filter:     &engine.Filter{IDs: []string{"a"}},
		Projection: engine.Projection{Document: true, Metadata: true},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, metadata.Int(2024), recs[0].Metadata["year"])
	assert.Equal(t, metadata.String("en"), recs[0].Metadata["lang"], "untouched keys survive a patch")
	assert.Equal(t, "the quick brown fox", *recs[0].Document, "nil document keeps the stored one")
}
