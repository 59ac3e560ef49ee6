package meta

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/segment"
)

func testConfig(t *testing.T) segment.Config {
	t.Helper()

	return segment.Config{
		ID:         uuid.New(),
		Collection: "articles",
		Kind:       segment.KindMetadata,
		Path:       t.TempDir(),
	}
}

func openTestSegment(t *testing.T, cfg segment.Config) *Segment {
	t.Helper()

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func addEntry(seq uint64, id, doc string, meta metadata.Document) model.Entry {
	rec := model.OperationRecord{ID: id, Op: model.OperationAdd, Metadata: meta}
	if doc != "" {
		rec.Document = &doc
	}

	return model.Entry{Seq: model.SeqID(seq), Record: rec}
}

func seedArticles(t *testing.T, s *Segment) {
	t.Helper()

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		addEntry(1, "a", "the quick brown fox", metadata.Document{
			"lang": metadata.String("en"),
			"year": metadata.Int(2020),
		}),
		addEntry(2, "b", "der schnelle braune fuchs", metadata.Document{
			"lang": metadata.String("de"),
			"year": metadata.Int(2021),
		}),
		addEntry(3, "c", "lazy dogs sleep", metadata.Document{
			"lang":  metadata.String("en"),
			"year":  metadata.Int(2022),
			"score": metadata.Float(0.9),
		}),
	}))
}

func getIDs(records []model.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	return ids
}

func TestApplyAddAndCount(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	seq, err := s.MaxAppliedSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SeqID(3), seq)
}

func TestApplyAddExistingIDSkipped(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		addEntry(4, "a", "replacement", nil),
	}))

	rows, err := s.Get(context.Background(), segment.GetRequest{IDs: []string{"a"}, IncludeDocument: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "the quick brown fox", *rows[0].Document)
}

func TestApplyUpdateMergesFields(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		{Seq: 4, Record: model.OperationRecord{
			ID: "a",
			Op: model.OperationUpdate,
			Metadata: metadata.Document{
				"year":  metadata.Int(2024),
				"draft": metadata.Bool(true),
			},
		}},
		// Update of an unknown id is skipped.
		{Seq: 5, Record: model.OperationRecord{
			ID:       "ghost",
			Op:       model.OperationUpdate,
			Metadata: metadata.Document{"x": metadata.Int(1)},
		}},
	}))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := s.Get(context.Background(), segment.GetRequest{
		IDs:             []string{"a"},
		IncludeDocument: true,
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "the quick brown fox", *rows[0].Document, "unset fields keep their stored value")
	assert.Equal(t, metadata.Int(2024), rows[0].Metadata["year"])
	assert.Equal(t, metadata.String("en"), rows[0].Metadata["lang"])
	assert.Equal(t, metadata.Bool(true), rows[0].Metadata["draft"])

	// The EAV rows follow the merge: the new year value is filterable.
	rows, err = s.Get(context.Background(), segment.GetRequest{Where: metadata.Eq("year", metadata.Int(2024))})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, getIDs(rows))
}

func TestApplyUpsert(t *testing.T) {
	s := openTestSegment(t, testConfig(t))

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		{Seq: 1, Record: model.OperationRecord{
			ID:       "a",
			Op:       model.OperationUpsert,
			Metadata: metadata.Document{"v": metadata.Int(1)},
		}},
		{Seq: 2, Record: model.OperationRecord{
			ID:       "a",
			Op:       model.OperationUpsert,
			Metadata: metadata.Document{"v": metadata.Int(2)},
		}},
	}))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.Get(context.Background(), segment.GetRequest{IDs: []string{"a"}, IncludeMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, metadata.Int(2), rows[0].Metadata["v"])
}

func TestApplyDelete(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		{Seq: 4, Record: model.OperationRecord{ID: "b", Op: model.OperationDelete}},
		{Seq: 5, Record: model.OperationRecord{ID: "ghost", Op: model.OperationDelete}},
	}))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := s.Get(context.Background(), segment.GetRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, getIDs(rows))
}

func TestApplyIdempotentReplay(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	// Replaying the same entries must change nothing.
	seedArticles(t, s)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	seq, err := s.MaxAppliedSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SeqID(3), seq)
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)

	s := openTestSegment(t, cfg)
	seedArticles(t, s)
	require.NoError(t, s.Close())

	restored := openTestSegment(t, cfg)

	seq, err := restored.MaxAppliedSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SeqID(3), seq)

	n, err := restored.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetByIDs(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	rows, err := s.Get(context.Background(), segment.GetRequest{IDs: []string{"c", "a", "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, getIDs(rows), "unknown ids yield nothing; order is by row id")

	rows, err = s.Get(context.Background(), segment.GetRequest{IDs: []string{}})
	require.NoError(t, err)
	assert.Empty(t, rows, "explicit empty id set matches nothing")
}

func TestGetWherePredicates(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	tests := []struct {
		name  string
		where *metadata.Where
		want  []string
	}{
		{"eq", metadata.Eq("lang", metadata.String("en")), []string{"a", "c"}},
		{"ne requires key", metadata.Ne("score", metadata.Float(0.5)), []string{"c"}},
		{"gt", metadata.Gt("year", metadata.Int(2020)), []string{"b", "c"}},
		{"gte", metadata.Gte("year", metadata.Int(2021)), []string{"b", "c"}},
		{"lt", metadata.Lt("year", metadata.Int(2021)), []string{"a"}},
		{"lte", metadata.Lte("year", metadata.Int(2021)), []string{"a", "b"}},
		{"cross-numeric eq", metadata.Eq("year", metadata.Float(2020)), []string{"a"}},
		{"cross-numeric gt", metadata.Gt("score", metadata.Int(0)), []string{"c"}},
		{"in", metadata.In("lang", metadata.String("de"), metadata.String("fr")), []string{"b"}},
		{"nin requires key", metadata.Nin("lang", metadata.String("de")), []string{"a", "c"}},
		{"absent key", metadata.Eq("missing", metadata.Int(1)), nil},
		{"and", metadata.All(
			metadata.Eq("lang", metadata.String("en")),
			metadata.Gt("year", metadata.Int(2021)),
		), []string{"c"}},
		{"or", metadata.Any(
			metadata.Eq("lang", metadata.String("de")),
			metadata.Gt("score", metadata.Float(0.5)),
		), []string{"b", "c"}},
		{"nested", metadata.All(
			metadata.Any(
				metadata.Eq("lang", metadata.String("en")),
				metadata.Eq("lang", metadata.String("de")),
			),
			metadata.Lte("year", metadata.Int(2021)),
		), []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.Get(context.Background(), segment.GetRequest{Where: tt.where})
			require.NoError(t, err)
			assert.Equal(t, tt.want, func() []string {
				if len(rows) == 0 {
					return nil
				}
				return getIDs(rows)
			}())
		})
	}
}

func TestGetWhereDocument(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		addEntry(4, "nodoc", "", metadata.Document{"lang": metadata.String("en")}),
	}))

	rows, err := s.Get(context.Background(), segment.GetRequest{
		WhereDocument: &metadata.DocumentFilter{Contains: "quick"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, getIDs(rows))

	rows, err = s.Get(context.Background(), segment.GetRequest{
		WhereDocument: &metadata.DocumentFilter{NotContains: "fox"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "nodoc"}, getIDs(rows), "rows without a document satisfy not-contains")

	// The needle is a literal substring, never a pattern.
	rows, err = s.Get(context.Background(), segment.GetRequest{
		WhereDocument: &metadata.DocumentFilter{Contains: "%"},
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGetWhereDocumentCaseSensitive(t *testing.T) {
	s := openTestSegment(t, testConfig(t))

	require.NoError(t, s.Apply(context.Background(), []model.Entry{
		addEntry(1, "a", "The Quick Brown Fox", nil),
	}))

	// Matching is byte-wise, exactly like strings.Contains on the
	// in-memory path.
	rows, err := s.Get(context.Background(), segment.GetRequest{
		WhereDocument: &metadata.DocumentFilter{Contains: "quick brown"},
	})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.Get(context.Background(), segment.GetRequest{
		WhereDocument: &metadata.DocumentFilter{Contains: "Quick Brown"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, getIDs(rows))

	rows, err = s.Get(context.Background(), segment.GetRequest{
		WhereDocument: &metadata.DocumentFilter{NotContains: "quick"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, getIDs(rows))
}

func TestGetPaginationStable(t *testing.T) {
	s := openTestSegment(t, testConfig(t))

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Apply(context.Background(), []model.Entry{
			addEntry(uint64(i), fmt.Sprintf("id-%02d", i), "", nil),
		}))
	}

	var all []string

	for offset := 0; offset < 10; offset += 3 {
		rows, err := s.Get(context.Background(), segment.GetRequest{Limit: 3, Offset: offset})
		require.NoError(t, err)
		all = append(all, getIDs(rows)...)
	}

	require.Len(t, all, 10)

	for i, id := range all {
		assert.Equal(t, fmt.Sprintf("id-%02d", i+1), id)
	}

	// Offset without limit.
	rows, err := s.Get(context.Background(), segment.GetRequest{Offset: 8})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestGetProjection(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	seedArticles(t, s)

	rows, err := s.Get(context.Background(), segment.GetRequest{IDs: []string{"a"}})
	require.NoError(t, err)
	assert.Nil(t, rows[0].Document)
	assert.Nil(t, rows[0].Metadata)

	rows, err = s.Get(context.Background(), segment.GetRequest{
		IDs:             []string{"a"},
		IncludeDocument: true,
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, rows[0].Document)
	assert.Equal(t, metadata.String("en"), rows[0].Metadata["lang"])
}

func TestGetInvalidPredicate(t *testing.T) {
	s := openTestSegment(t, testConfig(t))

	_, err := s.Get(context.Background(), segment.GetRequest{Where: &metadata.Where{}})
	require.ErrorIs(t, err, metadata.ErrInvalidWhere)

	_, err = s.Get(context.Background(), segment.GetRequest{WhereDocument: &metadata.DocumentFilter{}})
	require.ErrorIs(t, err, metadata.ErrInvalidWhere)
}

func TestClosedSegmentRejectsCalls(t *testing.T) {
	s := openTestSegment(t, testConfig(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err := s.Count(context.Background())
	require.ErrorIs(t, err, segment.ErrUnavailable)

	err = s.Apply(context.Background(), []model.Entry{addEntry(1, "a", "", nil)})
	require.ErrorIs(t, err, segment.ErrUnavailable)
}
