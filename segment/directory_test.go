package segment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVectorStore struct {
	VectorStore
	closed atomic.Bool
}

func (s *stubVectorStore) Close() error {
	s.closed.Store(true)
	return nil
}

type stubMetadataStore struct {
	MetadataStore
}

func (s *stubMetadataStore) Close() error { return nil }

func testDirectory(vectorCalls, metaCalls *atomic.Int32) *Directory {
	return NewDirectory(
		&StaticCatalog{Root: "/tmp/unused"},
		func(ctx context.Context, cfg Config) (VectorStore, error) {
			vectorCalls.Add(1)
			return &stubVectorStore{}, nil
		},
		func(ctx context.Context, cfg Config) (MetadataStore, error) {
			metaCalls.Add(1)
			return &stubMetadataStore{}, nil
		},
	)
}

func TestDirectoryGetOrCreate(t *testing.T) {
	var vectorCalls, metaCalls atomic.Int32

	dir := testDirectory(&vectorCalls, &metaCalls)
	t.Cleanup(func() { _ = dir.Close() })

	v1, err := dir.Vector(context.Background(), "a")
	require.NoError(t, err)

	v2, err := dir.Vector(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, v1, v2)
	assert.Equal(t, int32(1), vectorCalls.Load())

	_, err = dir.Vector(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), vectorCalls.Load())

	_, err = dir.Metadata(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int32(1), metaCalls.Load())

	assert.ElementsMatch(t, []string{"a", "b"}, dir.Collections())
}

func TestDirectoryConcurrentCreateIsSingleflight(t *testing.T) {
	var vectorCalls, metaCalls atomic.Int32

	dir := testDirectory(&vectorCalls, &metaCalls)
	t.Cleanup(func() { _ = dir.Close() })

	const goroutines = 32

	stores := make([]VectorStore, goroutines)

	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s, err := dir.Vector(context.Background(), "shared")
			assert.NoError(t, err)
			stores[i] = s
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), vectorCalls.Load(), "concurrent callers must share one construction")

	for _, s := range stores[1:] {
		assert.Same(t, stores[0], s)
	}
}

func TestDirectoryFailedCreateNotCached(t *testing.T) {
	var calls atomic.Int32

	boom := errors.New("boom")

	dir := NewDirectory(
		&StaticCatalog{Root: "/tmp/unused"},
		func(ctx context.Context, cfg Config) (VectorStore, error) {
			if calls.Add(1) == 1 {
				return nil, boom
			}
			return &stubVectorStore{}, nil
		},
		func(ctx context.Context, cfg Config) (MetadataStore, error) {
			return &stubMetadataStore{}, nil
		},
	)
	t.Cleanup(func() { _ = dir.Close() })

	_, err := dir.Vector(context.Background(), "a")
	require.ErrorIs(t, err, boom)

	_, err = dir.Vector(context.Background(), "a")
	require.NoError(t, err, "a failed construction must not be cached")
}

func TestDirectoryClose(t *testing.T) {
	var vectorCalls, metaCalls atomic.Int32

	dir := testDirectory(&vectorCalls, &metaCalls)

	v, err := dir.Vector(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, dir.Close())
	require.NoError(t, dir.Close(), "close is idempotent")

	assert.True(t, v.(*stubVectorStore).closed.Load())

	_, err = dir.Vector(context.Background(), "a")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = dir.Metadata(context.Background(), "a")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestStaticCatalogStableIDs(t *testing.T) {
	c := &StaticCatalog{Root: "/data"}

	first, err := c.ResolveSegments(context.Background(), "articles")
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := c.ResolveSegments(context.Background(), "articles")
	require.NoError(t, err)
	assert.Equal(t, first, second, "segment ids must be stable across resolutions")

	other, err := c.ResolveSegments(context.Background(), "images")
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, other[0].ID)

	assert.Equal(t, KindVector, first[0].Kind)
	assert.Equal(t, KindMetadata, first[1].Kind)
	assert.Equal(t, "/data/articles/vector", first[0].Path)
	assert.Equal(t, "flat", first[0].Index)
}
