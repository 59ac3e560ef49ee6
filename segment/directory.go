package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// VectorFactory builds a vector store for a config.
type VectorFactory func(ctx context.Context, cfg Config) (VectorStore, error)

// MetadataFactory builds a metadata store for a config.
type MetadataFactory func(ctx context.Context, cfg Config) (MetadataStore, error)

// Directory materializes segments on demand and caches them by
// (collection, kind). Concurrent callers asking for the same segment
// share a single construction via singleflight; a failed construction
// is not cached, so the next caller retries.
type Directory struct {
	catalog  Catalog
	vectorFn VectorFactory
	metaFn   MetadataFactory

	mu       sync.RWMutex
	vectors  map[string]VectorStore
	metas    map[string]MetadataStore
	closed   bool
	creating singleflight.Group
}

// NewDirectory creates a directory resolving configs through catalog
// and building segments with the given factories.
func NewDirectory(catalog Catalog, vectorFn VectorFactory, metaFn MetadataFactory) *Directory {
	return &Directory{
		catalog:  catalog,
		vectorFn: vectorFn,
		metaFn:   metaFn,
		vectors:  make(map[string]VectorStore),
		metas:    make(map[string]MetadataStore),
	}
}

// Vector returns the vector store of a collection, constructing it on
// first use.
func (d *Directory) Vector(ctx context.Context, collection string) (VectorStore, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrUnavailable
	}

	if s, ok := d.vectors[collection]; ok {
		d.mu.RUnlock()
		return s, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.creating.Do("vector/"+collection, func() (any, error) {
		d.mu.RLock()
		s, ok := d.vectors[collection]
		d.mu.RUnlock()

		if ok {
			return s, nil
		}

		cfg, err := d.resolve(ctx, collection, KindVector)
		if err != nil {
			return nil, err
		}

		s, err = d.vectorFn(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create vector segment %q: %w", collection, err)
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = s.Close()

			return nil, ErrUnavailable
		}

		d.vectors[collection] = s
		d.mu.Unlock()

		return s, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(VectorStore), nil
}

// Metadata returns the metadata store of a collection, constructing it
// on first use.
func (d *Directory) Metadata(ctx context.Context, collection string) (MetadataStore, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrUnavailable
	}

	if s, ok := d.metas[collection]; ok {
		d.mu.RUnlock()
		return s, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.creating.Do("metadata/"+collection, func() (any, error) {
		d.mu.RLock()
		s, ok := d.metas[collection]
		d.mu.RUnlock()

		if ok {
			return s, nil
		}

		cfg, err := d.resolve(ctx, collection, KindMetadata)
		if err != nil {
			return nil, err
		}

		s, err = d.metaFn(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create metadata segment %q: %w", collection, err)
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = s.Close()

			return nil, ErrUnavailable
		}

		d.metas[collection] = s
		d.mu.Unlock()

		return s, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(MetadataStore), nil
}

// Collections returns the names of all collections with materialized
// segments.
func (d *Directory) Collections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{}, len(d.vectors))
	for c := range d.vectors {
		seen[c] = struct{}{}
	}
	for c := range d.metas {
		seen[c] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}

	return out
}

// Close stops all materialized segments. Subsequent lookups fail with
// ErrUnavailable.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error

	for _, s := range d.vectors {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range d.metas {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (d *Directory) resolve(ctx context.Context, collection string, kind Kind) (Config, error) {
	configs, err := d.catalog.ResolveSegments(ctx, collection)
	if err != nil {
		return Config{}, fmt.Errorf("resolve segments for %q: %w", collection, err)
	}

	for _, cfg := range configs {
		if cfg.Kind == kind {
			return cfg, nil
		}
	}

	return Config{}, fmt.Errorf("collection %q has no %s segment: %w", collection, kind, ErrUnavailable)
}
