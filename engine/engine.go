package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/quiverdb/quiver/model"
	"github.com/quiverdb/quiver/segment"
)

// Options contains configuration for the engine.
type Options struct {
	// Logger receives structured query events. Nil discards them.
	Logger *slog.Logger
}

// Engine executes plans against the segments of a collection.
type Engine struct {
	dir    *segment.Directory
	logger *slog.Logger
}

// New creates an engine resolving segments through dir.
func New(dir *segment.Directory, optFns ...func(o *Options)) *Engine {
	var opts Options

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{dir: dir, logger: logger}
}

// Count returns the number of live items in the plan's collection. It
// only consults the metadata segment.
func (e *Engine) Count(ctx context.Context, plan *Plan) (int, error) {
	if err := plan.Validate(false); err != nil {
		return 0, err
	}

	meta, err := e.dir.Metadata(ctx, plan.Scan.Collection)
	if err != nil {
		return 0, err
	}

	return meta.Count(ctx)
}

// Get resolves the plan's filter through the metadata segment, applies
// limit and projection, and returns matching records. The vector
// segment is not involved; a Vector projection flag is ignored.
func (e *Engine) Get(ctx context.Context, plan *Plan) ([]model.Record, error) {
	if err := plan.Validate(false); err != nil {
		return nil, err
	}

	meta, err := e.dir.Metadata(ctx, plan.Scan.Collection)
	if err != nil {
		return nil, err
	}

	req := segment.GetRequest{
		Limit:           plan.Limit.Limit,
		Offset:          plan.Limit.Offset,
		IncludeDocument: plan.Projection.Document,
		IncludeMetadata: plan.Projection.Metadata,
	}

	if plan.Filter != nil {
		req.IDs = plan.Filter.IDs
		req.Where = plan.Filter.Where
		req.WhereDocument = plan.Filter.WhereDocument
	}

	return meta.Get(ctx, req)
}

// KNN executes a nearest-neighbor plan in three phases: predicate
// pre-filtering through the metadata segment, vector search, and
// hydration of projected fields. The per-query ordering of the vector
// phase is preserved; a failure in any phase fails the whole call.
func (e *Engine) KNN(ctx context.Context, plan *Plan) ([][]model.Record, error) {
	if err := plan.Validate(true); err != nil {
		return nil, err
	}

	allowed, short, err := e.prefilter(ctx, plan)
	if err != nil {
		return nil, err
	}

	if short {
		// The filter matched nothing; the vector index is not consulted.
		results := make([][]model.Record, len(plan.KNN.Vectors))
		for i := range results {
			results[i] = []model.Record{}
		}

		return results, nil
	}

	vec, err := e.dir.Vector(ctx, plan.Scan.Collection)
	if err != nil {
		return nil, err
	}

	neighbors, err := vec.Query(ctx, plan.KNN.Vectors, plan.KNN.K, allowed)
	if err != nil {
		return nil, err
	}

	return e.hydrate(ctx, plan, vec, neighbors)
}

// prefilter resolves the plan's filter into an allowed id set. A nil
// set means unrestricted; short reports the documented short-circuit
// where an explicit filter matched zero ids.
func (e *Engine) prefilter(ctx context.Context, plan *Plan) (allowed []string, short bool, err error) {
	if plan.Filter.Empty() {
		return nil, false, nil
	}

	meta, err := e.dir.Metadata(ctx, plan.Scan.Collection)
	if err != nil {
		return nil, false, err
	}

	matches, err := meta.Get(ctx, segment.GetRequest{
		IDs:           plan.Filter.IDs,
		Where:         plan.Filter.Where,
		WhereDocument: plan.Filter.WhereDocument,
	})
	if err != nil {
		return nil, false, err
	}

	allowed = make([]string, len(matches))
	for i, rec := range matches {
		allowed[i] = rec.ID
	}

	return allowed, len(allowed) == 0, nil
}

// hydrate merges projected fields into the vector phase's results.
func (e *Engine) hydrate(ctx context.Context, plan *Plan, vec segment.VectorStore, neighbors [][]segment.Neighbor) ([][]model.Record, error) {
	results := make([][]model.Record, len(neighbors))

	g, ctx := errgroup.WithContext(ctx)

	for i := range neighbors {
		g.Go(func() error {
			recs, err := e.hydrateOne(ctx, plan, vec, neighbors[i])
			if err != nil {
				return err
			}

			results[i] = recs

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("engine: hydrate: %w", err)
	}

	return results, nil
}

func (e *Engine) hydrateOne(ctx context.Context, plan *Plan, vec segment.VectorStore, hits []segment.Neighbor) ([]model.Record, error) {
	recs := make([]model.Record, len(hits))
	ids := make([]string, len(hits))

	for i, hit := range hits {
		recs[i] = model.Record{ID: hit.ID, Distance: hit.Distance}
		ids[i] = hit.ID
	}

	if len(hits) == 0 {
		return recs, nil
	}

	if plan.Projection.Document || plan.Projection.Metadata {
		meta, err := e.dir.Metadata(ctx, plan.Scan.Collection)
		if err != nil {
			return nil, err
		}

		rows, err := meta.Get(ctx, segment.GetRequest{
			IDs:             ids,
			IncludeDocument: plan.Projection.Document,
			IncludeMetadata: plan.Projection.Metadata,
		})
		if err != nil {
			return nil, err
		}

		byID := make(map[string]*model.Record, len(rows))
		for i := range rows {
			byID[rows[i].ID] = &rows[i]
		}

		for i := range recs {
			if row, ok := byID[recs[i].ID]; ok {
				recs[i].Document = row.Document
				recs[i].Metadata = row.Metadata
			}
		}
	}

	if plan.Projection.Vector {
		vectors, err := vec.Vectors(ctx, ids)
		if err != nil {
			return nil, err
		}

		for i := range recs {
			recs[i].Vector = vectors[i]
		}
	}

	return recs, nil
}
