// Package quiver provides an embedded segment-based storage engine for
// vectors and metadata.
//
// Writes are operation records (add/update/upsert/delete) submitted in
// batches to a per-collection durable log, which assigns strictly
// increasing sequence numbers and streams the records, in order, into
// two segments: a vector segment (nearest-neighbor index) and a
// metadata segment (documents and typed metadata in SQLite). Reads are
// declarative plans executed by the engine against those segments.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := quiver.Open("./data", quiver.WithDimension(128))
//	defer db.Close()
//
//	doc := "an example document"
//	db.Submit(ctx, "articles", []model.OperationRecord{{
//	    ID:       "a1",
//	    Op:       model.OperationAdd,
//	    Vector:   vec,
//	    Document: &doc,
//	    Metadata: metadata.FromMap(map[string]any{"lang": "en"}),
//	}})
//	db.Sync(ctx, "articles")
//
//	results, _ := db.Query(ctx, &engine.Plan{
//	    Scan:       engine.Scan{Collection: "articles"},
//	    Filter:     &engine.Filter{Where: metadata.Eq("lang", metadata.String("en"))},
//	    KNN:        &engine.KNN{Vectors: [][]float32{query}, K: 10},
//	    Projection: engine.Projection{Document: true, Metadata: true},
//	})
//
// Submissions are durable when Submit returns; segment application is
// asynchronous. Sync waits for a collection's segments to catch up with
// its log when read-your-writes is needed.
package quiver
