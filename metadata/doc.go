// Package metadata provides the typed value model and predicate language
// used for filtered retrieval.
//
// Documents are flat maps of string keys to typed scalar values. Filters
// are expressed as a Where tree of leaf comparisons combined with boolean
// operators, plus an optional DocumentFilter for substring matching over
// record text. Both forms validate before execution and can be evaluated
// in-process or pushed down to the metadata segment's SQL storage.
package metadata
