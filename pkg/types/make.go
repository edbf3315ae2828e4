package types

import "context"

// Result is what a MakeFunc produces for one key: rows of the materialized
// entity and rows of its part entities, keyed by part name. Key attributes
// missing from a row are filled in from the key being populated.
type Result struct {
	Rows  []Row
	Parts map[string][]Row
}

// MakeFunc computes the rows for one pending key. It must not write to the
// store; Populate commits the Result atomically.
type MakeFunc func(ctx context.Context, key Key) (Result, error)
