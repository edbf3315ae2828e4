// Package larder is the public entry point: a Catalog bundles a schema, the
// store holding its rows, and the populate and cascade-delete operations
// over them.
//
// Example:
//
//	sch, _ := schema.LoadFile("schema.yaml")
//	cat, err := larder.Open(ctx, types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".larder",
//	}, sch)
//	defer cat.Close()
//	report, err := cat.Populate(ctx, "Spikes", detectSpikes, larder.PopulateOptions{Workers: 4})
package larder

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/mesh-intelligence/larder/internal/cascade"
	"github.com/mesh-intelligence/larder/internal/materialize"
	"github.com/mesh-intelligence/larder/internal/memory"
	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/internal/sqlite"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Version is the larder release.
const Version = "0.1.0"

type (
	// Schema is the dependency graph of entity types.
	Schema = schema.Schema
	// PopulateOptions tunes one Populate call.
	PopulateOptions = materialize.Options
	// Report summarizes one Populate call.
	Report = materialize.Report
	// Counts holds per-entity row counts of a cascading delete.
	Counts = cascade.Counts
	// Metrics collects populate and delete counters.
	Metrics = metrics.Metrics
)

// Catalog is an open store together with its schema.
type Catalog struct {
	schema *schema.Schema
	store  types.Store
	mat    *materialize.Materializer
	del    *cascade.Deleter
}

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger for the store, populate runs and deletes.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records populate and delete activity in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewMetrics returns a Metrics with its own registry.
func NewMetrics() *Metrics {
	return metrics.New()
}

// Open builds the store named by cfg.Backend for sch.
func Open(ctx context.Context, cfg types.Config, sch *Schema, opts ...Option) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var store types.Store
	switch cfg.Backend {
	case types.BackendMemory:
		store = memory.New(sch, o.logger)
	case types.BackendSQLite:
		b := sqlite.NewBackend(sch, o.logger)
		if err := b.Attach(cfg); err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		store = b
	}

	return &Catalog{
		schema: sch,
		store:  store,
		mat:    materialize.New(store, sch, materialize.WithLogger(o.logger), materialize.WithMetrics(o.metrics)),
		del:    cascade.New(store, sch, cascade.WithLogger(o.logger), cascade.WithMetrics(o.metrics)),
	}, nil
}

// Schema returns the catalog's schema.
func (c *Catalog) Schema() *Schema { return c.schema }

// Store returns the underlying store.
func (c *Catalog) Store() types.Store { return c.store }

type insertOptions struct {
	allowDirect bool
}

// InsertOption configures Insert.
type InsertOption func(*insertOptions)

// AllowDirect permits inserting into a materialized entity type. Keys
// inserted this way count as computed and Populate skips them.
func AllowDirect() InsertOption {
	return func(o *insertOptions) { o.allowDirect = true }
}

// Insert adds rows to entity in one transaction. Part rows are only
// written by Populate together with their master (types.ErrPartInsert).
// Materialized rows are refused with types.ErrDirectInsert unless
// AllowDirect is given.
func (c *Catalog) Insert(ctx context.Context, entity string, rows []types.Row, onDup types.OnDuplicate, opts ...InsertOption) (int, error) {
	var o insertOptions
	for _, opt := range opts {
		opt(&o)
	}
	e, err := c.schema.Entity(entity)
	if err != nil {
		return 0, err
	}
	switch {
	case e.Kind == types.KindPart:
		return 0, fmt.Errorf("%w: %s belongs to %s", types.ErrPartInsert, entity, e.Master)
	case e.Kind == types.KindMaterialized && !o.allowDirect:
		return 0, fmt.Errorf("%w: %s", types.ErrDirectInsert, entity)
	}
	return c.store.Insert(ctx, entity, rows, onDup)
}

// Fetch returns the rows of entity matching p.
func (c *Catalog) Fetch(ctx context.Context, entity string, p types.Predicate) iter.Seq2[types.Row, error] {
	return c.store.Fetch(ctx, entity, p)
}

// Delete removes rows of entity matching p. It fails with
// types.ErrForeignKeyViolation when dependents exist; use CascadeDelete to
// remove them too. Part rows go with their master (types.ErrPartDelete).
func (c *Catalog) Delete(ctx context.Context, entity string, p types.Predicate) (int, error) {
	e, err := c.schema.Entity(entity)
	if err != nil {
		return 0, err
	}
	if e.Kind == types.KindPart {
		return 0, fmt.Errorf("%w: %s belongs to %s", types.ErrPartDelete, entity, e.Master)
	}
	return c.store.Delete(ctx, entity, p)
}

// CascadeDelete removes the rows of entity matching p and all their
// dependents.
func (c *Catalog) CascadeDelete(ctx context.Context, entity string, p types.Predicate) (Counts, error) {
	return c.del.Delete(ctx, entity, p)
}

// PreviewDelete reports what CascadeDelete would remove.
func (c *Catalog) PreviewDelete(ctx context.Context, entity string, p types.Predicate) (Counts, error) {
	return c.del.Preview(ctx, entity, p)
}

// PendingKeys returns the keys of entity whose parents exist but which have
// not been computed.
func (c *Catalog) PendingKeys(ctx context.Context, entity string, restriction types.Predicate) ([]types.Key, error) {
	return c.mat.PendingKeys(ctx, entity, restriction)
}

// Populate computes every pending key of entity with mk.
func (c *Catalog) Populate(ctx context.Context, entity string, mk types.MakeFunc, opts PopulateOptions) (Report, error) {
	return c.mat.Populate(ctx, entity, mk, opts)
}

// Progress reports how many keys of entity are computed out of all keys
// whose parents exist.
func (c *Catalog) Progress(ctx context.Context, entity string) (done, total int, err error) {
	return c.mat.Progress(ctx, entity)
}

// Jobs returns the store's job log.
func (c *Catalog) Jobs() types.JobLog { return c.store.Jobs() }

// Close releases the store.
func (c *Catalog) Close() error { return c.store.Close() }
