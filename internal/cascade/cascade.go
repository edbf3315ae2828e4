// Package cascade deletes rows together with everything that depends on
// them, farthest descendants first, in a single transaction.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Counts maps entity names to the number of rows a cascade removes.
// Entities with no removed rows are omitted.
type Counts map[string]int

// Total returns the number of rows across all entities.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// String lists the counts sorted by entity name: "Session=1 Spikes=4".
func (c Counts) String() string {
	names := slices.Sorted(maps.Keys(c))
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%d", n, c[n])
	}
	return strings.Join(parts, " ")
}

// Deleter runs cascading deletes against one store.
type Deleter struct {
	store   types.Store
	schema  *schema.Schema
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Deleter.
type Option func(*Deleter)

func WithLogger(l *slog.Logger) Option {
	return func(d *Deleter) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deleter) { d.metrics = m }
}

// New returns a Deleter over store.
func New(store types.Store, sch *schema.Schema, opts ...Option) *Deleter {
	d := &Deleter{store: store, schema: sch, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Delete removes the rows of entity matching p and every row that depends
// on them. Either every removal is applied or none is.
func (d *Deleter) Delete(ctx context.Context, entity string, p types.Predicate) (Counts, error) {
	counts, err := d.run(ctx, entity, p, false)
	if err != nil {
		return nil, err
	}
	for name, n := range counts {
		d.metrics.Deleted(name, n)
	}
	d.logger.Info("cascade delete", slog.String("entity", entity), slog.String("deleted", counts.String()))
	return counts, nil
}

// Preview returns what Delete would remove without removing anything.
func (d *Deleter) Preview(ctx context.Context, entity string, p types.Predicate) (Counts, error) {
	return d.run(ctx, entity, p, true)
}

// errPreview rolls back a preview transaction.
var errPreview = errors.New("preview")

func (d *Deleter) run(ctx context.Context, entity string, p types.Predicate, preview bool) (Counts, error) {
	e, err := d.schema.Entity(entity)
	if err != nil {
		return nil, err
	}
	if e.Kind == types.KindPart {
		return nil, fmt.Errorf("%w: %s belongs to %s", types.ErrPartDelete, entity, e.Master)
	}

	counts := make(Counts)
	err = d.store.Transact(ctx, func(tx types.Tx) error {
		matched, err := tx.Fetch(entity, p)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}
		pk := e.PrimaryKey()
		keys := make([]types.Key, len(matched))
		for i, r := range matched {
			keys[i] = r.Project(pk)
		}

		// Descendants come ancestors first; walk them backwards.
		desc := d.schema.DescendantsOf(entity)
		for _, name := range slices.Backward(desc) {
			n, err := removeReferencing(tx, name, keys, preview)
			if err != nil {
				return err
			}
			if n > 0 {
				counts[name] = n
			}
		}

		for _, k := range keys {
			n, err := remove(tx, entity, types.KeyPredicate(k), preview)
			if err != nil {
				return err
			}
			counts[entity] += n
		}
		if counts[entity] == 0 {
			delete(counts, entity)
		}
		if preview {
			return errPreview
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPreview) {
		return nil, err
	}
	return counts, nil
}

// removeReferencing removes (or counts) rows of entity whose attributes
// match any of keys.
func removeReferencing(tx types.Tx, entity string, keys []types.Key, preview bool) (int, error) {
	total := 0
	for _, k := range keys {
		n, err := remove(tx, entity, types.KeyPredicate(k), preview)
		if err != nil {
			return 0, fmt.Errorf("cascading into %s: %w", entity, err)
		}
		total += n
	}
	return total, nil
}

func remove(tx types.Tx, entity string, p types.Predicate, preview bool) (int, error) {
	if preview {
		return tx.Count(entity, p)
	}
	return tx.Delete(entity, p)
}
