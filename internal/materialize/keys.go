package materialize

import (
	"context"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// PendingKeys returns the keys of entity that can be computed but have no
// rows yet: the natural join of every parent's primary keys, restricted,
// minus the keys already present in entity. Keys hold exactly the
// key-source attributes and come sorted by them.
//
// The restriction may only reference key-source attributes.
func (m *Materializer) PendingKeys(ctx context.Context, entity string, restriction types.Predicate) ([]types.Key, error) {
	e, err := m.materialized(entity)
	if err != nil {
		return nil, err
	}
	src, err := m.keySource(ctx, e, restriction)
	if err != nil {
		return nil, err
	}
	return src.pending, nil
}

// Progress reports how many key-source keys of entity are materialized and
// how many exist in total.
func (m *Materializer) Progress(ctx context.Context, entity string) (done, total int, err error) {
	e, err := m.materialized(entity)
	if err != nil {
		return 0, 0, err
	}
	src, err := m.keySource(ctx, e, types.All())
	if err != nil {
		return 0, 0, err
	}
	return src.total - len(src.pending), src.total, nil
}

func (m *Materializer) materialized(entity string) (*types.EntityType, error) {
	e, err := m.schema.Entity(entity)
	if err != nil {
		return nil, err
	}
	if e.Kind != types.KindMaterialized {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrNotMaterialized, entity, e.Kind)
	}
	return e, nil
}

type keySource struct {
	attrs   []string
	total   int
	pending []types.Key
}

func (m *Materializer) keySource(ctx context.Context, e *types.EntityType, restriction types.Predicate) (keySource, error) {
	attrs, err := m.schema.KeySource(e.Name)
	if err != nil {
		return keySource{}, err
	}
	r, err := restriction.Normalize(e)
	if err != nil {
		return keySource{}, err
	}
	for _, a := range r.Attrs() {
		if !slices.Contains(attrs, a) {
			return keySource{}, fmt.Errorf("%w: %s restricts %q, which is not part of its key source",
				types.ErrInvalidFilter, e.Name, a)
		}
	}
	r.OrderBy, r.Limit = nil, 0

	joined := []types.Key{{}}
	var have []string
	for _, p := range m.schema.ParentsOf(e.Name) {
		pe, err := m.schema.Entity(p)
		if err != nil {
			return keySource{}, err
		}
		pk := pe.PrimaryKey()
		keys, err := m.fetchKeys(ctx, p, pk, pushdown(r, pk))
		if err != nil {
			return keySource{}, err
		}
		joined = join(joined, have, keys, pk)
		for _, a := range pk {
			if !slices.Contains(have, a) {
				have = append(have, a)
			}
		}
		if len(joined) == 0 {
			break
		}
	}

	var candidates []types.Key
	for _, k := range joined {
		if r.Match(k) {
			candidates = append(candidates, k)
		}
	}

	done, err := m.fetchKeys(ctx, e.Name, attrs, r)
	if err != nil {
		return keySource{}, err
	}
	seen := make(map[string]bool, len(done))
	for _, k := range done {
		seen[k.Encode(attrs)] = true
	}

	src := keySource{attrs: attrs, total: len(candidates)}
	for _, k := range candidates {
		if !seen[k.Encode(attrs)] {
			src.pending = append(src.pending, k)
		}
	}
	slices.SortFunc(src.pending, func(a, b types.Key) int {
		return types.CompareKeys(a, b, attrs)
	})
	return src, nil
}

// fetchKeys returns the distinct projections of entity's rows onto attrs.
func (m *Materializer) fetchKeys(ctx context.Context, entity string, attrs []string, p types.Predicate) ([]types.Key, error) {
	seen := make(map[string]bool)
	var keys []types.Key
	for row, err := range m.store.Fetch(ctx, entity, p) {
		if err != nil {
			return nil, err
		}
		k := row.Project(attrs)
		id := k.Encode(attrs)
		if !seen[id] {
			seen[id] = true
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// pushdown keeps the conditions of p that only reference attrs.
func pushdown(p types.Predicate, attrs []string) types.Predicate {
	var out types.Predicate
	for _, c := range p.Conds {
		if slices.Contains(attrs, c.Attr) {
			out.Conds = append(out.Conds, c)
		}
	}
	return out
}

// join combines left keys (over leftAttrs) with right keys (over
// rightAttrs) on their shared attributes. Without shared attributes it is
// the cross product.
func join(left []types.Key, leftAttrs []string, right []types.Key, rightAttrs []string) []types.Key {
	var shared []string
	for _, a := range rightAttrs {
		if slices.Contains(leftAttrs, a) {
			shared = append(shared, a)
		}
	}

	index := make(map[string][]types.Key, len(right))
	for _, k := range right {
		id := k.Encode(shared)
		index[id] = append(index[id], k)
	}

	var out []types.Key
	for _, l := range left {
		for _, r := range index[l.Encode(shared)] {
			merged := make(types.Key, len(l)+len(r))
			for a, v := range l {
				merged[a] = v
			}
			for a, v := range r {
				merged[a] = v
			}
			out = append(out, merged)
		}
	}
	return out
}
