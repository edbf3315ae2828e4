// Package memory implements the larder store in process memory. Each
// entity type is a B-tree ordered by primary key. Committed trees are never
// modified: a write transaction clones the trees it touches and swaps them
// in on commit, so readers iterate a stable snapshot without locks.
package memory

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

const degree = 32

type tree = btree.BTreeG[types.Row]

// Store implements types.Store in memory.
type Store struct {
	schema *schema.Schema
	logger *slog.Logger
	jobs   *jobLog

	mu     sync.RWMutex // guards tables and closed
	tables map[string]*tree
	closed bool

	writeMu sync.Mutex // serializes write transactions
}

var _ types.Store = (*Store)(nil)

// New returns an empty store for the entity types in sch.
func New(sch *schema.Schema, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		schema: sch,
		logger: logger,
		tables: make(map[string]*tree),
	}
	for _, name := range sch.Order() {
		e, _ := sch.Entity(name)
		pk := e.PrimaryKey()
		s.tables[name] = btree.NewG(degree, func(a, b types.Row) bool {
			return types.CompareKeys(a, b, pk) < 0
		})
	}
	s.jobs = newJobLog(s)
	return s
}

// snapshot returns the committed tree of entity.
func (s *Store) snapshot(entity string) (*tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	t, ok := s.tables[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntity, entity)
	}
	return t, nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Insert adds rows to entity in one transaction.
func (s *Store) Insert(ctx context.Context, entity string, rows []types.Row, onDup types.OnDuplicate) (int, error) {
	n := 0
	err := s.Transact(ctx, func(t types.Tx) error {
		for _, r := range rows {
			ok, err := t.Insert(entity, r, onDup)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Fetch iterates the committed snapshot taken when each pass starts.
func (s *Store) Fetch(ctx context.Context, entity string, p types.Predicate) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		t, err := s.snapshot(entity)
		if err != nil {
			yield(nil, err)
			return
		}
		e, np, err := s.prepare(entity, p)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, r := range scan(t, e, np) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Count returns the number of committed rows matching p.
func (s *Store) Count(ctx context.Context, entity string, p types.Predicate) (int, error) {
	t, err := s.snapshot(entity)
	if err != nil {
		return 0, err
	}
	_, np, err := s.prepare(entity, p)
	if err != nil {
		return 0, err
	}
	np.OrderBy, np.Limit = nil, 0
	return countMatches(t, np), nil
}

// Delete removes rows matching p in one transaction.
func (s *Store) Delete(ctx context.Context, entity string, p types.Predicate) (int, error) {
	n := 0
	err := s.Transact(ctx, func(t types.Tx) error {
		var err error
		n, err = t.Delete(entity, p)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Transact runs fn against private copies of the trees it writes and
// publishes them together when fn succeeds.
func (s *Store) Transact(ctx context.Context, fn func(types.Tx) error) error {
	if s.isClosed() {
		return types.ErrStoreClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t := &tx{store: s, working: make(map[string]*tree)}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	for name, wt := range t.working {
		s.tables[name] = wt
	}
	return nil
}

// Jobs returns the in-memory job log.
func (s *Store) Jobs() types.JobLog {
	return s.jobs
}

// Close discards every row. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) prepare(entity string, p types.Predicate) (*types.EntityType, types.Predicate, error) {
	e, err := s.schema.Entity(entity)
	if err != nil {
		return nil, p, err
	}
	np, err := p.Normalize(e)
	if err != nil {
		return nil, p, err
	}
	return e, np, nil
}

// scan returns copies of the rows of t matching p, ordered and limited as
// p asks. Without OrderBy rows come in primary-key order.
func scan(t *tree, e *types.EntityType, p types.Predicate) []types.Row {
	var out []types.Row
	t.Ascend(func(r types.Row) bool {
		if p.Match(r) {
			out = append(out, r.Clone())
		}
		return len(p.OrderBy) > 0 || p.Limit == 0 || len(out) < p.Limit
	})
	types.SortRows(out, p.OrderBy)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out
}

func countMatches(t *tree, p types.Predicate) int {
	n := 0
	t.Ascend(func(r types.Row) bool {
		if p.Match(r) {
			n++
		}
		return true
	})
	return n
}

// tx implements types.Tx. Reads see working copies first so the
// transaction observes its own writes.
type tx struct {
	store   *Store
	working map[string]*tree
}

var _ types.Tx = (*tx)(nil)

// table returns the tree of entity as seen by the transaction. When write is
// set the committed tree is cloned on first use.
func (t *tx) table(entity string, write bool) (*tree, error) {
	if wt, ok := t.working[entity]; ok {
		return wt, nil
	}
	base, err := t.store.snapshot(entity)
	if err != nil {
		return nil, err
	}
	if !write {
		return base, nil
	}
	wt := base.Clone()
	t.working[entity] = wt
	return wt, nil
}

func (t *tx) Insert(entity string, row types.Row, onDup types.OnDuplicate) (bool, error) {
	sch := t.store.schema
	e, err := sch.Entity(entity)
	if err != nil {
		return false, err
	}
	r, err := e.NormalizeRow(row)
	if err != nil {
		return false, err
	}

	cur, err := t.table(entity, false)
	if err != nil {
		return false, err
	}
	key := e.KeyOf(r)
	if cur.Has(r) {
		if onDup == types.OnDuplicateSkip {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s (%s)", types.ErrDuplicateKey, entity, key)
	}

	for _, p := range sch.ParentsOf(entity) {
		pe, err := sch.Entity(p)
		if err != nil {
			return false, err
		}
		pt, err := t.table(p, false)
		if err != nil {
			return false, err
		}
		pk := r.Project(pe.PrimaryKey())
		if !pt.Has(pk.Row()) {
			return false, fmt.Errorf("%w: %s row (%s) has no %s (%s)", types.ErrMissingParent, entity, key, p, pk)
		}
	}

	wt, err := t.table(entity, true)
	if err != nil {
		return false, err
	}
	wt.ReplaceOrInsert(r)
	return true, nil
}

func (t *tx) Fetch(entity string, p types.Predicate) ([]types.Row, error) {
	e, np, err := t.store.prepare(entity, p)
	if err != nil {
		return nil, err
	}
	cur, err := t.table(entity, false)
	if err != nil {
		return nil, err
	}
	return scan(cur, e, np), nil
}

func (t *tx) Count(entity string, p types.Predicate) (int, error) {
	_, np, err := t.store.prepare(entity, p)
	if err != nil {
		return 0, err
	}
	cur, err := t.table(entity, false)
	if err != nil {
		return 0, err
	}
	return countMatches(cur, np), nil
}

// Delete removes matching rows unless a dependent row references one of
// them.
func (t *tx) Delete(entity string, p types.Predicate) (int, error) {
	sch := t.store.schema
	e, np, err := t.store.prepare(entity, p)
	if err != nil {
		return 0, err
	}
	np.OrderBy, np.Limit = nil, 0
	cur, err := t.table(entity, false)
	if err != nil {
		return 0, err
	}
	victims := scan(cur, e, np)
	if len(victims) == 0 {
		return 0, nil
	}

	pk := e.PrimaryKey()
	for _, child := range sch.ChildrenOf(entity) {
		ct, err := t.table(child, false)
		if err != nil {
			return 0, err
		}
		referenced := false
		ct.Ascend(func(r types.Row) bool {
			if parent, ok := cur.Get(r.Project(pk).Row()); ok && np.Match(parent) {
				referenced = true
			}
			return !referenced
		})
		if referenced {
			return 0, fmt.Errorf("%w: %s rows still reference %s", types.ErrForeignKeyViolation, child, entity)
		}
	}

	wt, err := t.table(entity, true)
	if err != nil {
		return 0, err
	}
	for _, r := range victims {
		wt.Delete(r)
	}
	return len(victims), nil
}
