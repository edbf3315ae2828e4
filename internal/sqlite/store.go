package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Insert adds rows to entity in one transaction.
func (b *Backend) Insert(ctx context.Context, entity string, rows []types.Row, onDup types.OnDuplicate) (int, error) {
	n := 0
	err := b.Transact(ctx, func(t types.Tx) error {
		n = 0
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

// Fetch streams rows matching p from the committed state. The database
// lock is not held between rows.
func (b *Backend) Fetch(ctx context.Context, entity string, p types.Predicate) iter.Seq2[types.Row, error] {
	return func(yield func(types.Row, error) bool) {
		db, err := b.handle()
		if err != nil {
			yield(nil, err)
			return
		}
		e, np, err := prepare(b.schema, entity, p)
		if err != nil {
			yield(nil, err)
			return
		}
		query, args := selectSQL(e, np)
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("querying %s: %w", entity, err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows, e)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterating %s: %w", entity, err))
		}
	}
}

// Count returns the number of committed rows matching p.
func (b *Backend) Count(ctx context.Context, entity string, p types.Predicate) (int, error) {
	db, err := b.handle()
	if err != nil {
		return 0, err
	}
	e, np, err := prepare(b.schema, entity, p)
	if err != nil {
		return 0, err
	}
	return countRows(ctx, db, e, np)
}

// Delete removes rows matching p in one transaction.
func (b *Backend) Delete(ctx context.Context, entity string, p types.Predicate) (int, error) {
	n := 0
	err := b.Transact(ctx, func(t types.Tx) error {
		var err error
		n, err = t.Delete(entity, p)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Transact runs fn in one write transaction. Write transactions are
// serialized; JSONL files of changed entities are rewritten after commit
// (or at Close for the on_close strategy).
func (b *Backend) Transact(ctx context.Context, fn func(types.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrStoreClosed
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	t := newTx(ctx, sqlTx, b.schema)
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return b.afterCommit(t.changed)
}

// prepare resolves entity and normalizes p against it.
func prepare(sch *schema.Schema, entity string, p types.Predicate) (*types.EntityType, types.Predicate, error) {
	e, err := sch.Entity(entity)
	if err != nil {
		return nil, p, err
	}
	np, err := p.Normalize(e)
	if err != nil {
		return nil, p, err
	}
	return e, np, nil
}

// tx implements types.Tx over a database transaction.
type tx struct {
	ctx     context.Context
	tx      *sql.Tx
	schema  *schema.Schema
	changed map[string]bool
}

var _ types.Tx = (*tx)(nil)

func newTx(ctx context.Context, sqlTx *sql.Tx, sch *schema.Schema) *tx {
	return &tx{ctx: ctx, tx: sqlTx, schema: sch, changed: make(map[string]bool)}
}

// Insert validates row, checks the primary key and every parent row, and
// inserts it.
func (t *tx) Insert(entity string, row types.Row, onDup types.OnDuplicate) (bool, error) {
	e, err := t.schema.Entity(entity)
	if err != nil {
		return false, err
	}
	r, err := e.NormalizeRow(row)
	if err != nil {
		return false, err
	}

	key := e.KeyOf(r)
	exists, err := t.exists(e, key)
	if err != nil {
		return false, err
	}
	if exists {
		if onDup == types.OnDuplicateSkip {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s (%s)", types.ErrDuplicateKey, entity, key)
	}

	for _, p := range t.schema.ParentsOf(entity) {
		pe, err := t.schema.Entity(p)
		if err != nil {
			return false, err
		}
		pk := r.Project(pe.PrimaryKey())
		ok, err := t.exists(pe, pk)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%w: %s row (%s) has no %s (%s)", types.ErrMissingParent, entity, key, p, pk)
		}
	}

	cols := e.AttributeNames()
	args := make([]any, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		args[i] = r[c]
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(entity), identList(cols), strings.Join(marks, ", "))
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return false, fmt.Errorf("inserting into %s: %w", entity, mapError(err, types.ErrMissingParent))
	}
	t.changed[entity] = true
	return true, nil
}

// exists reports whether e has a row with the given primary key.
func (t *tx) exists(e *types.EntityType, key types.Key) (bool, error) {
	where, args := whereSQL("", types.KeyPredicate(key))
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", quoteIdent(e.Name), where)
	var one int
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", e.Name, err)
	}
	return true, nil
}

func (t *tx) Fetch(entity string, p types.Predicate) ([]types.Row, error) {
	e, np, err := prepare(t.schema, entity, p)
	if err != nil {
		return nil, err
	}
	return fetchRows(t.ctx, t.tx, e, np)
}

func (t *tx) Count(entity string, p types.Predicate) (int, error) {
	e, np, err := prepare(t.schema, entity, p)
	if err != nil {
		return 0, err
	}
	return countRows(t.ctx, t.tx, e, np)
}

// Delete removes matching rows. It fails with ErrForeignKeyViolation when
// any dependent row still references a matched row.
func (t *tx) Delete(entity string, p types.Predicate) (int, error) {
	e, np, err := prepare(t.schema, entity, p)
	if err != nil {
		return 0, err
	}

	for _, child := range t.schema.ChildrenOf(entity) {
		referenced, err := t.referenced(e, child, np)
		if err != nil {
			return 0, err
		}
		if referenced {
			return 0, fmt.Errorf("%w: %s rows still reference %s", types.ErrForeignKeyViolation, child, entity)
		}
	}

	where, args := whereSQL("", np)
	res, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(entity), where), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", entity, mapError(err, types.ErrForeignKeyViolation))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.changed[entity] = true
	}
	return int(n), nil
}

// referenced reports whether child holds a row pointing at a row of e
// selected by p.
func (t *tx) referenced(e *types.EntityType, child string, p types.Predicate) (bool, error) {
	pk := e.PrimaryKey()
	join := make([]string, len(pk))
	for i, a := range pk {
		join[i] = fmt.Sprintf("%s = %s", column("c", a), column("m", a))
	}
	where, args := whereSQL("m", p)
	query := fmt.Sprintf(
		"SELECT 1 FROM %s AS c WHERE EXISTS (SELECT 1 FROM %s AS m WHERE %s AND %s) LIMIT 1",
		quoteIdent(child), quoteIdent(e.Name), strings.Join(join, " AND "), where)
	var one int
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking references from %s: %w", child, err)
	}
	return true, nil
}
