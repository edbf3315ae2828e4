package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// column qualifies an attribute with a table alias when one is given.
func column(alias, attr string) string {
	if alias == "" {
		return quoteIdent(attr)
	}
	return alias + "." + quoteIdent(attr)
}

// whereSQL compiles the conditions of a normalized predicate. It returns
// "1" for a predicate without conditions.
func whereSQL(alias string, p types.Predicate) (string, []any) {
	if len(p.Conds) == 0 {
		return "1", nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, c := range p.Conds {
		col := column(alias, c.Attr)
		switch c.Op {
		case types.OpEq:
			if c.Value == nil {
				clauses = append(clauses, col+" IS NULL")
				continue
			}
			clauses = append(clauses, col+" = ?")
			args = append(args, c.Value)
		case types.OpNe:
			if c.Value == nil {
				clauses = append(clauses, col+" IS NOT NULL")
				continue
			}
			clauses = append(clauses, fmt.Sprintf("(%s IS NULL OR %s != ?)", col, col))
			args = append(args, c.Value)
		case types.OpLt, types.OpLe, types.OpGt, types.OpGe:
			clauses = append(clauses, fmt.Sprintf("%s %s ?", col, c.Op))
			args = append(args, c.Value)
		case types.OpBetween:
			clauses = append(clauses, col+" BETWEEN ? AND ?")
			args = append(args, c.Value, c.Upper)
		case types.OpIn:
			var marks []string
			for _, v := range c.Values {
				if v == nil {
					continue
				}
				marks = append(marks, "?")
				args = append(args, v)
			}
			if len(marks) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")))
		}
	}
	return strings.Join(clauses, " AND "), args
}

// selectSQL builds the query Fetch runs for a normalized predicate.
func selectSQL(e *types.EntityType, p types.Predicate) (string, []any) {
	where, args := whereSQL("", p)
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", identList(e.AttributeNames()), quoteIdent(e.Name), where)
	if len(p.OrderBy) > 0 {
		order := make([]string, len(p.OrderBy))
		for i, o := range p.OrderBy {
			order[i] = quoteIdent(o.Attr)
			if o.Desc {
				order[i] += " DESC"
			}
		}
		sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}
	if p.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", p.Limit)
	}
	return sb.String(), args
}

// keyOrder sorts by primary key.
func keyOrder(e *types.EntityType) []types.Order {
	pk := e.PrimaryKey()
	order := make([]types.Order, len(pk))
	for i, a := range pk {
		order[i] = types.Order{Attr: a}
	}
	return order
}

// fetchRows runs a normalized predicate and collects the rows.
func fetchRows(ctx context.Context, q querier, e *types.EntityType, p types.Predicate) ([]types.Row, error) {
	query, args := selectSQL(e, p)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", e.Name, err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		r, err := scanRow(rows, e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", e.Name, err)
	}
	return out, nil
}

func countRows(ctx context.Context, q querier, e *types.EntityType, p types.Predicate) (int, error) {
	where, args := whereSQL("", p)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteIdent(e.Name), where)
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", e.Name, err)
	}
	return n, nil
}

// scanRow reads one result row into a normalized types.Row.
func scanRow(rows *sql.Rows, e *types.EntityType) (types.Row, error) {
	vals := make([]any, len(e.Attributes))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", e.Name, err)
	}
	r := make(types.Row, len(vals))
	for i, a := range e.Attributes {
		v := vals[i]
		if v == nil && a.Type == types.AttrBlob && !a.Nullable {
			// Zero-length blobs may come back as NULL.
			v = []byte{}
		}
		nv, err := a.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("decoding %s.%s: %w", e.Name, a.Name, err)
		}
		r[a.Name] = nv
	}
	return r, nil
}

// mapError translates SQLite constraint failures into store errors. fk is
// the error reported for a foreign key failure.
func mapError(err error, fk error) error {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %v", types.ErrDuplicateKey, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %v", fk, err)
	case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return fmt.Errorf("%w: %v", types.ErrInvalidRow, err)
	}
	return err
}
