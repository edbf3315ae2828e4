package types

import (
	"fmt"
	"slices"
)

// Op is a comparison operator in a Cond.
type Op string

// Supported operators.
const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpLt      Op = "<"
	OpLe      Op = "<="
	OpGt      Op = ">"
	OpGe      Op = ">="
	OpBetween Op = "between"
	OpIn      Op = "in"
)

// Cond restricts one attribute. Between uses Value as the inclusive lower
// bound and Upper as the inclusive upper bound; In uses Values.
type Cond struct {
	Attr   string
	Op     Op
	Value  any
	Upper  any
	Values []any
}

// Order sorts fetched rows by one attribute.
type Order struct {
	Attr string
	Desc bool
}

// Predicate selects rows: every Cond must hold. OrderBy and Limit apply to
// Fetch only; row order is unspecified without OrderBy.
type Predicate struct {
	Conds   []Cond
	OrderBy []Order
	Limit   int
}

// All matches every row.
func All() Predicate {
	return Predicate{}
}

// Where builds a predicate from conditions.
func Where(conds ...Cond) Predicate {
	return Predicate{Conds: conds}
}

// Eq is an exact-match condition.
func Eq(attr string, v any) Cond {
	return Cond{Attr: attr, Op: OpEq, Value: v}
}

// Cmp is a comparison condition.
func Cmp(attr string, op Op, v any) Cond {
	return Cond{Attr: attr, Op: op, Value: v}
}

// Between is an inclusive range condition.
func Between(attr string, lo, hi any) Cond {
	return Cond{Attr: attr, Op: OpBetween, Value: lo, Upper: hi}
}

// In is a set-membership condition.
func In(attr string, vs ...any) Cond {
	return Cond{Attr: attr, Op: OpIn, Values: vs}
}

// KeyPredicate matches rows whose attributes equal every value in k.
func KeyPredicate(k Key) Predicate {
	names := k.Names()
	conds := make([]Cond, len(names))
	for i, n := range names {
		conds[i] = Eq(n, k[n])
	}
	return Predicate{Conds: conds}
}

// And returns p with additional conditions.
func (p Predicate) And(conds ...Cond) Predicate {
	out := p
	out.Conds = append(slices.Clone(p.Conds), conds...)
	return out
}

// Ordered returns p sorted by attr.
func (p Predicate) Ordered(attr string, desc bool) Predicate {
	out := p
	out.OrderBy = append(slices.Clone(p.OrderBy), Order{Attr: attr, Desc: desc})
	return out
}

// Attrs returns the attributes the conditions reference.
func (p Predicate) Attrs() []string {
	var attrs []string
	for _, c := range p.Conds {
		if !slices.Contains(attrs, c.Attr) {
			attrs = append(attrs, c.Attr)
		}
	}
	return attrs
}

// Normalize checks p against e and returns a copy whose values are
// normalized to the attribute types. Unknown attributes or operators
// return ErrInvalidFilter.
func (p Predicate) Normalize(e *EntityType) (Predicate, error) {
	out := Predicate{Limit: p.Limit}
	if p.Limit < 0 {
		return out, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	for _, c := range p.Conds {
		a, ok := e.Attr(c.Attr)
		if !ok {
			return out, fmt.Errorf("%w: %s has no attribute %q", ErrInvalidFilter, e.Name, c.Attr)
		}
		// Comparisons against null are only meaningful for = and !=.
		a.Nullable = true
		nc := Cond{Attr: c.Attr, Op: c.Op}
		var err error
		switch c.Op {
		case OpEq, OpNe:
			nc.Value, err = a.Normalize(c.Value)
		case OpLt, OpLe, OpGt, OpGe:
			if c.Value == nil {
				return out, fmt.Errorf("%w: %s %s null", ErrInvalidFilter, c.Attr, c.Op)
			}
			nc.Value, err = a.Normalize(c.Value)
		case OpBetween:
			if c.Value == nil || c.Upper == nil {
				return out, fmt.Errorf("%w: between on %s needs both bounds", ErrInvalidFilter, c.Attr)
			}
			if nc.Value, err = a.Normalize(c.Value); err == nil {
				nc.Upper, err = a.Normalize(c.Upper)
			}
		case OpIn:
			nc.Values = make([]any, len(c.Values))
			for i, v := range c.Values {
				if nc.Values[i], err = a.Normalize(v); err != nil {
					break
				}
			}
		default:
			return out, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, c.Op)
		}
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		out.Conds = append(out.Conds, nc)
	}
	for _, o := range p.OrderBy {
		if _, ok := e.Attr(o.Attr); !ok {
			return out, fmt.Errorf("%w: cannot order %s by %q", ErrInvalidFilter, e.Name, o.Attr)
		}
		out.OrderBy = append(out.OrderBy, o)
	}
	return out, nil
}

// Match reports whether r satisfies every condition. Values must already
// be normalized. Null never satisfies an ordering comparison.
func (p Predicate) Match(r map[string]any) bool {
	for _, c := range p.Conds {
		if !c.match(r[c.Attr]) {
			return false
		}
	}
	return true
}

func (c Cond) match(v any) bool {
	switch c.Op {
	case OpEq:
		if c.Value == nil || v == nil {
			return c.Value == nil && v == nil
		}
		return CompareValues(v, c.Value) == 0
	case OpNe:
		if c.Value == nil || v == nil {
			return (c.Value == nil) != (v == nil)
		}
		return CompareValues(v, c.Value) != 0
	}
	if v == nil {
		return false
	}
	switch c.Op {
	case OpLt:
		return CompareValues(v, c.Value) < 0
	case OpLe:
		return CompareValues(v, c.Value) <= 0
	case OpGt:
		return CompareValues(v, c.Value) > 0
	case OpGe:
		return CompareValues(v, c.Value) >= 0
	case OpBetween:
		return CompareValues(v, c.Value) >= 0 && CompareValues(v, c.Upper) <= 0
	case OpIn:
		for _, x := range c.Values {
			if x != nil && CompareValues(v, x) == 0 {
				return true
			}
		}
	}
	return false
}

// SortRows orders rows in place by the given orderings.
func SortRows(rows []Row, order []Order) {
	if len(order) == 0 {
		return
	}
	slices.SortStableFunc(rows, func(a, b Row) int {
		for _, o := range order {
			c := CompareValues(a[o.Attr], b[o.Attr])
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}
