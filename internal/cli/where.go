package cli

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// whereOps are tried in order, so two-character operators come first.
var whereOps = []types.Op{types.OpNe, types.OpLe, types.OpGe, types.OpEq, types.OpLt, types.OpGt}

// parseWhere turns expressions like "sdp_id=0", "depth>=150" or
// "session_date!=null" into a predicate over e. For attributes that are not
// text, "a=lo..hi" is an inclusive range and "a=x,y,z" a set.
func parseWhere(e *types.EntityType, exprs []string) (types.Predicate, error) {
	p := types.All()
	for _, expr := range exprs {
		c, err := parseCond(e, expr)
		if err != nil {
			return types.Predicate{}, err
		}
		p.Conds = append(p.Conds, c)
	}
	return p, nil
}

func parseCond(e *types.EntityType, expr string) (types.Cond, error) {
	i := strings.IndexAny(expr, "!<>=")
	if i <= 0 {
		return types.Cond{}, usageErrorf("invalid --where %q (expected attr=value)", expr)
	}
	name, rest := strings.TrimSpace(expr[:i]), expr[i:]
	attr, ok := e.Attr(name)
	if !ok {
		return types.Cond{}, fmt.Errorf("%w: %s has no attribute %s", types.ErrInvalidFilter, e.Name, name)
	}

	var op types.Op
	for _, o := range whereOps {
		if strings.HasPrefix(rest, string(o)) {
			op = o
			break
		}
	}
	if op == "" {
		return types.Cond{}, usageErrorf("invalid operator in --where %q", expr)
	}
	raw := rest[len(op):]

	if op == types.OpEq && attr.Type != types.AttrText {
		if lo, hi, ok := strings.Cut(raw, ".."); ok {
			lv, err := attr.Parse(lo)
			if err != nil {
				return types.Cond{}, err
			}
			hv, err := attr.Parse(hi)
			if err != nil {
				return types.Cond{}, err
			}
			return types.Between(name, lv, hv), nil
		}
		if strings.Contains(raw, ",") {
			var vs []any
			for _, s := range strings.Split(raw, ",") {
				v, err := attr.Parse(s)
				if err != nil {
					return types.Cond{}, err
				}
				vs = append(vs, v)
			}
			return types.In(name, vs...), nil
		}
	}

	if raw == "null" {
		return types.Cmp(name, op, nil), nil
	}
	v, err := attr.Parse(raw)
	if err != nil {
		return types.Cond{}, err
	}
	return types.Cmp(name, op, v), nil
}
