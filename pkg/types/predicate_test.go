package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionType() *EntityType {
	return &EntityType{
		Name: "Session",
		Attributes: []Attribute{
			{Name: "mouse_id", Type: AttrInt, Primary: true},
			{Name: "session_date", Type: AttrDate, Primary: true},
			{Name: "depth", Type: AttrFloat},
			{Name: "note", Type: AttrText, Nullable: true},
		},
	}
}

func TestPredicateNormalize(t *testing.T) {
	e := sessionType()

	p, err := Where(Eq("mouse_id", 3), Between("depth", 1, 2.5), In("session_date", "2017-05-15")).
		Ordered("session_date", true).Normalize(e)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Conds[0].Value)
	assert.Equal(t, 1.0, p.Conds[1].Value)
	assert.Equal(t, []Order{{Attr: "session_date", Desc: true}}, p.OrderBy)

	_, err = Where(Eq("note", nil)).Normalize(e)
	assert.NoError(t, err, "null equality is allowed on any attribute")

	tests := []struct {
		name string
		p    Predicate
	}{
		{"unknown attribute", Where(Eq("weight", 1))},
		{"bad value", Where(Eq("mouse_id", "three"))},
		{"bad date", Where(Eq("session_date", "yesterday"))},
		{"ordering against null", Where(Cmp("depth", OpLt, nil))},
		{"between missing bound", Where(Between("depth", 1, nil))},
		{"unknown op", Where(Cmp("depth", "~", 1))},
		{"negative limit", Predicate{Limit: -1}},
		{"unknown order", All().Ordered("weight", false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Normalize(e)
			assert.ErrorIs(t, err, ErrInvalidFilter)
		})
	}
}

func TestPredicateMatch(t *testing.T) {
	row := Row{"mouse_id": int64(0), "session_date": "2017-05-15", "depth": 150.0, "note": nil}

	tests := []struct {
		name string
		cond Cond
		want bool
	}{
		{"eq", Eq("mouse_id", int64(0)), true},
		{"eq int against float", Eq("depth", int64(150)), true},
		{"ne", Cmp("mouse_id", OpNe, int64(0)), false},
		{"ne null", Cmp("note", OpNe, "x"), true},
		{"eq null", Eq("note", nil), true},
		{"ne against null", Cmp("mouse_id", OpNe, nil), true},
		{"lt", Cmp("depth", OpLt, 200.0), true},
		{"le", Cmp("depth", OpLe, 150.0), true},
		{"gt", Cmp("session_date", OpGt, "2017-05-15"), false},
		{"ge", Cmp("session_date", OpGe, "2017-05-15"), true},
		{"null never orders", Cmp("note", OpLt, "z"), false},
		{"between", Between("depth", 100.0, 150.0), true},
		{"in", In("mouse_id", int64(5), int64(0)), true},
		{"in skips null", In("note", nil), false},
		{"empty in", In("mouse_id"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Where(tt.cond).Match(row))
		})
	}
	assert.True(t, All().Match(row))
}

func TestKeyPredicate(t *testing.T) {
	p := KeyPredicate(Key{"session_date": "2017-05-15", "mouse_id": int64(0)})
	assert.Equal(t, []string{"mouse_id", "session_date"}, p.Attrs())
	assert.True(t, p.Match(Row{"mouse_id": int64(0), "session_date": "2017-05-15", "depth": 1.0}))
	assert.False(t, p.Match(Row{"mouse_id": int64(1), "session_date": "2017-05-15"}))
}

func TestPredicateAndDoesNotAlias(t *testing.T) {
	base := Where(Eq("mouse_id", int64(0)))
	a := base.And(Eq("depth", 1.0))
	b := base.And(Eq("depth", 2.0))
	assert.Len(t, base.Conds, 1)
	assert.Equal(t, 1.0, a.Conds[1].Value)
	assert.Equal(t, 2.0, b.Conds[1].Value)
}

func TestSortRows(t *testing.T) {
	rows := []Row{
		{"mouse_id": int64(1), "depth": 2.0},
		{"mouse_id": int64(0), "depth": 2.0},
		{"mouse_id": int64(2), "depth": 1.0},
	}
	SortRows(rows, []Order{{Attr: "depth", Desc: true}, {Attr: "mouse_id"}})
	assert.Equal(t, []any{int64(0), int64(1), int64(2)},
		[]any{rows[0]["mouse_id"], rows[1]["mouse_id"], rows[2]["mouse_id"]})
}
