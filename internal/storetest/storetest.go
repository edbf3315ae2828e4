// Package storetest holds the behavior every types.Store engine must share.
// Engine packages call Run from their tests with a factory that opens a
// fresh store for the schema returned by Schema.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Factory opens an empty store for sch. The store is closed by the suite.
type Factory func(t *testing.T, sch *schema.Schema) types.Store

// Schema returns a small pipeline covering every entity kind:
//
//	Mouse -> Session -> Result <- Param
//	                    Result.Item (part)
func Schema(t testing.TB) *schema.Schema {
	t.Helper()
	s := schema.New()
	require.NoError(t, s.Define(types.EntityType{
		Name: "Mouse",
		Attributes: []types.Attribute{
			{Name: "mouse_id", Type: types.AttrInt, Primary: true},
			{Name: "dob", Type: types.AttrDate},
			{Name: "sex", Type: types.AttrEnum, EnumValues: []string{"M", "F", "U"}, Default: "U"},
		},
	}))
	require.NoError(t, s.Define(types.EntityType{
		Name:    "Session",
		Parents: []string{"Mouse"},
		Attributes: []types.Attribute{
			{Name: "session_date", Type: types.AttrDate, Primary: true},
			{Name: "experimenter", Type: types.AttrText},
			{Name: "note", Type: types.AttrText, Nullable: true},
		},
	}))
	require.NoError(t, s.Define(types.EntityType{
		Name: "Param",
		Attributes: []types.Attribute{
			{Name: "param_id", Type: types.AttrInt, Primary: true},
			{Name: "threshold", Type: types.AttrFloat},
		},
	}))
	require.NoError(t, s.Define(types.EntityType{
		Name:    "Result",
		Kind:    types.KindMaterialized,
		Parents: []string{"Session", "Param"},
		Attributes: []types.Attribute{
			{Name: "value", Type: types.AttrFloat},
		},
	}))
	require.NoError(t, s.Define(types.EntityType{
		Name:   "Result.Item",
		Kind:   types.KindPart,
		Master: "Result",
		Attributes: []types.Attribute{
			{Name: "item_id", Type: types.AttrInt, Primary: true},
			{Name: "payload", Type: types.AttrBlob, Nullable: true},
		},
	}))
	return s
}

// Run executes the shared store behavior against stores from open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, types.Store)
	}{
		{"InsertAndFetch", testInsertAndFetch},
		{"DuplicateKey", testDuplicateKey},
		{"MissingParent", testMissingParent},
		{"InvalidRow", testInvalidRow},
		{"Predicates", testPredicates},
		{"DeleteReferenced", testDeleteReferenced},
		{"TransactRollback", testTransactRollback},
		{"TransactSeesOwnWrites", testTransactSeesOwnWrites},
		{"ConcurrentWriters", testConcurrentWriters},
		{"JobLog", testJobLog},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := open(t, Schema(t))
			t.Cleanup(func() { st.Close() })
			tt.fn(t, st)
		})
	}
}

// Seed inserts two mice, three sessions and two params.
func Seed(t testing.TB, st types.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Insert(ctx, "Mouse", []types.Row{
		{"mouse_id": 0, "dob": "2017-03-01", "sex": "M"},
		{"mouse_id": 1, "dob": "2016-11-19"},
	}, types.OnDuplicateFail)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "Session", []types.Row{
		{"mouse_id": 0, "session_date": "2017-05-15", "experimenter": "Edgar"},
		{"mouse_id": 0, "session_date": "2017-05-19", "experimenter": "Edgar"},
		{"mouse_id": 1, "session_date": "2017-01-05", "experimenter": "Jake", "note": "short"},
	}, types.OnDuplicateFail)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "Param", []types.Row{
		{"param_id": 0, "threshold": 0.5},
		{"param_id": 1, "threshold": 0.9},
	}, types.OnDuplicateFail)
	require.NoError(t, err)
}

// Collect drains a Fetch sequence.
func Collect(t testing.TB, st types.Store, entity string, p types.Predicate) []types.Row {
	t.Helper()
	var rows []types.Row
	for r, err := range st.Fetch(context.Background(), entity, p) {
		require.NoError(t, err)
		rows = append(rows, r)
	}
	return rows
}

func testInsertAndFetch(t *testing.T, st types.Store) {
	Seed(t, st)

	rows := Collect(t, st, "Mouse", types.All().Ordered("mouse_id", false))
	require.Len(t, rows, 2)
	assert.Equal(t, types.Row{"mouse_id": int64(0), "dob": "2017-03-01", "sex": "M"}, rows[0])
	assert.Equal(t, "U", rows[1]["sex"], "default fills missing attribute")

	sessions := Collect(t, st, "Session", types.Where(types.Eq("mouse_id", 1)))
	require.Len(t, sessions, 1)
	assert.Equal(t, "short", sessions[0]["note"])

	sessions = Collect(t, st, "Session", types.Where(types.Eq("mouse_id", 0)))
	require.Len(t, sessions, 2)
	assert.Nil(t, sessions[0]["note"])

	n, err := st.Count(context.Background(), "Session", types.All())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// A part row round-trips its blob.
	ctx := context.Background()
	_, err = st.Insert(ctx, "Result", []types.Row{
		{"mouse_id": 0, "session_date": "2017-05-15", "param_id": 0, "value": 1.5},
	}, types.OnDuplicateFail)
	require.NoError(t, err)
	_, err = st.Insert(ctx, "Result.Item", []types.Row{
		{"mouse_id": 0, "session_date": "2017-05-15", "param_id": 0, "item_id": 3, "payload": []byte{1, 2, 3}},
	}, types.OnDuplicateFail)
	require.NoError(t, err)
	items := Collect(t, st, "Result.Item", types.All())
	require.Len(t, items, 1)
	assert.Equal(t, []byte{1, 2, 3}, items[0]["payload"])
}

func testDuplicateKey(t *testing.T, st types.Store) {
	Seed(t, st)
	ctx := context.Background()

	_, err := st.Insert(ctx, "Mouse", []types.Row{{"mouse_id": 0, "dob": "2018-01-01"}}, types.OnDuplicateFail)
	assert.ErrorIs(t, err, types.ErrDuplicateKey)

	n, err := st.Insert(ctx, "Mouse", []types.Row{
		{"mouse_id": 0, "dob": "2018-01-01"},
		{"mouse_id": 2, "dob": "2018-01-01"},
	}, types.OnDuplicateSkip)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := Collect(t, st, "Mouse", types.Where(types.Eq("mouse_id", 0)))
	require.Len(t, rows, 1)
	assert.Equal(t, "2017-03-01", rows[0]["dob"], "skipped duplicate leaves the row unchanged")
}

func testMissingParent(t *testing.T, st types.Store) {
	Seed(t, st)
	ctx := context.Background()

	_, err := st.Insert(ctx, "Session", []types.Row{
		{"mouse_id": 9, "session_date": "2017-05-15", "experimenter": "Nobody"},
	}, types.OnDuplicateFail)
	assert.ErrorIs(t, err, types.ErrMissingParent)

	// A failing row rolls back the whole batch.
	_, err = st.Insert(ctx, "Session", []types.Row{
		{"mouse_id": 1, "session_date": "2017-02-01", "experimenter": "Jake"},
		{"mouse_id": 9, "session_date": "2017-02-01", "experimenter": "Jake"},
	}, types.OnDuplicateFail)
	assert.ErrorIs(t, err, types.ErrMissingParent)
	n, err := st.Count(ctx, "Session", types.All())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testInvalidRow(t *testing.T, st types.Store) {
	ctx := context.Background()
	tests := []struct {
		name string
		row  types.Row
	}{
		{"missing key", types.Row{"dob": "2017-03-01"}},
		{"unknown attribute", types.Row{"mouse_id": 5, "dob": "2017-03-01", "color": "brown"}},
		{"bad date", types.Row{"mouse_id": 5, "dob": "March"}},
		{"bad enum", types.Row{"mouse_id": 5, "dob": "2017-03-01", "sex": "X"}},
		{"wrong type", types.Row{"mouse_id": "five", "dob": "2017-03-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.Insert(ctx, "Mouse", []types.Row{tt.row}, types.OnDuplicateFail)
			assert.ErrorIs(t, err, types.ErrInvalidRow)
		})
	}

	_, err := st.Insert(ctx, "Nope", []types.Row{{"x": 1}}, types.OnDuplicateFail)
	assert.ErrorIs(t, err, types.ErrUnknownEntity)
}

func testPredicates(t *testing.T, st types.Store) {
	Seed(t, st)
	ctx := context.Background()

	tests := []struct {
		name string
		p    types.Predicate
		want int
	}{
		{"all", types.All(), 3},
		{"eq", types.Where(types.Eq("experimenter", "Edgar")), 2},
		{"ne", types.Where(types.Cmp("experimenter", types.OpNe, "Edgar")), 1},
		{"null", types.Where(types.Eq("note", nil)), 2},
		{"not null", types.Where(types.Cmp("note", types.OpNe, nil)), 1},
		{"ne includes null", types.Where(types.Cmp("note", types.OpNe, "long")), 3},
		{"lt date", types.Where(types.Cmp("session_date", types.OpLt, "2017-05-15")), 1},
		{"between", types.Where(types.Between("session_date", "2017-05-01", "2017-05-31")), 2},
		{"in", types.Where(types.In("mouse_id", 1, 7)), 1},
		{"empty in", types.Where(types.In("mouse_id")), 0},
		{"and", types.Where(types.Eq("mouse_id", 0), types.Cmp("session_date", types.OpGe, "2017-05-19")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := Collect(t, st, "Session", tt.p)
			assert.Len(t, rows, tt.want)
			n, err := st.Count(ctx, "Session", tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	rows := Collect(t, st, "Session", types.All().Ordered("session_date", true))
	require.Len(t, rows, 3)
	assert.Equal(t, "2017-05-19", rows[0]["session_date"])
	assert.Equal(t, "2017-01-05", rows[2]["session_date"])

	limited := types.All().Ordered("session_date", false)
	limited.Limit = 2
	assert.Len(t, Collect(t, st, "Session", limited), 2)

	for _, err := range st.Fetch(ctx, "Session", types.Where(types.Eq("weight", 3))) {
		assert.ErrorIs(t, err, types.ErrInvalidFilter)
	}
	_, err := st.Count(ctx, "Session", types.Where(types.Cmp("note", types.OpLt, nil)))
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func testDeleteReferenced(t *testing.T, st types.Store) {
	Seed(t, st)
	ctx := context.Background()

	_, err := st.Delete(ctx, "Mouse", types.Where(types.Eq("mouse_id", 0)))
	assert.ErrorIs(t, err, types.ErrForeignKeyViolation)

	n, err := st.Delete(ctx, "Session", types.Where(types.Eq("mouse_id", 1)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.Delete(ctx, "Mouse", types.Where(types.Eq("mouse_id", 1)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.Delete(ctx, "Mouse", types.Where(types.Eq("mouse_id", 42)))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTransactRollback(t *testing.T, st types.Store) {
	Seed(t, st)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.Transact(ctx, func(tx types.Tx) error {
		_, err := tx.Insert("Result", types.Row{
			"mouse_id": 0, "session_date": "2017-05-15", "param_id": 0, "value": 2.0,
		}, types.OnDuplicateFail)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	n, err := st.Count(ctx, "Result", types.All())
	require.NoError(t, err)
	assert.Zero(t, n)

	cctx, cancel := context.WithCancel(ctx)
	err = st.Transact(cctx, func(tx types.Tx) error {
		_, err := tx.Insert("Param", types.Row{"param_id": 7, "threshold": 1.0}, types.OnDuplicateFail)
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	n, err = st.Count(ctx, "Param", types.Where(types.Eq("param_id", 7)))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTransactSeesOwnWrites(t *testing.T, st types.Store) {
	Seed(t, st)
	ctx := context.Background()

	err := st.Transact(ctx, func(tx types.Tx) error {
		key := types.Row{"mouse_id": 0, "session_date": "2017-05-15", "param_id": 1}
		r := key.Clone()
		r["value"] = 3.25
		if _, err := tx.Insert("Result", r, types.OnDuplicateFail); err != nil {
			return err
		}
		item := key.Clone()
		item["item_id"] = 1
		if _, err := tx.Insert("Result.Item", item, types.OnDuplicateFail); err != nil {
			return err
		}
		rows, err := tx.Fetch("Result", types.All())
		if err != nil {
			return err
		}
		assert.Len(t, rows, 1)
		n, err := tx.Count("Result.Item", types.All())
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)

	err = st.Transact(ctx, func(tx types.Tx) error {
		n, err := tx.Delete("Result.Item", types.All())
		assert.Equal(t, 1, n)
		if err != nil {
			return err
		}
		_, err = tx.Delete("Result", types.All())
		return err
	})
	require.NoError(t, err)
	n, err := st.Count(ctx, "Result", types.All())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentWriters(t *testing.T, st types.Store) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Insert(ctx, "Param", []types.Row{{"param_id": i, "threshold": float64(i)}}, types.OnDuplicateFail)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := st.Count(ctx, "Param", types.All())
	require.NoError(t, err)
	assert.Equal(t, writers, n)
}

func testJobLog(t *testing.T, st types.Store) {
	ctx := context.Background()
	jobs := st.Jobs()
	key := types.Key{"mouse_id": int64(0), "session_date": "2017-05-15", "param_id": int64(1)}

	ok, err := jobs.Reserve(ctx, types.Job{JobID: "j1", Entity: "Result", Key: key, RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = jobs.Reserve(ctx, types.Job{JobID: "j2", Entity: "Result", Key: key, RunID: "r2"})
	require.NoError(t, err)
	assert.False(t, ok, "second reservation of the same key fails")

	listed, err := jobs.List(ctx, "Result", types.JobReserved)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "r1", listed[0].RunID)
	assert.Equal(t, key.HashString(), listed[0].KeyHash)
	assert.Equal(t, key, listed[0].Key)

	require.NoError(t, jobs.Fail(ctx, types.Job{JobID: "j1", Entity: "Result", Key: key, RunID: "r1", Error: "bad input"}))
	listed, err = jobs.List(ctx, "", types.JobError)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "bad input", listed[0].Error)

	require.NoError(t, jobs.Complete(ctx, "Result", key))
	listed, err = jobs.List(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, listed)

	for i := range 3 {
		k := types.Key{"param_id": int64(i)}
		require.NoError(t, jobs.Fail(ctx, types.Job{JobID: "f", Entity: "Param", Key: k, RunID: "r"}))
	}
	n, err := jobs.Clear(ctx, "Param", types.JobError)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testClosed(t *testing.T, st types.Store) {
	ctx := context.Background()
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "Close is idempotent")

	_, err := st.Insert(ctx, "Param", []types.Row{{"param_id": 1, "threshold": 1.0}}, types.OnDuplicateFail)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = st.Count(ctx, "Param", types.All())
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	for _, err := range st.Fetch(ctx, "Param", types.All()) {
		assert.ErrorIs(t, err, types.ErrStoreClosed)
	}
	_, err = st.Jobs().List(ctx, "", "")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}
