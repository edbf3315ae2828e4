package cascade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/internal/materialize"
	"github.com/mesh-intelligence/larder/internal/memory"
	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/internal/sqlite"
	"github.com/mesh-intelligence/larder/internal/storetest"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// populated seeds st and materializes every Result with two items each.
func populated(t *testing.T, st types.Store, sch *schema.Schema) {
	t.Helper()
	storetest.Seed(t, st)
	mk := func(ctx context.Context, key types.Key) (types.Result, error) {
		return types.Result{
			Rows:  []types.Row{{"value": 1.0}},
			Parts: map[string][]types.Row{"Result.Item": {{"item_id": 0}, {"item_id": 1}}},
		}, nil
	}
	report, err := materialize.New(st, sch).Populate(context.Background(), "Result", mk, materialize.Options{})
	require.NoError(t, err)
	require.Equal(t, 6, report.Populated)
}

func newMemory(t *testing.T) (*Deleter, types.Store) {
	t.Helper()
	sch := storetest.Schema(t)
	st := memory.New(sch, nil)
	t.Cleanup(func() { st.Close() })
	populated(t, st, sch)
	return New(st, sch), st
}

func count(t *testing.T, st types.Store, entity string, p types.Predicate) int {
	t.Helper()
	n, err := st.Count(context.Background(), entity, p)
	require.NoError(t, err)
	return n
}

func TestDelete_LookupRowRemovesItsResults(t *testing.T) {
	d, st := newMemory(t)

	counts, err := d.Delete(context.Background(), "Param", types.Where(types.Eq("param_id", 0)))
	require.NoError(t, err)
	assert.Equal(t, Counts{"Param": 1, "Result": 3, "Result.Item": 6}, counts)
	assert.Equal(t, 10, counts.Total())

	assert.Zero(t, count(t, st, "Result", types.Where(types.Eq("param_id", 0))))
	assert.Zero(t, count(t, st, "Result.Item", types.Where(types.Eq("param_id", 0))))
	assert.Equal(t, 3, count(t, st, "Result", types.Where(types.Eq("param_id", 1))), "other params untouched")
	assert.Equal(t, 6, count(t, st, "Result.Item", types.Where(types.Eq("param_id", 1))))
	assert.Equal(t, 3, count(t, st, "Session", types.All()))
}

func TestDelete_ThroughSeveralLevels(t *testing.T) {
	d, st := newMemory(t)

	counts, err := d.Delete(context.Background(), "Mouse", types.Where(types.Eq("mouse_id", 0)))
	require.NoError(t, err)
	assert.Equal(t, Counts{"Mouse": 1, "Session": 2, "Result": 4, "Result.Item": 8}, counts)
	assert.Equal(t, 1, count(t, st, "Mouse", types.All()))
	assert.Equal(t, 1, count(t, st, "Session", types.All()))
	assert.Equal(t, 2, count(t, st, "Result", types.All()))
	assert.Equal(t, "Mouse=1 Result=4 Result.Item=8 Session=2", counts.String())
}

func TestDelete_MaterializedMasterTakesItsParts(t *testing.T) {
	d, st := newMemory(t)

	counts, err := d.Delete(context.Background(), "Result",
		types.Where(types.Eq("mouse_id", 1), types.Eq("param_id", 1)))
	require.NoError(t, err)
	assert.Equal(t, Counts{"Result": 1, "Result.Item": 2}, counts)
	assert.Equal(t, 5, count(t, st, "Result", types.All()))
}

func TestDelete_PartDirectly(t *testing.T) {
	d, st := newMemory(t)

	_, err := d.Delete(context.Background(), "Result.Item", types.All())
	assert.ErrorIs(t, err, types.ErrPartDelete)
	assert.Equal(t, 12, count(t, st, "Result.Item", types.All()))
}

func TestDelete_NoMatch(t *testing.T) {
	d, _ := newMemory(t)

	counts, err := d.Delete(context.Background(), "Mouse", types.Where(types.Eq("mouse_id", 99)))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestPreview_MatchesDeleteAndRemovesNothing(t *testing.T) {
	d, st := newMemory(t)
	ctx := context.Background()
	p := types.Where(types.Eq("session_date", "2017-05-19"))

	preview, err := d.Preview(ctx, "Session", p)
	require.NoError(t, err)
	assert.Equal(t, Counts{"Session": 1, "Result": 2, "Result.Item": 4}, preview)
	assert.Equal(t, 3, count(t, st, "Session", types.All()))
	assert.Equal(t, 6, count(t, st, "Result", types.All()))

	counts, err := d.Delete(ctx, "Session", p)
	require.NoError(t, err)
	assert.Equal(t, preview, counts)
}

func TestDelete_CancelledRollsBack(t *testing.T) {
	d, st := newMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Delete(ctx, "Mouse", types.All())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, count(t, st, "Mouse", types.All()))
	assert.Equal(t, 12, count(t, st, "Result.Item", types.All()))
}

func TestDelete_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite round trip")
	}
	sch := storetest.Schema(t)
	st := sqlite.NewBackend(sch, nil)
	require.NoError(t, st.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	defer st.Close()
	populated(t, st, sch)

	// Without the cascade, the store refuses to orphan dependents.
	_, err := st.Delete(context.Background(), "Param", types.Where(types.Eq("param_id", 0)))
	assert.ErrorIs(t, err, types.ErrForeignKeyViolation)

	counts, err := New(st, sch).Delete(context.Background(), "Param", types.Where(types.Eq("param_id", 0)))
	require.NoError(t, err)
	assert.Equal(t, Counts{"Param": 1, "Result": 3, "Result.Item": 6}, counts)
	assert.Equal(t, 3, count(t, st, "Result", types.All()))
}
