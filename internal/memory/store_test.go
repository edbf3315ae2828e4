package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/internal/storetest"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func TestStoreBehavior(t *testing.T) {
	storetest.Run(t, func(t *testing.T, sch *schema.Schema) types.Store {
		return New(sch, nil)
	})
}

func TestFetchIteratesSnapshot(t *testing.T) {
	st := New(storetest.Schema(t), nil)
	defer st.Close()
	storetest.Seed(t, st)
	ctx := context.Background()

	// Writes made while a pass is in progress are not observed by it.
	seen := 0
	for _, err := range st.Fetch(ctx, "Param", types.All()) {
		require.NoError(t, err)
		seen++
		_, err := st.Insert(ctx, "Param", []types.Row{{"param_id": 10 + seen, "threshold": 1.0}}, types.OnDuplicateFail)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, seen)

	// A new pass reads the latest committed state.
	assert.Len(t, storetest.Collect(t, st, "Param", types.All()), 4)
}

func TestFetchOrderAndLimit(t *testing.T) {
	st := New(storetest.Schema(t), nil)
	defer st.Close()
	storetest.Seed(t, st)

	rows := storetest.Collect(t, st, "Session", types.All())
	require.Len(t, rows, 3)
	assert.Equal(t, int64(0), rows[0]["mouse_id"], "rows come in key order")
	assert.Equal(t, "2017-05-15", rows[0]["session_date"])

	p := types.All()
	p.Limit = 1
	rows = storetest.Collect(t, st, "Session", p)
	require.Len(t, rows, 1)
	assert.Equal(t, "2017-05-15", rows[0]["session_date"])

	p = types.All().Ordered("experimenter", true)
	p.Limit = 1
	rows = storetest.Collect(t, st, "Session", p)
	require.Len(t, rows, 1)
	assert.Equal(t, "Jake", rows[0]["experimenter"])
}

func TestFetchedRowsAreCopies(t *testing.T) {
	st := New(storetest.Schema(t), nil)
	defer st.Close()
	storetest.Seed(t, st)

	rows := storetest.Collect(t, st, "Mouse", types.Where(types.Eq("mouse_id", 0)))
	require.Len(t, rows, 1)
	rows[0]["sex"] = "F"

	rows = storetest.Collect(t, st, "Mouse", types.Where(types.Eq("mouse_id", 0)))
	assert.Equal(t, "M", rows[0]["sex"])
}
