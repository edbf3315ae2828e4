package neuro

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/internal/cascade"
	"github.com/mesh-intelligence/larder/internal/materialize"
	"github.com/mesh-intelligence/larder/internal/memory"
	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/internal/sqlite"
	"github.com/mesh-intelligence/larder/pkg/types"
)

type fixture struct {
	store    types.Store
	schema   *schema.Schema
	pipeline *Pipeline
	mat      *materialize.Materializer
}

func newFixture(t *testing.T, st types.Store, sch *schema.Schema) *fixture {
	t.Helper()
	dir := t.TempDir()
	_, err := WriteSampleData(dir, 1)
	require.NoError(t, err)
	return &fixture{
		store:    st,
		schema:   sch,
		pipeline: &Pipeline{Store: st, DataDir: dir},
		mat:      materialize.New(st, sch),
	}
}

func newMemoryFixture(t *testing.T) *fixture {
	t.Helper()
	sch, err := Schema()
	require.NoError(t, err)
	st := memory.New(sch, nil)
	t.Cleanup(func() { st.Close() })
	return newFixture(t, st, sch)
}

func (f *fixture) populate(t *testing.T, entity string) materialize.Report {
	t.Helper()
	report, err := f.mat.Populate(context.Background(), entity, f.pipeline.Makers()[entity], materialize.Options{Workers: 4})
	require.NoError(t, err)
	return report
}

func (f *fixture) count(t *testing.T, entity string, p types.Predicate) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), entity, p)
	require.NoError(t, err)
	return n
}

func TestSchema(t *testing.T) {
	sch, err := Schema()
	require.NoError(t, err)

	assert.Equal(t, []string{"Neuron", "SpikeDetectionParam"}, sch.ParentsOf("Spikes"))
	assert.Equal(t, []string{"Spikes.Waveform"}, sch.PartsOf("Spikes"))

	spikes, err := sch.Entity("Spikes")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "sdp_id"}, spikes.PrimaryKey())

	wave, err := sch.Entity("Spikes.Waveform")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "sdp_id", "spike_id"}, wave.PrimaryKey())
}

func TestSeedIsRepeatable(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	counts, err := Seed(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, SeedCounts{"Mouse": 7, "Session": 5, "SpikeDetectionParam": 2, "Scan": 3}, counts)

	again, err := Seed(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, SeedCounts{"Mouse": 0, "Session": 0, "SpikeDetectionParam": 0, "Scan": 0}, again)

	assert.Equal(t, 1, f.count(t, "Mouse", types.Where(types.Eq("sex", "unknown"))))
}

func TestNeuronsWaitForSessions(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	report := f.populate(t, "Neuron")
	assert.Zero(t, report.Pending)
	assert.Zero(t, f.count(t, "Neuron", types.All()))

	_, err := Seed(ctx, f.store)
	require.NoError(t, err)

	pending, err := f.mat.PendingKeys(ctx, "Neuron", types.All())
	require.NoError(t, err)
	assert.Len(t, pending, 5)

	report = f.populate(t, "Neuron")
	assert.Equal(t, 5, report.Populated)
	assert.Equal(t, 9, f.count(t, "Neuron", types.All()))

	pending, err = f.mat.PendingKeys(ctx, "Neuron", types.All())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	_, err := Seed(ctx, f.store)
	require.NoError(t, err)

	f.populate(t, "Neuron")
	assert.Equal(t, 9, f.populate(t, "ActivityStatistics").Populated)
	assert.Equal(t, 18, f.populate(t, "Spikes").Populated)
	assert.Equal(t, 3, f.populate(t, "AverageFrame").Populated)

	// A higher threshold never finds more spikes on the same neuron.
	for r, err := range f.store.Fetch(ctx, "Spikes", types.Where(types.Eq("sdp_id", 1))) {
		require.NoError(t, err)
		k := r.Project([]string{"mouse_id", "session_date", "neuron_id"})
		k["sdp_id"] = int64(0)
		low, err := f.pipeline.one(ctx, "Spikes", k, "mouse_id", "session_date", "neuron_id", "sdp_id")
		require.NoError(t, err)
		assert.LessOrEqual(t, r["count"].(int64), low["count"].(int64))
	}
	for r, err := range f.store.Fetch(ctx, "ActivityStatistics", types.All()) {
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r["max"].(float64), r["mean"].(float64))
		assert.GreaterOrEqual(t, r["stdev"].(float64), 0.0)
	}

	waves := f.count(t, "Spikes.Waveform", types.All())
	assert.Positive(t, waves)
	for r, err := range f.store.Fetch(ctx, "Spikes.Waveform", types.All()) {
		require.NoError(t, err)
		samples, err := DecodeFloats(r["waveform"].([]byte))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(samples), SamplesBefore+SamplesAfter-1)
		assert.LessOrEqual(t, len(samples), SamplesBefore+SamplesAfter)
	}

	for r, err := range f.store.Fetch(ctx, "AverageFrame", types.All()) {
		require.NoError(t, err)
		frame, err := DecodeFrame(r["average_frame"].([]byte))
		require.NoError(t, err)
		assert.Equal(t, sampleHeight, frame.Height)
		assert.Equal(t, sampleWidth, frame.Width)
	}
}

func TestDeletingParamRemovesItsSpikes(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	_, err := Seed(ctx, f.store)
	require.NoError(t, err)
	f.populate(t, "Neuron")
	f.populate(t, "Spikes")

	waves0 := f.count(t, "Spikes.Waveform", types.Where(types.Eq("sdp_id", 0)))
	waves1 := f.count(t, "Spikes.Waveform", types.Where(types.Eq("sdp_id", 1)))

	counts, err := cascade.New(f.store, f.schema).Delete(ctx, "SpikeDetectionParam", types.Where(types.Eq("sdp_id", 0)))
	require.NoError(t, err)
	assert.Equal(t, 1, counts["SpikeDetectionParam"])
	assert.Equal(t, 9, counts["Spikes"])
	assert.Equal(t, waves0, counts["Spikes.Waveform"])

	assert.Zero(t, f.count(t, "Spikes", types.Where(types.Eq("sdp_id", 0))))
	assert.Equal(t, 9, f.count(t, "Spikes", types.Where(types.Eq("sdp_id", 1))))
	assert.Equal(t, waves1, f.count(t, "Spikes.Waveform", types.All()))
	assert.Equal(t, 9, f.count(t, "Neuron", types.All()))

	// Re-adding the parameter set makes its spikes pending again.
	_, err = f.store.Insert(ctx, "SpikeDetectionParam", []types.Row{{"sdp_id": 0, "threshold": 0.5}}, types.OnDuplicateFail)
	require.NoError(t, err)
	assert.Equal(t, 9, f.populate(t, "Spikes").Populated)
}

func TestMissingRecordingIsComputeError(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	_, err := Seed(ctx, f.store)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.pipeline.DataDir, RecordingFile(5, "2017-01-05"))))

	report, err := f.mat.Populate(ctx, "Neuron", f.pipeline.ImportNeurons, materialize.Options{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Populated)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0], types.ErrCompute)
	assert.ErrorIs(t, report.Failed[0], os.ErrNotExist)

	pending, err := f.mat.PendingKeys(ctx, "Neuron", types.All())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(5), pending[0]["mouse_id"])
}

func TestSessionDataPath(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	sub := filepath.Join(f.pipeline.DataDir, "mouse7")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	data, err := json.Marshal([][]float64{{0, 1, 0}, {1, 1, 1}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sub, RecordingFile(7, "2018-02-01")), data, 0o644))

	_, err = f.store.Insert(ctx, "Mouse", []types.Row{{"mouse_id": 7}}, types.OnDuplicateFail)
	require.NoError(t, err)
	_, err = f.store.Insert(ctx, "Session", []types.Row{{
		"mouse_id": 7, "session_date": "2018-02-01", "experiment_setup": 2,
		"experimenter": "Ada", "data_path": "mouse7",
	}}, types.OnDuplicateFail)
	require.NoError(t, err)

	assert.Equal(t, 1, f.populate(t, "Neuron").Populated)
	assert.Equal(t, 2, f.count(t, "Neuron", types.Where(types.Eq("mouse_id", 7))))
}

func TestPipelineOnSQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite round trip")
	}
	sch, err := Schema()
	require.NoError(t, err)
	st := sqlite.NewBackend(sch, nil)
	require.NoError(t, st.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { st.Close() })
	f := newFixture(t, st, sch)

	_, err = Seed(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 5, f.populate(t, "Neuron").Populated)
	assert.Equal(t, 18, f.populate(t, "Spikes").Populated)

	mem := newMemoryFixture(t)
	mem.pipeline.DataDir = f.pipeline.DataDir
	_, err = Seed(context.Background(), mem.store)
	require.NoError(t, err)
	mem.populate(t, "Neuron")
	mem.populate(t, "Spikes")
	assert.Equal(t, mem.count(t, "Spikes.Waveform", types.All()), f.count(t, "Spikes.Waveform", types.All()),
		"both engines compute the same waveforms")
}
