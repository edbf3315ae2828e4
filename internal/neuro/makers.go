package neuro

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Pipeline holds what the make functions need: the store they read inputs
// from and the directory holding recording and scan files.
type Pipeline struct {
	Store   types.Store
	DataDir string
}

// Makers returns the make function for each materialized entity.
func (p *Pipeline) Makers() map[string]types.MakeFunc {
	return map[string]types.MakeFunc{
		"Neuron":             p.ImportNeurons,
		"ActivityStatistics": p.ActivityStatistics,
		"Spikes":             p.DetectSpikes,
		"AverageFrame":       p.AverageFrame,
	}
}

// RecordingFile names the activity file for a session.
func RecordingFile(mouseID int64, sessionDate string) string {
	return fmt.Sprintf("data_%d_%s.json", mouseID, sessionDate)
}

// ImportNeurons reads the session's recording file, a JSON array with one
// activity trace per neuron, and yields one Neuron per trace.
func (p *Pipeline) ImportNeurons(ctx context.Context, key types.Key) (types.Result, error) {
	session, err := p.one(ctx, "Session", key, "mouse_id", "session_date")
	if err != nil {
		return types.Result{}, err
	}
	mouseID, _ := session["mouse_id"].(int64)
	date, _ := session["session_date"].(string)
	path := filepath.Join(p.dir(session), RecordingFile(mouseID, date))

	var traces [][]float64
	if err := readJSON(path, &traces); err != nil {
		return types.Result{}, err
	}
	rows := make([]types.Row, len(traces))
	for i, tr := range traces {
		rows[i] = types.Row{"neuron_id": i, "activity": EncodeFloats(tr)}
	}
	return types.Result{Rows: rows}, nil
}

// ActivityStatistics summarizes one neuron's activity.
func (p *Pipeline) ActivityStatistics(ctx context.Context, key types.Key) (types.Result, error) {
	activity, err := p.activity(ctx, key)
	if err != nil {
		return types.Result{}, err
	}
	mean, stdev, maxv, err := Stats(activity)
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{Rows: []types.Row{{"mean": mean, "stdev": stdev, "max": maxv}}}, nil
}

// DetectSpikes finds spikes in one neuron's activity under one parameter
// set and extracts a waveform part per spike.
func (p *Pipeline) DetectSpikes(ctx context.Context, key types.Key) (types.Result, error) {
	activity, err := p.activity(ctx, key)
	if err != nil {
		return types.Result{}, err
	}
	param, err := p.one(ctx, "SpikeDetectionParam", key, "sdp_id")
	if err != nil {
		return types.Result{}, err
	}
	threshold, _ := param["threshold"].(float64)

	spikes, count := DetectSpikes(activity, threshold)
	var waves []types.Row
	for _, w := range Waveforms(activity, spikes) {
		waves = append(waves, types.Row{"spike_id": w.SpikeID, "waveform": EncodeFloats(w.Samples)})
	}
	return types.Result{
		Rows:  []types.Row{{"spikes": EncodeFloats(spikes), "count": count}},
		Parts: map[string][]types.Row{"Spikes.Waveform": waves},
	}, nil
}

// AverageFrame reads a scan's frame file, a JSON array of two-dimensional
// frames, and stores their per-pixel mean.
func (p *Pipeline) AverageFrame(ctx context.Context, key types.Key) (types.Result, error) {
	scan, err := p.one(ctx, "Scan", key, "mouse_id", "session_date", "scan_idx")
	if err != nil {
		return types.Result{}, err
	}
	session, err := p.one(ctx, "Session", key, "mouse_id", "session_date")
	if err != nil {
		return types.Result{}, err
	}
	name, _ := scan["file_name"].(string)

	var frames [][][]float64
	if err := readJSON(filepath.Join(p.dir(session), name), &frames); err != nil {
		return types.Result{}, err
	}
	avg, err := AverageFrames(frames)
	if err != nil {
		return types.Result{}, fmt.Errorf("averaging %s: %w", name, err)
	}
	blob, err := EncodeFrame(avg)
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{Rows: []types.Row{{"average_frame": blob}}}, nil
}

func (p *Pipeline) activity(ctx context.Context, key types.Key) ([]float64, error) {
	neuron, err := p.one(ctx, "Neuron", key, "mouse_id", "session_date", "neuron_id")
	if err != nil {
		return nil, err
	}
	blob, _ := neuron["activity"].([]byte)
	return DecodeFloats(blob)
}

// one fetches the single row of entity identified by attrs of key.
func (p *Pipeline) one(ctx context.Context, entity string, key types.Key, attrs ...string) (types.Row, error) {
	k := key.Project(attrs)
	for r, err := range p.Store.Fetch(ctx, entity, types.KeyPredicate(k)) {
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%s %s not found", entity, k)
}

// dir resolves a session's data directory. A relative data_path is taken
// relative to the pipeline's DataDir.
func (p *Pipeline) dir(session types.Row) string {
	dp, _ := session["data_path"].(string)
	switch {
	case dp == "":
		return p.DataDir
	case filepath.IsAbs(dp):
		return dp
	default:
		return filepath.Join(p.DataDir, dp)
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}
