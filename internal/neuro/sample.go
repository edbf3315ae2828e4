package neuro

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// Shape of the generated sample data.
const (
	sampleSamples = 1000
	sampleFrames  = 10
	sampleHeight  = 8
	sampleWidth   = 8
)

// WriteSampleData writes synthetic recording files for every seeded session
// and frame files for every seeded scan into dir. The same seed always
// produces the same files.
func WriteSampleData(dir string, seed uint64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	var written []string
	for i, s := range seedSessions {
		traces := make([][]float64, 1+i%3)
		for n := range traces {
			traces[n] = sampleTrace(rng)
		}
		name := RecordingFile(int64(s["mouse_id"].(int)), s["session_date"].(string))
		if err := writeSample(filepath.Join(dir, name), traces); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	for _, s := range seedScans {
		name := s["file_name"].(string)
		if err := writeSample(filepath.Join(dir, name), sampleStack(rng)); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}

// sampleTrace is low noise with occasional decaying bursts.
func sampleTrace(rng *rand.Rand) []float64 {
	tr := make([]float64, sampleSamples)
	level := 0.0
	for i := range tr {
		if rng.Float64() < 0.01 {
			level = 0.6 + 0.6*rng.Float64()
		}
		tr[i] = level + 0.2*rng.Float64()
		level *= 0.85
	}
	return tr
}

func sampleStack(rng *rand.Rand) [][][]float64 {
	frames := make([][][]float64, sampleFrames)
	for f := range frames {
		frames[f] = make([][]float64, sampleHeight)
		for r := range frames[f] {
			frames[f][r] = make([]float64, sampleWidth)
			for c := range frames[f][r] {
				frames[f][r][c] = float64(r+c) + rng.NormFloat64()
			}
		}
	}
	return frames
}

func writeSample(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
