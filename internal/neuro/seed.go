package neuro

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/larder/pkg/types"
)

var seedMice = []types.Row{
	{"mouse_id": 0, "dob": "2017-03-01", "sex": "M"},
	{"mouse_id": 1, "dob": "2016-11-19", "sex": "M"},
	{"mouse_id": 2, "dob": "2016-11-20", "sex": "unknown"},
	{"mouse_id": 5, "dob": "2016-12-25", "sex": "F"},
	{"mouse_id": 10, "dob": "2017-01-01", "sex": "F"},
	{"mouse_id": 11, "dob": "2017-01-03", "sex": "F"},
	{"mouse_id": 100, "dob": "2017-05-12", "sex": "F"},
}

var seedSessions = []types.Row{
	{"mouse_id": 0, "session_date": "2017-05-15", "experiment_setup": 0, "experimenter": "Edgar Y. Walker"},
	{"mouse_id": 0, "session_date": "2017-05-19", "experiment_setup": 0, "experimenter": "Edgar Y. Walker"},
	{"mouse_id": 5, "session_date": "2017-01-05", "experiment_setup": 1, "experimenter": "Fabian Sinz"},
	{"mouse_id": 100, "session_date": "2017-05-25", "experiment_setup": 100, "experimenter": "Jacob Reimer"},
	{"mouse_id": 100, "session_date": "2017-06-01", "experiment_setup": 1, "experimenter": "Jacob Reimer"},
}

var seedParams = []types.Row{
	{"sdp_id": 0, "threshold": 0.5},
	{"sdp_id": 1, "threshold": 0.9},
}

var seedScans = []types.Row{
	{"mouse_id": 0, "session_date": "2017-05-15", "scan_idx": 1, "depth": 150.0, "wavelength": 920.0, "laser_power": 26.0, "fps": 15.0, "file_name": "example_scan_01.json"},
	{"mouse_id": 0, "session_date": "2017-05-15", "scan_idx": 2, "depth": 200.0, "wavelength": 920.0, "laser_power": 24.0, "fps": 15.0, "file_name": "example_scan_02.json"},
	{"mouse_id": 100, "session_date": "2017-05-25", "scan_idx": 1, "depth": 150.0, "wavelength": 920.0, "laser_power": 25.0, "fps": 15.0, "file_name": "example_scan_03.json"},
}

// SeedCounts maps entity names to the number of rows Seed inserted.
type SeedCounts map[string]int

// Seed inserts the tutorial's hand-entered rows. Rows already present are
// left alone, so seeding twice is harmless.
func Seed(ctx context.Context, st types.Store) (SeedCounts, error) {
	counts := make(SeedCounts)
	for _, s := range []struct {
		entity string
		rows   []types.Row
	}{
		{"Mouse", seedMice},
		{"Session", seedSessions},
		{"SpikeDetectionParam", seedParams},
		{"Scan", seedScans},
	} {
		n, err := st.Insert(ctx, s.entity, cloneRows(s.rows), types.OnDuplicateSkip)
		if err != nil {
			return nil, fmt.Errorf("seeding %s: %w", s.entity, err)
		}
		counts[s.entity] = n
	}
	return counts, nil
}

func cloneRows(rows []types.Row) []types.Row {
	out := make([]types.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
