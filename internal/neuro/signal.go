package neuro

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Waveform samples taken around each spike onset.
const (
	SamplesBefore = 40
	SamplesAfter  = 40
)

var errEmptySignal = errors.New("empty signal")

// EncodeFloats packs samples as little-endian float64 values.
func EncodeFloats(samples []float64) []byte {
	out := make([]byte, 8*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

// DecodeFloats is the inverse of EncodeFloats.
func DecodeFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("float blob of %d bytes is not a multiple of 8", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// Stats returns the mean, population standard deviation and maximum.
func Stats(x []float64) (mean, stdev, maxv float64, err error) {
	if len(x) == 0 {
		return 0, 0, 0, errEmptySignal
	}
	maxv = math.Inf(-1)
	for _, v := range x {
		mean += v
		maxv = math.Max(maxv, v)
	}
	mean /= float64(len(x))
	for _, v := range x {
		d := v - mean
		stdev += d * d
	}
	stdev = math.Sqrt(stdev / float64(len(x)))
	return mean, stdev, maxv, nil
}

// DetectSpikes marks the samples where activity rises above threshold.
// The first sample is never a spike. The result has one entry (0 or 1) per
// sample.
func DetectSpikes(activity []float64, threshold float64) (spikes []float64, count int) {
	spikes = make([]float64, len(activity))
	for i := 1; i < len(activity); i++ {
		if activity[i] > threshold && !(activity[i-1] > threshold) {
			spikes[i] = 1
			count++
		}
	}
	return spikes, count
}

// Waveform is the window of activity around one spike.
type Waveform struct {
	SpikeID int
	Samples []float64
}

// Waveforms cuts SamplesBefore samples before and SamplesAfter samples from
// each spike onset. Spikes are numbered in order of occurrence; spikes too
// close to either end of the recording keep their number but yield no
// waveform.
func Waveforms(activity, spikes []float64) []Waveform {
	var out []Waveform
	id := 0
	for i, s := range spikes {
		if s == 0 {
			continue
		}
		spikeID := id
		id++
		if i-SamplesBefore < 0 || i+SamplesAfter > len(activity)+1 {
			continue
		}
		end := min(i+SamplesAfter, len(activity))
		out = append(out, Waveform{
			SpikeID: spikeID,
			Samples: append([]float64(nil), activity[i-SamplesBefore:end]...),
		})
	}
	return out
}

// Frame is a two-dimensional image stored row-major.
type Frame struct {
	Height int       `json:"height"`
	Width  int       `json:"width"`
	Pixels []float64 `json:"pixels"`
}

// At returns the pixel at row r, column c.
func (f Frame) At(r, c int) float64 {
	return f.Pixels[r*f.Width+c]
}

// AverageFrames returns the per-pixel mean across frames. Every frame must
// have the same shape.
func AverageFrames(frames [][][]float64) (Frame, error) {
	if len(frames) == 0 || len(frames[0]) == 0 {
		return Frame{}, errEmptySignal
	}
	h, w := len(frames[0]), len(frames[0][0])
	sum := make([]float64, h*w)
	for n, f := range frames {
		if len(f) != h {
			return Frame{}, fmt.Errorf("frame %d has %d rows, want %d", n, len(f), h)
		}
		for r, row := range f {
			if len(row) != w {
				return Frame{}, fmt.Errorf("frame %d row %d has %d columns, want %d", n, r, len(row), w)
			}
			for c, v := range row {
				sum[r*w+c] += v
			}
		}
	}
	for i := range sum {
		sum[i] /= float64(len(frames))
	}
	return Frame{Height: h, Width: w, Pixels: sum}, nil
}

// EncodeFrame serializes f as JSON.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if len(f.Pixels) != f.Height*f.Width {
		return Frame{}, fmt.Errorf("frame has %d pixels, want %dx%d", len(f.Pixels), f.Height, f.Width)
	}
	return f, nil
}
