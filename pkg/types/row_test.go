package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncodeAndHash(t *testing.T) {
	a := Key{"mouse_id": int64(0), "session_date": "2017-05-15"}
	b := Key{"session_date": "2017-05-15", "mouse_id": int64(0)}
	c := Key{"mouse_id": int64(0), "session_date": "2017-05-19"}

	assert.Equal(t, a.Hash(), b.Hash(), "attribute order does not matter")
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.HashString(), 16)
	assert.Equal(t, "mouse_id=0, session_date=2017-05-15", a.String())

	// Values of different kinds never encode alike.
	assert.NotEqual(t, Key{"v": int64(1)}.Encode([]string{"v"}), Key{"v": "1"}.Encode([]string{"v"}))
	assert.NotEqual(t, Key{"v": nil}.Encode([]string{"v"}), Key{"v": "n"}.Encode([]string{"v"}))
}

func TestRowProject(t *testing.T) {
	r := Row{"a": int64(1), "b": "x", "c": 2.5}
	assert.Equal(t, Key{"a": int64(1), "c": 2.5}, r.Project([]string{"a", "c", "missing"}))

	clone := r.Clone()
	clone["a"] = int64(9)
	assert.Equal(t, int64(1), r["a"])
}

func TestDecodeKeyJSON(t *testing.T) {
	k := Key{"mouse_id": int64(100), "threshold": 0.5, "session_date": "2017-05-25", "note": nil}
	data, err := json.Marshal(k)
	require.NoError(t, err)

	got, err := DecodeKeyJSON(data)
	require.NoError(t, err)
	assert.Equal(t, k, got)
	assert.Equal(t, k.Hash(), got.Hash())

	_, err = DecodeKeyJSON([]byte("{"))
	assert.Error(t, err)
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"null first", nil, int64(0), -1},
		{"null equal", nil, nil, 0},
		{"ints", int64(1), int64(2), -1},
		{"int and float", int64(2), 1.5, 1},
		{"float and int equal", 2.0, int64(2), 0},
		{"strings", "2017-05-15", "2017-05-19", -1},
		{"blobs", []byte{1, 2}, []byte{1, 3}, -1},
		{"numbers before strings", int64(9), "0", -1},
		{"strings before blobs", "z", []byte{0}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sign(CompareValues(tt.a, tt.b)))
			assert.Equal(t, -tt.want, sign(CompareValues(tt.b, tt.a)))
		})
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestCompareKeys(t *testing.T) {
	attrs := []string{"mouse_id", "session_date"}
	a := Row{"mouse_id": int64(0), "session_date": "2017-05-19"}
	b := Row{"mouse_id": int64(1), "session_date": "2017-01-05"}
	c := Row{"mouse_id": int64(0), "session_date": "2017-05-15"}

	assert.Negative(t, CompareKeys(a, b, attrs))
	assert.Positive(t, CompareKeys(a, c, attrs))
	assert.Zero(t, CompareKeys(a, a, attrs))
}
