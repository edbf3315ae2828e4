package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Row maps attribute names to normalized values.
type Row map[string]any

// Key is the primary-key projection of a row. Keys identify parent rows
// for dependents and are the unit of work for Populate.
type Key map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	return maps.Clone(r)
}

// Project returns the key holding only attrs. Attributes missing from r are
// omitted.
func (r Row) Project(attrs []string) Key {
	k := make(Key, len(attrs))
	for _, a := range attrs {
		if v, ok := r[a]; ok {
			k[a] = v
		}
	}
	return k
}

// Row converts the key into a row.
func (k Key) Row() Row {
	return Row(maps.Clone(k))
}

// Project restricts the key to attrs.
func (k Key) Project(attrs []string) Key {
	return Row(k).Project(attrs)
}

// Names returns the key's attribute names, sorted.
func (k Key) Names() []string {
	return slices.Sorted(maps.Keys(k))
}

// Encode returns a canonical string for the values of attrs. Two keys
// encode equally exactly when they hold equal values for attrs.
func (k Key) Encode(attrs []string) string {
	var sb strings.Builder
	for i, a := range attrs {
		if i > 0 {
			sb.WriteByte('|')
		}
		encodeValue(&sb, k[a])
	}
	return sb.String()
}

// Hash returns a 64-bit hash of the key over all of its attributes.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(k.Encode(k.Names()))
}

// HashString is Hash as 16 hex digits, the job log identifier of a key.
func (k Key) HashString() string {
	return fmt.Sprintf("%016x", k.Hash())
}

// String renders the key as "a=1, b=x" with attributes sorted by name.
func (k Key) String() string {
	names := k.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%v", n, k[n])
	}
	return strings.Join(parts, ", ")
}

// DecodeKeyJSON parses a key written with json.Marshal. Integral numbers
// decode as int64 and other numbers as float64.
func DecodeKeyJSON(data []byte) (Key, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	k := make(Key, len(raw))
	for name, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				k[name] = i
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("decoding key attribute %s: %w", name, err)
			}
			k[name] = f
			continue
		}
		k[name] = v
	}
	return k, nil
}

func encodeValue(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("n")
	case int64:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(x, 10))
	case float64:
		sb.WriteString("f:")
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		sb.WriteString("s:")
		sb.WriteString(strconv.Quote(x))
	case []byte:
		sb.WriteString("b:")
		sb.WriteString(hex.EncodeToString(x))
	default:
		fmt.Fprintf(sb, "?%T:%v", x, x)
	}
}

// CompareValues orders normalized values. Null sorts first, numbers compare
// numerically across int64 and float64, strings and blobs compare
// bytewise. Values of unrelated kinds order by kind.
func CompareValues(a, b any) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case nil:
		return 0
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
		return compareFloat(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return compareFloat(x, float64(y))
		}
		return compareFloat(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// CompareKeys orders two rows by the values of attrs, in order.
func CompareKeys(a, b map[string]any, attrs []string) int {
	for _, n := range attrs {
		if c := CompareValues(a[n], b[n]); c != 0 {
			return c
		}
	}
	return 0
}

func compareFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func kindRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64, float64:
		return 1
	case string:
		return 2
	case []byte:
		return 3
	}
	return 4
}
