package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// AttrType is the value type of an attribute.
type AttrType string

// Attribute value types.
const (
	AttrInt   AttrType = "int"
	AttrText  AttrType = "text"
	AttrDate  AttrType = "date"
	AttrEnum  AttrType = "enum"
	AttrBlob  AttrType = "blob"
	AttrFloat AttrType = "float"
)

// DateLayout is the canonical representation of date values.
const DateLayout = "2006-01-02"

var validAttrTypes = map[AttrType]bool{
	AttrInt:   true,
	AttrText:  true,
	AttrDate:  true,
	AttrEnum:  true,
	AttrBlob:  true,
	AttrFloat: true,
}

// Valid reports whether t is a known attribute type.
func (t AttrType) Valid() bool {
	return validAttrTypes[t]
}

// Attribute describes one column of an entity type.
type Attribute struct {
	Name       string   `json:"name" yaml:"name"`
	Type       AttrType `json:"type" yaml:"type"`
	Primary    bool     `json:"primary,omitempty" yaml:"primary,omitempty"`
	Nullable   bool     `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Default    any      `json:"default,omitempty" yaml:"default,omitempty"`
	EnumValues []string `json:"values,omitempty" yaml:"values,omitempty"`
	Comment    string   `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// HasDefault reports whether a missing value can be filled in on insert.
// Nullable attributes default to null.
func (a Attribute) HasDefault() bool {
	return a.Default != nil || a.Nullable
}

// Normalize converts v to the canonical Go value for the attribute type:
// int64 for int, float64 for float, string for text, enum and date
// (formatted with DateLayout) and []byte for blob. A nil value is accepted
// only for nullable attributes.
func (a Attribute) Normalize(v any) (any, error) {
	if v == nil {
		if a.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s must not be null", ErrInvalidRow, a.Name)
	}

	switch a.Type {
	case AttrInt:
		n, ok := toInt64(v)
		if !ok {
			return nil, a.typeError(v)
		}
		return n, nil
	case AttrFloat:
		f, ok := toFloat64(v)
		if !ok {
			return nil, a.typeError(v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %s must be finite, got %v", ErrInvalidRow, a.Name, f)
		}
		return f, nil
	case AttrText:
		s, ok := v.(string)
		if !ok {
			return nil, a.typeError(v)
		}
		return s, nil
	case AttrEnum:
		s, ok := v.(string)
		if !ok {
			return nil, a.typeError(v)
		}
		if !slices.Contains(a.EnumValues, s) {
			return nil, fmt.Errorf("%w: %s must be one of %s, got %q",
				ErrInvalidRow, a.Name, strings.Join(a.EnumValues, ", "), s)
		}
		return s, nil
	case AttrDate:
		switch d := v.(type) {
		case time.Time:
			return d.Format(DateLayout), nil
		case string:
			t, err := time.Parse(DateLayout, d)
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not a date: %q", ErrInvalidRow, a.Name, d)
			}
			return t.Format(DateLayout), nil
		default:
			return nil, a.typeError(v)
		}
	case AttrBlob:
		b, ok := v.([]byte)
		if !ok {
			return nil, a.typeError(v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s has unknown type %q", ErrSchema, a.Name, a.Type)
	}
}

// FromJSON normalizes a value decoded from JSON. Blob values arrive as
// base64 strings and numbers may arrive as json.Number.
func (a Attribute) FromJSON(v any) (any, error) {
	if s, ok := v.(string); ok && a.Type == AttrBlob {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not base64: %v", ErrInvalidRow, a.Name, err)
		}
		return b, nil
	}
	return a.Normalize(v)
}

// Parse converts a command-line string into a normalized value.
// The literal "null" parses to nil.
func (a Attribute) Parse(s string) (any, error) {
	if s == "null" {
		return a.Normalize(nil)
	}
	switch a.Type {
	case AttrInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, a.typeError(s)
		}
		return n, nil
	case AttrFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, a.typeError(s)
		}
		return f, nil
	default:
		return a.FromJSON(s)
	}
}

func (a Attribute) typeError(v any) error {
	return fmt.Errorf("%w: %s expects %s, got %T", ErrInvalidRow, a.Name, a.Type, v)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		i, ok := toInt64(v)
		return float64(i), ok
	}
}
