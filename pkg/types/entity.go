package types

import (
	"fmt"
	"sort"
	"strings"
)

// EntityKind tags how rows of an entity type come into existence.
type EntityKind string

// Entity kinds. Source rows are inserted by callers (manual and lookup
// tables). Materialized rows are computed from parent keys by Populate
// (imported and computed tables). Part rows are committed and removed
// together with a row of their master.
const (
	KindSource       EntityKind = "source"
	KindMaterialized EntityKind = "materialized"
	KindPart         EntityKind = "part"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindSource, KindMaterialized, KindPart:
		return true
	}
	return false
}

// EntityType is a named row schema. Once registered with a schema the
// attribute list holds the inherited primary key first, then local primary
// attributes, then secondary attributes.
type EntityType struct {
	Name       string      `json:"name" yaml:"name"`
	Kind       EntityKind  `json:"kind" yaml:"kind"`
	Master     string      `json:"master,omitempty" yaml:"master,omitempty"`
	Parents    []string    `json:"parents,omitempty" yaml:"parents,omitempty"`
	Attributes []Attribute `json:"attributes" yaml:"attributes"`
	Comment    string      `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Attr returns the attribute with the given name.
func (e *EntityType) Attr(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// PrimaryKey returns the primary-key attribute names in declaration order.
func (e *EntityType) PrimaryKey() []string {
	var pk []string
	for _, a := range e.Attributes {
		if a.Primary {
			pk = append(pk, a.Name)
		}
	}
	return pk
}

// AttributeNames returns every attribute name in declaration order.
func (e *EntityType) AttributeNames() []string {
	names := make([]string, len(e.Attributes))
	for i, a := range e.Attributes {
		names[i] = a.Name
	}
	return names
}

// KeyOf projects r onto the primary key.
func (e *EntityType) KeyOf(r Row) Key {
	return r.Project(e.PrimaryKey())
}

// NormalizeRow validates r against the entity type and returns a new row
// holding every attribute: values are normalized, missing attributes take
// their default, and unknown attributes are rejected.
func (e *EntityType) NormalizeRow(r Row) (Row, error) {
	return e.normalize(r, Attribute.Normalize)
}

// RowFromJSON is NormalizeRow for rows decoded from JSON, where blobs are
// base64 strings and numbers may be json.Number.
func (e *EntityType) RowFromJSON(r map[string]any) (Row, error) {
	return e.normalize(r, Attribute.FromJSON)
}

func (e *EntityType) normalize(r map[string]any, conv func(Attribute, any) (any, error)) (Row, error) {
	var unknown []string
	for name := range r {
		if _, ok := e.Attr(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s has no attribute %s", ErrInvalidRow, e.Name, strings.Join(unknown, ", "))
	}

	out := make(Row, len(e.Attributes))
	for _, a := range e.Attributes {
		v, ok := r[a.Name]
		if !ok {
			if a.Primary || !a.HasDefault() {
				return nil, fmt.Errorf("%w: %s requires %s", ErrInvalidRow, e.Name, a.Name)
			}
			v = a.Default
		}
		nv, err := conv(a, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
		out[a.Name] = nv
	}
	return out, nil
}
