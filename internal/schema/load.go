package schema

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// fileSchema is the YAML layout of a schema file:
//
//	entities:
//	  - name: Session
//	    kind: source
//	    parents: [Mouse]
//	    attributes:
//	      - {name: session_date, type: date, primary: true}
//	      - {name: experimenter, type: text}
//	dependencies:
//	  - {parent: Mouse, child: Session}
type fileSchema struct {
	Entities     []types.EntityType `yaml:"entities"`
	Dependencies []fileDependency   `yaml:"dependencies"`
}

type fileDependency struct {
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
}

// Load reads a YAML schema. Entities are defined in file order, so parents
// must be listed before their dependents.
func Load(r io.Reader) (*Schema, error) {
	var f fileSchema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return New(), nil
		}
		return nil, fmt.Errorf("%w: decoding schema: %v", types.ErrSchema, err)
	}

	s := New()
	for _, e := range f.Entities {
		if err := s.Define(e); err != nil {
			return nil, err
		}
	}
	for _, d := range f.Dependencies {
		if err := s.DeclareDependency(d.Parent, d.Child); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadFile reads a YAML schema from path.
func LoadFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening schema: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Describe renders the schema as one line per entity in topological order:
//
//	Session [source] <- Mouse  key(mouse_id, session_date)
func (s *Schema) Describe() string {
	var sb strings.Builder
	for _, n := range s.Order() {
		e := s.entities[n]
		fmt.Fprintf(&sb, "%s [%s]", e.Name, e.Kind)
		if ps := s.parents[n]; len(ps) > 0 {
			fmt.Fprintf(&sb, " <- %s", strings.Join(ps, ", "))
		}
		fmt.Fprintf(&sb, "  key(%s)", strings.Join(e.PrimaryKey(), ", "))
		var sec []string
		for _, a := range e.Attributes {
			if !a.Primary {
				sec = append(sec, a.Name+":"+string(a.Type))
			}
		}
		if len(sec) > 0 {
			fmt.Fprintf(&sb, "  %s", strings.Join(sec, " "))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
