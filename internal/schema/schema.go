// Package schema holds the entity types of a pipeline and the dependency
// DAG between them. Entity types are defined once, before any row exists,
// and never change afterwards.
package schema

import (
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/mesh-intelligence/larder/pkg/types"
)

var (
	entityNameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)
	attrNameRE   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Schema is the set of entity types and their dependency edges. It is safe
// for concurrent readers once definition is complete.
type Schema struct {
	entities map[string]*types.EntityType
	defined  []string            // definition order
	parents  map[string][]string // direct parents, master first for parts
	children map[string][]string
	// origin maps entity -> primary attribute -> entity that declared it
	// locally. Inherited attributes unify only when their origins agree.
	origin map[string]map[string]string
}

// New returns an empty schema.
func New() *Schema {
	return &Schema{
		entities: make(map[string]*types.EntityType),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
		origin:   make(map[string]map[string]string),
	}
}

// Define registers an entity type. Parents (and the master of a part) must
// already be defined. The entity's primary key becomes the union of its
// parents' primary keys followed by its local primary attributes.
func (s *Schema) Define(e types.EntityType) error {
	if !entityNameRE.MatchString(e.Name) {
		return fmt.Errorf("%w: invalid entity name %q", types.ErrSchema, e.Name)
	}
	if _, exists := s.entities[e.Name]; exists {
		return fmt.Errorf("%w: %s is already defined", types.ErrSchema, e.Name)
	}
	if e.Kind == "" {
		e.Kind = types.KindSource
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", types.ErrSchema, e.Name, e.Kind)
	}

	parents, err := s.resolveParents(&e)
	if err != nil {
		return err
	}

	attrs, origin, err := s.resolveAttributes(&e, parents)
	if err != nil {
		return err
	}

	def := &types.EntityType{
		Name:       e.Name,
		Kind:       e.Kind,
		Master:     e.Master,
		Parents:    parents,
		Attributes: attrs,
		Comment:    e.Comment,
	}
	s.entities[e.Name] = def
	s.defined = append(s.defined, e.Name)
	s.parents[e.Name] = slices.Clone(parents)
	s.origin[e.Name] = origin
	for _, p := range parents {
		s.children[p] = append(s.children[p], e.Name)
	}
	return nil
}

func (s *Schema) resolveParents(e *types.EntityType) ([]string, error) {
	var parents []string
	switch e.Kind {
	case types.KindPart:
		if e.Master == "" {
			return nil, fmt.Errorf("%w: part %s has no master", types.ErrSchema, e.Name)
		}
		m, ok := s.entities[e.Master]
		if !ok {
			return nil, fmt.Errorf("%w: master %q of %s: %w", types.ErrSchema, e.Master, e.Name, types.ErrUnknownEntity)
		}
		if m.Kind == types.KindPart {
			return nil, fmt.Errorf("%w: part %s cannot belong to part %s", types.ErrSchema, e.Name, m.Name)
		}
		parents = append(parents, e.Master)
	default:
		if e.Master != "" {
			return nil, fmt.Errorf("%w: only parts have a master, %s is %s", types.ErrSchema, e.Name, e.Kind)
		}
	}

	for _, p := range e.Parents {
		if p == e.Master {
			continue
		}
		if _, ok := s.entities[p]; !ok {
			return nil, fmt.Errorf("%w: parent %q of %s: %w", types.ErrSchema, p, e.Name, types.ErrUnknownEntity)
		}
		if slices.Contains(parents, p) {
			return nil, fmt.Errorf("%w: %s lists parent %s twice", types.ErrSchema, e.Name, p)
		}
		parents = append(parents, p)
	}

	if e.Kind == types.KindMaterialized && len(parents) == 0 {
		return nil, fmt.Errorf("%w: materialized %s needs at least one parent", types.ErrSchema, e.Name)
	}
	return parents, nil
}

func (s *Schema) resolveAttributes(e *types.EntityType, parents []string) ([]types.Attribute, map[string]string, error) {
	origin := make(map[string]string)
	var inherited []types.Attribute

	for _, p := range parents {
		pe := s.entities[p]
		for _, a := range pe.Attributes {
			if !a.Primary {
				continue
			}
			from := s.origin[p][a.Name]
			if prev, seen := origin[a.Name]; seen {
				if prev != from {
					return nil, nil, fmt.Errorf("%w: %s inherits %q from both %s and %s",
						types.ErrSchema, e.Name, a.Name, prev, from)
				}
				continue
			}
			origin[a.Name] = from
			inherited = append(inherited, types.Attribute{
				Name:       a.Name,
				Type:       a.Type,
				Primary:    true,
				EnumValues: slices.Clone(a.EnumValues),
				Comment:    a.Comment,
			})
		}
	}

	var local, secondary []types.Attribute
	seen := make(map[string]bool)
	for _, a := range e.Attributes {
		if err := validateAttribute(e.Name, a); err != nil {
			return nil, nil, err
		}
		if seen[a.Name] {
			return nil, nil, fmt.Errorf("%w: %s declares %q twice", types.ErrSchema, e.Name, a.Name)
		}
		seen[a.Name] = true
		if _, ok := origin[a.Name]; ok {
			return nil, nil, fmt.Errorf("%w: %s redeclares inherited key %q", types.ErrSchema, e.Name, a.Name)
		}
		if a.Default != nil {
			v, err := a.Normalize(a.Default)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: default of %s.%s: %v", types.ErrSchema, e.Name, a.Name, err)
			}
			a.Default = v
		}
		a.EnumValues = slices.Clone(a.EnumValues)
		if a.Primary {
			origin[a.Name] = e.Name
			local = append(local, a)
		} else {
			secondary = append(secondary, a)
		}
	}

	if len(inherited)+len(local) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no primary key", types.ErrSchema, e.Name)
	}
	if e.Kind == types.KindPart && len(local) == 0 && len(parents) == 1 {
		// A part without its own key could hold one row per master row only,
		// which is just a secondary attribute of the master.
		return nil, nil, fmt.Errorf("%w: part %s needs a primary attribute of its own", types.ErrSchema, e.Name)
	}

	attrs := make([]types.Attribute, 0, len(inherited)+len(local)+len(secondary))
	attrs = append(attrs, inherited...)
	attrs = append(attrs, local...)
	attrs = append(attrs, secondary...)
	return attrs, origin, nil
}

func validateAttribute(entity string, a types.Attribute) error {
	if !attrNameRE.MatchString(a.Name) {
		return fmt.Errorf("%w: %s has invalid attribute name %q", types.ErrSchema, entity, a.Name)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: %s.%s has unknown type %q", types.ErrSchema, entity, a.Name, a.Type)
	}
	if a.Type == types.AttrEnum && len(a.EnumValues) == 0 {
		return fmt.Errorf("%w: enum %s.%s has no values", types.ErrSchema, entity, a.Name)
	}
	if a.Primary {
		if a.Nullable {
			return fmt.Errorf("%w: key %s.%s cannot be nullable", types.ErrSchema, entity, a.Name)
		}
		if a.Type == types.AttrBlob {
			return fmt.Errorf("%w: key %s.%s cannot be a blob", types.ErrSchema, entity, a.Name)
		}
	}
	return nil
}

// DeclareDependency adds an edge from parent to an already defined child.
// The child must already carry the parent's primary key. An edge that would
// close a cycle returns ErrCyclicDependency and leaves the schema unchanged.
func (s *Schema) DeclareDependency(parent, child string) error {
	pe, ok := s.entities[parent]
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownEntity, parent)
	}
	ce, ok := s.entities[child]
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownEntity, child)
	}
	if parent == child || s.reaches(child, parent) {
		return fmt.Errorf("%w: %s -> %s", types.ErrCyclicDependency, parent, child)
	}
	if slices.Contains(s.parents[child], parent) {
		return nil
	}
	if ce.Kind == types.KindPart && pe.Kind == types.KindPart {
		return fmt.Errorf("%w: part %s cannot depend on part %s", types.ErrSchema, child, parent)
	}
	for _, a := range pe.PrimaryKey() {
		from := s.origin[parent][a]
		if s.origin[child][a] != from {
			return fmt.Errorf("%w: %s does not carry key %q of %s", types.ErrSchema, child, a, parent)
		}
	}

	s.parents[child] = append(s.parents[child], parent)
	s.children[parent] = append(s.children[parent], child)
	ce.Parents = slices.Clone(s.parents[child])
	return nil
}

// reaches reports whether to is a transitive descendant of from.
func (s *Schema) reaches(from, to string) bool {
	stack := []string{from}
	seen := map[string]bool{from: true}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range s.children[n] {
			if c == to {
				return true
			}
			if !seen[c] {
				seen[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}

// Entity returns the entity type with the given name.
func (s *Schema) Entity(name string) (*types.EntityType, error) {
	e, ok := s.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownEntity, name)
	}
	return e, nil
}

// Names returns every entity name in topological order.
func (s *Schema) Names() []string {
	return s.Order()
}

// ParentsOf returns the direct parents of name. The master of a part comes
// first.
func (s *Schema) ParentsOf(name string) []string {
	return slices.Clone(s.parents[name])
}

// ChildrenOf returns the direct dependents of name, parts included.
func (s *Schema) ChildrenOf(name string) []string {
	return slices.Clone(s.children[name])
}

// PartsOf returns the part entity types owned by master.
func (s *Schema) PartsOf(master string) []string {
	var parts []string
	for _, c := range s.children[master] {
		if e := s.entities[c]; e.Kind == types.KindPart && e.Master == master {
			parts = append(parts, c)
		}
	}
	return parts
}

// Order returns every entity name so that each appears after all of its
// ancestors. Ties keep definition order.
func (s *Schema) Order() []string {
	index := make(map[string]int, len(s.defined))
	indeg := make(map[string]int, len(s.defined))
	for i, n := range s.defined {
		index[n] = i
		indeg[n] = len(s.parents[n])
	}

	var ready []string
	for _, n := range s.defined {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	order := make([]string, 0, len(s.defined))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, c := range s.children[n] {
			indeg[c]--
			if indeg[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return order
}

// DescendantsOf returns every transitive dependent of name in topological
// order: each entity appears after all of its ancestors. Deleting in
// reverse order removes the farthest descendants first.
func (s *Schema) DescendantsOf(name string) []string {
	reach := make(map[string]bool)
	stack := []string{name}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range s.children[n] {
			if !reach[c] {
				reach[c] = true
				stack = append(stack, c)
			}
		}
	}
	var out []string
	for _, n := range s.Order() {
		if reach[n] {
			out = append(out, n)
		}
	}
	return out
}

// KeySource returns the attributes that identify one unit of work for a
// materialized entity: the union of its parents' primary keys. For a part it
// is the master's primary key.
func (s *Schema) KeySource(name string) ([]string, error) {
	e, err := s.Entity(name)
	if err != nil {
		return nil, err
	}
	if e.Kind == types.KindPart {
		return s.entities[e.Master].PrimaryKey(), nil
	}
	var attrs []string
	for _, p := range s.parents[name] {
		for _, a := range s.entities[p].PrimaryKey() {
			if !slices.Contains(attrs, a) {
				attrs = append(attrs, a)
			}
		}
	}
	return attrs, nil
}
