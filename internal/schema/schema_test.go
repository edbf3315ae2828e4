package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func attr(name string, t types.AttrType, primary bool) types.Attribute {
	return types.Attribute{Name: name, Type: t, Primary: primary}
}

// pipeline builds Mouse -> Session -> Neuron -> Spikes <- Param, with
// Spikes.Waveform as a part of Spikes.
func pipeline(t *testing.T) *Schema {
	t.Helper()
	s := New()
	for _, e := range []types.EntityType{
		{Name: "Mouse", Attributes: []types.Attribute{attr("mouse_id", types.AttrInt, true)}},
		{Name: "Session", Parents: []string{"Mouse"}, Attributes: []types.Attribute{
			attr("session_date", types.AttrDate, true), attr("experimenter", types.AttrText, false),
		}},
		{Name: "Neuron", Kind: types.KindMaterialized, Parents: []string{"Session"}, Attributes: []types.Attribute{
			attr("neuron_id", types.AttrInt, true), attr("activity", types.AttrBlob, false),
		}},
		{Name: "Param", Attributes: []types.Attribute{attr("param_id", types.AttrInt, true)}},
		{Name: "Spikes", Kind: types.KindMaterialized, Parents: []string{"Neuron", "Param"}, Attributes: []types.Attribute{
			attr("count", types.AttrInt, false),
		}},
		{Name: "Spikes.Waveform", Kind: types.KindPart, Master: "Spikes", Attributes: []types.Attribute{
			attr("spike_id", types.AttrInt, true),
		}},
	} {
		require.NoError(t, s.Define(e), e.Name)
	}
	return s
}

func TestDefine_InheritsParentKeys(t *testing.T) {
	s := pipeline(t)

	spikes, err := s.Entity("Spikes")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "param_id"}, spikes.PrimaryKey())
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "param_id", "count"}, spikes.AttributeNames())

	wave, err := s.Entity("Spikes.Waveform")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "param_id", "spike_id"}, wave.PrimaryKey())
	assert.Equal(t, []string{"Spikes"}, wave.Parents)
}

func TestDefine_Errors(t *testing.T) {
	tests := []struct {
		name   string
		entity types.EntityType
		want   error
	}{
		{"bad name", types.EntityType{Name: "9lives", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"duplicate", types.EntityType{Name: "Mouse", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"unknown kind", types.EntityType{Name: "X", Kind: "view", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"unknown parent", types.EntityType{Name: "X", Parents: []string{"Ghost"}, Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrUnknownEntity},
		{"parent twice", types.EntityType{Name: "X", Parents: []string{"Mouse", "Mouse"}}, types.ErrSchema},
		{"materialized without parents", types.EntityType{Name: "X", Kind: types.KindMaterialized, Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"part without master", types.EntityType{Name: "X", Kind: types.KindPart, Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"part of part", types.EntityType{Name: "X", Kind: types.KindPart, Master: "Spikes.Waveform", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"part without own key", types.EntityType{Name: "X", Kind: types.KindPart, Master: "Spikes", Attributes: []types.Attribute{attr("v", types.AttrInt, false)}}, types.ErrSchema},
		{"master on source", types.EntityType{Name: "X", Master: "Spikes", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}, types.ErrSchema},
		{"no key", types.EntityType{Name: "X", Attributes: []types.Attribute{attr("v", types.AttrInt, false)}}, types.ErrSchema},
		{"redeclared key", types.EntityType{Name: "X", Parents: []string{"Mouse"}, Attributes: []types.Attribute{attr("mouse_id", types.AttrInt, true)}}, types.ErrSchema},
		{"attribute twice", types.EntityType{Name: "X", Attributes: []types.Attribute{attr("id", types.AttrInt, true), attr("id", types.AttrText, false)}}, types.ErrSchema},
		{"blob key", types.EntityType{Name: "X", Attributes: []types.Attribute{attr("id", types.AttrBlob, true)}}, types.ErrSchema},
		{"nullable key", types.EntityType{Name: "X", Attributes: []types.Attribute{{Name: "id", Type: types.AttrInt, Primary: true, Nullable: true}}}, types.ErrSchema},
		{"enum without values", types.EntityType{Name: "X", Attributes: []types.Attribute{attr("id", types.AttrEnum, true)}}, types.ErrSchema},
		{"bad default", types.EntityType{Name: "X", Attributes: []types.Attribute{attr("id", types.AttrInt, true), {Name: "v", Type: types.AttrInt, Default: "ten"}}}, types.ErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := pipeline(t)
			before := s.Names()
			err := s.Define(tt.entity)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, s.Names(), "failed definition installs nothing")
		})
	}
}

func TestDefine_DiamondSharesKey(t *testing.T) {
	s := New()
	require.NoError(t, s.Define(types.EntityType{Name: "A", Attributes: []types.Attribute{attr("a", types.AttrInt, true)}}))
	require.NoError(t, s.Define(types.EntityType{Name: "B", Parents: []string{"A"}, Attributes: []types.Attribute{attr("b", types.AttrInt, true)}}))
	require.NoError(t, s.Define(types.EntityType{Name: "C", Parents: []string{"A"}, Attributes: []types.Attribute{attr("c", types.AttrInt, true)}}))
	require.NoError(t, s.Define(types.EntityType{Name: "D", Kind: types.KindMaterialized, Parents: []string{"B", "C"}}))

	d, err := s.Entity("D")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, d.PrimaryKey())

	src, err := s.KeySource("D")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, src)
}

func TestDefine_ConflictingInheritedKey(t *testing.T) {
	s := New()
	require.NoError(t, s.Define(types.EntityType{Name: "A", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}))
	require.NoError(t, s.Define(types.EntityType{Name: "B", Attributes: []types.Attribute{attr("id", types.AttrInt, true)}}))

	err := s.Define(types.EntityType{Name: "C", Parents: []string{"A", "B"}})
	assert.ErrorIs(t, err, types.ErrSchema)
}

func TestDeclareDependency(t *testing.T) {
	s := pipeline(t)

	t.Run("cycle is rejected and nothing changes", func(t *testing.T) {
		children := s.ChildrenOf("Spikes")
		err := s.DeclareDependency("Spikes", "Session")
		assert.ErrorIs(t, err, types.ErrCyclicDependency)
		assert.Equal(t, children, s.ChildrenOf("Spikes"))

		assert.ErrorIs(t, s.DeclareDependency("Mouse", "Mouse"), types.ErrCyclicDependency)
	})

	t.Run("unknown entity", func(t *testing.T) {
		assert.ErrorIs(t, s.DeclareDependency("Ghost", "Mouse"), types.ErrUnknownEntity)
		assert.ErrorIs(t, s.DeclareDependency("Mouse", "Ghost"), types.ErrUnknownEntity)
	})

	t.Run("existing edge is a no-op", func(t *testing.T) {
		require.NoError(t, s.DeclareDependency("Mouse", "Session"))
		assert.Equal(t, []string{"Session"}, s.ChildrenOf("Mouse"))
	})

	t.Run("child must carry the parent key", func(t *testing.T) {
		assert.ErrorIs(t, s.DeclareDependency("Param", "Neuron"), types.ErrSchema)
	})

	t.Run("transitive edge", func(t *testing.T) {
		require.NoError(t, s.DeclareDependency("Mouse", "Neuron"))
		assert.Equal(t, []string{"Session", "Mouse"}, s.ParentsOf("Neuron"))
		e, err := s.Entity("Neuron")
		require.NoError(t, err)
		assert.Equal(t, []string{"Session", "Mouse"}, e.Parents)
	})
}

func TestOrderAndDescendants(t *testing.T) {
	s := pipeline(t)

	order := s.Order()
	pos := make(map[string]int)
	for i, n := range order {
		pos[n] = i
	}
	require.Len(t, order, 6)
	for _, n := range order {
		for _, p := range s.ParentsOf(n) {
			assert.Less(t, pos[p], pos[n], "%s before %s", p, n)
		}
	}

	assert.Equal(t, []string{"Session", "Neuron", "Spikes", "Spikes.Waveform"}, s.DescendantsOf("Mouse"))
	assert.Equal(t, []string{"Spikes", "Spikes.Waveform"}, s.DescendantsOf("Param"))
	assert.Empty(t, s.DescendantsOf("Spikes.Waveform"))
	assert.Equal(t, []string{"Spikes.Waveform"}, s.PartsOf("Spikes"))
	assert.Empty(t, s.PartsOf("Neuron"))
}

func TestKeySource(t *testing.T) {
	s := pipeline(t)

	src, err := s.KeySource("Spikes")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "param_id"}, src)

	src, err = s.KeySource("Spikes.Waveform")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_id", "session_date", "neuron_id", "param_id"}, src)

	_, err = s.KeySource("Ghost")
	assert.ErrorIs(t, err, types.ErrUnknownEntity)
}

func TestLoad(t *testing.T) {
	const doc = `
entities:
  - name: Mouse
    kind: source
    attributes:
      - {name: mouse_id, type: int, primary: true}
      - {name: sex, type: enum, values: [M, F, unknown], default: unknown}
  - name: Session
    parents: [Mouse]
    attributes:
      - {name: session_date, type: date, primary: true}
  - name: Stats
    kind: materialized
    parents: [Session]
    attributes:
      - {name: mean, type: float}
  - name: Summary
    kind: materialized
    parents: [Stats]
    attributes:
      - {name: total, type: float}
dependencies:
  - {parent: Mouse, child: Summary}
`
	s, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"Mouse", "Session", "Stats", "Summary"}, s.Order())
	assert.Equal(t, []string{"Stats", "Mouse"}, s.ParentsOf("Summary"))

	mouse, err := s.Entity("Mouse")
	require.NoError(t, err)
	sex, ok := mouse.Attr("sex")
	require.True(t, ok)
	assert.Equal(t, "unknown", sex.Default)

	desc := s.Describe()
	assert.Contains(t, desc, "Session [source] <- Mouse  key(mouse_id, session_date)")
	assert.Contains(t, desc, "Stats [materialized] <- Session  key(mouse_id, session_date)  mean:float")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"unknown field", "entities:\n  - name: A\n    colour: red\n", types.ErrSchema},
		{"child before parent", "entities:\n  - name: B\n    parents: [A]\n    attributes: [{name: b, type: int, primary: true}]\n  - name: A\n    attributes: [{name: a, type: int, primary: true}]\n", types.ErrUnknownEntity},
		{"cycle", `
entities:
  - name: A
    attributes: [{name: a, type: int, primary: true}]
  - name: B
    parents: [A]
    attributes: [{name: b, type: int, primary: true}]
dependencies:
  - {parent: B, child: A}
`, types.ErrCyclicDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	s, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, s.Names())

	_, err = LoadFile("does/not/exist.yaml")
	assert.Error(t, err)
}
