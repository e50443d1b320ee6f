package action

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(as []Action) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.Name)
	}
	return out
}

func TestBuildTopologicalOrder(t *testing.T) {
	t.Parallel()
	g, err := Build([]Action{
		{Name: "report", Command: "make report", Requires: []string{"load", "fetch"}},
		{Name: "fetch", Command: "curl"},
		{Name: "load", Command: "load", Requires: []string{"fetch"}},
		{Name: "lint", Command: "lint"},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"fetch", "load", "report", "lint"}, names(g.TopologicalOrder()))
	assert.Equal(t, []string{"report", "fetch", "load", "lint"}, g.Names())
	assert.ElementsMatch(t, []string{"report", "load"}, g.Dependents("fetch"))
}

func TestBuildTiesFollowDeclarationOrder(t *testing.T) {
	t.Parallel()
	g, err := Build([]Action{
		{Name: "c"}, {Name: "a"}, {Name: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, names(g.TopologicalOrder()))
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		defs  []Action
		check func(t *testing.T, err error)
	}{
		{
			name: "duplicate",
			defs: []Action{{Name: "a"}, {Name: "a"}},
			check: func(t *testing.T, err error) {
				var de *DuplicateNameError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, "a", de.Name)
			},
		},
		{
			name: "unknown dependency",
			defs: []Action{{Name: "a", Requires: []string{"ghost"}}},
			check: func(t *testing.T, err error) {
				var ue *UnknownDependencyError
				require.ErrorAs(t, err, &ue)
				assert.Equal(t, "a", ue.Action)
				assert.Equal(t, "ghost", ue.Requires)
			},
		},
		{
			name: "cycle",
			defs: []Action{
				{Name: "a", Requires: []string{"c"}},
				{Name: "b", Requires: []string{"a"}},
				{Name: "c", Requires: []string{"b"}},
			},
			check: func(t *testing.T, err error) {
				var ce *CycleError
				require.ErrorAs(t, err, &ce)
				require.NotEmpty(t, ce.Path)
				assert.Equal(t, ce.Path[0], ce.Path[len(ce.Path)-1])
				assert.True(t, errors.Is(err, ErrCycle))
			},
		},
		{
			name: "self loop",
			defs: []Action{{Name: "a", Requires: []string{"a"}}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrCycle)
			},
		},
		{
			name: "empty name",
			defs: []Action{{Name: " "}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidGraph)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Build(tt.defs)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidGraph)
			tt.check(t, err)
		})
	}
}

func TestGraphEqualAndHash(t *testing.T) {
	t.Parallel()
	a, err := Build([]Action{
		{Name: "one", Command: "x"},
		{Name: "two", Command: "y", Requires: []string{"one"}},
	})
	require.NoError(t, err)
	b, err := Build([]Action{
		{Name: "two", Command: "y", Requires: []string{"one", "one"}},
		{Name: "one", Command: "x"},
	})
	require.NoError(t, err)
	c, err := Build([]Action{
		{Name: "one", Command: "changed"},
		{Name: "two", Command: "y", Requires: []string{"one"}},
	})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestActionEqual(t *testing.T) {
	t.Parallel()
	x := Action{Name: "a", Command: "c", Requires: []string{"b", "z"}}
	assert.True(t, x.Equal(Action{Name: "a", Command: "c", Requires: []string{"z", "b"}}))
	assert.False(t, x.Equal(Action{Name: "a", Command: "c", Requires: []string{"z"}}))
	assert.False(t, x.Equal(Action{Name: "a", Command: "d", Requires: []string{"b", "z"}}))
}

func TestActionMapIsCopy(t *testing.T) {
	t.Parallel()
	g, err := Build([]Action{{Name: "a", Command: "x"}})
	require.NoError(t, err)
	m := g.ActionMap()
	delete(m, "a")
	_, ok := g.Action("a")
	assert.True(t, ok)
}
