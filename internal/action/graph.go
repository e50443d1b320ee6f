package action

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"strings"
)

// Action is the definition of one command in a job. It carries no execution state.
type Action struct {
	Name     string
	Command  string
	Requires []string
}

// Equal reports whether a and b are equivalent across a reconfiguration:
// same name, same command and the same requires set (order-insensitive).
func (a Action) Equal(b Action) bool {
	if a.Name != b.Name || a.Command != b.Command {
		return false
	}
	return slices.Equal(sortedCopy(a.Requires), sortedCopy(b.Requires))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return slices.Compact(out)
}

// Graph is an immutable, validated dependency graph over one job's actions.
//
// It is safe for concurrent read access.
type Graph struct {
	actions []Action       // declaration order
	byName  map[string]int // name -> declaration index

	outgoing [][]int // dependents, ascending declaration index
	indeg    []int

	order []int // cached topological order
	hash  string
}

// Build validates defs and returns the graph.
//
// It rejects empty and duplicate names, requires that reference actions
// outside of defs, self-loops and any cycle.
func Build(defs []Action) (*Graph, error) {
	g := &Graph{
		actions: make([]Action, 0, len(defs)),
		byName:  make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, invalidf("action name is required")
		}
		if _, dup := g.byName[name]; dup {
			return nil, &DuplicateNameError{Name: name}
		}
		g.byName[name] = len(g.actions)
		g.actions = append(g.actions, Action{
			Name:     name,
			Command:  d.Command,
			Requires: sortedCopy(d.Requires),
		})
	}

	g.outgoing = make([][]int, len(g.actions))
	g.indeg = make([]int, len(g.actions))
	for i, a := range g.actions {
		for _, req := range a.Requires {
			j, ok := g.byName[req]
			if !ok {
				return nil, &UnknownDependencyError{Action: a.Name, Requires: req}
			}
			if j == i {
				return nil, &CycleError{Path: []string{a.Name, a.Name}}
			}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
	}

	g.order = g.topoOrderIndices()
	if len(g.order) != len(g.actions) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	g.hash = g.computeHash()
	return g, nil
}

// Len returns the number of actions.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.actions)
}

// Action returns the named action.
func (g *Graph) Action(name string) (Action, bool) {
	if g == nil {
		return Action{}, false
	}
	i, ok := g.byName[name]
	if !ok {
		return Action{}, false
	}
	return g.actions[i], true
}

// ActionMap returns a copy of the name -> action mapping.
func (g *Graph) ActionMap() map[string]Action {
	out := make(map[string]Action, g.Len())
	if g == nil {
		return out
	}
	for _, a := range g.actions {
		out[a.Name] = a
	}
	return out
}

// Names returns action names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, 0, g.Len())
	if g == nil {
		return out
	}
	for _, a := range g.actions {
		out = append(out, a.Name)
	}
	return out
}

// Actions returns the actions in declaration order.
func (g *Graph) Actions() []Action {
	if g == nil {
		return nil
	}
	return append([]Action(nil), g.actions...)
}

// Dependents returns the names of actions that directly require name.
func (g *Graph) Dependents(name string) []string {
	if g == nil {
		return nil
	}
	i, ok := g.byName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.outgoing[i]))
	for _, j := range g.outgoing[i] {
		out = append(out, g.actions[j].Name)
	}
	return out
}

// TopologicalOrder returns every action with requirements before dependents.
// Ties are broken by declaration order.
func (g *Graph) TopologicalOrder() []Action {
	if g == nil {
		return nil
	}
	out := make([]Action, 0, len(g.order))
	for _, i := range g.order {
		out = append(out, g.actions[i])
	}
	return out
}

// Equal reports exact structural equality: same action set, each action equivalent.
// Declaration order does not matter.
func (g *Graph) Equal(other *Graph) bool {
	if g == nil || other == nil {
		return g == other
	}
	if len(g.actions) != len(other.actions) {
		return false
	}
	for _, a := range g.actions {
		b, ok := other.Action(a.Name)
		if !ok || !a.Equal(b) {
			return false
		}
	}
	return true
}

// Hash is a stable identity of the graph's structure.
func (g *Graph) Hash() string {
	if g == nil {
		return ""
	}
	return g.hash
}

func (g *Graph) computeHash() string {
	names := g.Names()
	sort.Strings(names)

	h := sha256.New()
	for _, n := range names {
		a := g.actions[g.byName[n]]
		h.Write([]byte(a.Name))
		h.Write([]byte{0})
		h.Write([]byte(a.Command))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(a.Requires, ",")))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices is Kahn's algorithm with a min-heap on declaration index.
// On a cyclic graph it returns fewer indices than there are actions.
func (g *Graph) topoOrderIndices() []int {
	indeg := append([]int(nil), g.indeg...)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle witness in dependency direction, first == last.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.actions))
	parent := make([]int, len(g.actions))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.actions {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.actions[cycle[i]].Name)
	}
	return out
}
