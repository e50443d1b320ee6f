// Package cmdctx resolves command context variables through a chain of live
// layers: run variables, then the job's context, then the global
// command_context.
//
// Layers are shared by reference. Replacing the contents of the global layer
// is visible through every job and run chain built on top of it without
// rebuilding anything.
package cmdctx

import (
	"maps"
	"sort"
	"sync"
)

// Layer is one mutable key/value mapping.
type Layer struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewLayer returns a layer holding a copy of vars.
func NewLayer(vars map[string]string) *Layer {
	l := &Layer{}
	l.Replace(vars)
	return l
}

// Get returns the value for key in this layer only.
func (l *Layer) Get(key string) (string, bool) {
	if l == nil {
		return "", false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.vars[key]
	return v, ok
}

// Set stores one key.
func (l *Layer) Set(key, value string) {
	l.mu.Lock()
	if l.vars == nil {
		l.vars = map[string]string{}
	}
	l.vars[key] = value
	l.mu.Unlock()
}

// Replace swaps the whole backing map in place; the layer identity is kept.
func (l *Layer) Replace(vars map[string]string) {
	cp := make(map[string]string, len(vars))
	maps.Copy(cp, vars)
	l.mu.Lock()
	l.vars = cp
	l.mu.Unlock()
}

// Equal reports whether the layer holds exactly vars.
func (l *Layer) Equal(vars map[string]string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Equal(l.vars, vars)
}

// Keys returns the sorted keys of this layer.
func (l *Layer) Keys() []string {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	out := make([]string, 0, len(l.vars))
	for k := range l.vars {
		out = append(out, k)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Chain is an ordered list of layers, innermost first.
type Chain struct {
	layers []*Layer
}

// NewChain builds a chain; the first layer has the highest precedence.
// Nil layers are skipped.
func NewChain(layers ...*Layer) *Chain {
	c := &Chain{layers: make([]*Layer, 0, len(layers))}
	for _, l := range layers {
		if l != nil {
			c.layers = append(c.layers, l)
		}
	}
	return c
}

// Push returns a new chain with inner in front of c's layers. c is unchanged.
func (c *Chain) Push(inner *Layer) *Chain {
	if c == nil {
		return NewChain(inner)
	}
	return NewChain(append([]*Layer{inner}, c.layers...)...)
}

// Resolve walks the layers inner to outer; the first hit wins.
func (c *Chain) Resolve(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, l := range c.layers {
		if v, ok := l.Get(key); ok {
			return v, true
		}
	}
	return "", false
}

// Layer returns the layer at depth i (0 = innermost).
func (c *Chain) Layer(i int) *Layer {
	if c == nil || i < 0 || i >= len(c.layers) {
		return nil
	}
	return c.layers[i]
}

// Depth returns the number of layers.
func (c *Chain) Depth() int {
	if c == nil {
		return 0
	}
	return len(c.layers)
}

// Flatten resolves every visible key into a plain map.
func (c *Chain) Flatten() map[string]string {
	out := map[string]string{}
	if c == nil {
		return out
	}
	for i := len(c.layers) - 1; i >= 0; i-- {
		l := c.layers[i]
		l.mu.RLock()
		maps.Copy(out, l.vars)
		l.mu.RUnlock()
	}
	return out
}
