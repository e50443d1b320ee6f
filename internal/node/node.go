// Package node holds execution targets: single hosts and pools of hosts.
package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

var ErrUnknownNode = errors.New("unknown node")

// Target is what a job runs on. A pool hands out one member per call.
type Target interface {
	Name() string
	Next() *Node
}

// Node is a single execution host.
type Node struct {
	name     string
	hostname string
}

func New(name, hostname string) *Node {
	if strings.TrimSpace(hostname) == "" {
		hostname = name
	}
	return &Node{name: name, hostname: hostname}
}

func (n *Node) Name() string     { return n.name }
func (n *Node) Hostname() string { return n.hostname }
func (n *Node) Next() *Node      { return n }

// Pool selects members round-robin.
type Pool struct {
	name  string
	nodes []*Node
	next  atomic.Uint64
}

func NewPool(name string, nodes []*Node) *Pool {
	return &Pool{name: name, nodes: append([]*Node(nil), nodes...)}
}

func (p *Pool) Name() string { return p.name }

// Nodes returns the members in declaration order.
func (p *Pool) Nodes() []*Node { return append([]*Node(nil), p.nodes...) }

func (p *Pool) Next() *Node {
	if len(p.nodes) == 0 {
		return nil
	}
	i := p.next.Add(1) - 1
	return p.nodes[i%uint64(len(p.nodes))]
}

// Equal reports whether a and b hand out the same hosts in the same order.
// Pool rotation state is not compared.
func Equal(a, b Target) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Name() != b.Name() {
		return false
	}
	switch x := a.(type) {
	case *Node:
		y, ok := b.(*Node)
		return ok && x.hostname == y.hostname
	case *Pool:
		y, ok := b.(*Pool)
		if !ok || len(x.nodes) != len(y.nodes) {
			return false
		}
		for i := range x.nodes {
			if !Equal(x.nodes[i], y.nodes[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

// Set resolves target names. Nodes and pools share one namespace.
type Set struct {
	nodes map[string]*Node
	pools map[string]*Pool
}

func NewSet() *Set {
	return &Set{nodes: map[string]*Node{}, pools: map[string]*Pool{}}
}

// AddNode registers a node; names must be unique across nodes and pools.
func (s *Set) AddNode(n *Node) error {
	if strings.TrimSpace(n.name) == "" {
		return errors.New("node name is required")
	}
	if s.has(n.name) {
		return fmt.Errorf("duplicate node name %q", n.name)
	}
	s.nodes[n.name] = n
	return nil
}

// AddPool registers a pool over already registered nodes.
func (s *Set) AddPool(name string, members []string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("node pool name is required")
	}
	if s.has(name) {
		return fmt.Errorf("duplicate node name %q", name)
	}
	if len(members) == 0 {
		return fmt.Errorf("node pool %q has no nodes", name)
	}
	nodes := make([]*Node, 0, len(members))
	for _, m := range members {
		n, ok := s.nodes[m]
		if !ok {
			return fmt.Errorf("node pool %q: %w %q", name, ErrUnknownNode, m)
		}
		nodes = append(nodes, n)
	}
	s.pools[name] = NewPool(name, nodes)
	return nil
}

func (s *Set) has(name string) bool {
	_, n := s.nodes[name]
	_, p := s.pools[name]
	return n || p
}

// Resolve returns the node or pool registered under name.
func (s *Set) Resolve(name string) (Target, error) {
	if n, ok := s.nodes[name]; ok {
		return n, nil
	}
	if p, ok := s.pools[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownNode, name)
}

// Names returns all registered node and pool names, sorted.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.nodes)+len(s.pools))
	for k := range s.nodes {
		out = append(out, k)
	}
	for k := range s.pools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
