package snapshot

import (
	"fmt"
	"sort"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Forest is an arena of category nodes with parent-index references. Building
// one validates the forest invariant: no cycles, every parent resolves, and
// depth equals parent depth + 1 (roots at 0).
type Forest struct {
	nodes   []monitor.CategoryNode
	parents []int
	index   map[string]int
}

// BuildForest constructs a Forest from category nodes of a single site.
// Nodes are sorted by code so the arena layout is stable.
func BuildForest(nodes []monitor.CategoryNode) (*Forest, error) {
	arena := append([]monitor.CategoryNode(nil), nodes...)
	sort.Slice(arena, func(i, j int) bool { return arena[i].Code < arena[j].Code })

	index := make(map[string]int, len(arena))
	for i, n := range arena {
		if _, dup := index[n.Code]; dup {
			return nil, fmt.Errorf("duplicate category code %q", n.Code)
		}
		index[n.Code] = i
	}

	parents := make([]int, len(arena))
	for i, n := range arena {
		if n.Parent == "" {
			parents[i] = -1
			continue
		}
		pi, ok := index[n.Parent]
		if !ok {
			return nil, fmt.Errorf("category %q references unknown parent %q", n.Code, n.Parent)
		}
		parents[i] = pi
	}

	f := &Forest{nodes: arena, parents: parents, index: index}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Forest) validate() error {
	for i := range f.nodes {
		// Walk to the root; more hops than nodes means a cycle.
		hops := 0
		for j := i; f.parents[j] != -1; j = f.parents[j] {
			hops++
			if hops > len(f.nodes) {
				return fmt.Errorf("cycle through category %q", f.nodes[i].Code)
			}
		}
		pi := f.parents[i]
		switch {
		case pi == -1 && f.nodes[i].Depth != 0:
			return fmt.Errorf("root category %q has depth %d", f.nodes[i].Code, f.nodes[i].Depth)
		case pi != -1 && f.nodes[i].Depth != f.nodes[pi].Depth+1:
			return fmt.Errorf("category %q depth %d does not follow parent depth %d",
				f.nodes[i].Code, f.nodes[i].Depth, f.nodes[pi].Depth)
		}
	}
	return nil
}

// Len returns the number of nodes in the arena.
func (f *Forest) Len() int {
	return len(f.nodes)
}

// Node returns the node with the given code.
func (f *Forest) Node(code string) (monitor.CategoryNode, bool) {
	i, ok := f.index[code]
	if !ok {
		return monitor.CategoryNode{}, false
	}
	return f.nodes[i], true
}

// Roots returns the root nodes in code order.
func (f *Forest) Roots() []monitor.CategoryNode {
	var out []monitor.CategoryNode
	for i, p := range f.parents {
		if p == -1 {
			out = append(out, f.nodes[i])
		}
	}
	return out
}

// Children returns the direct children of the node with the given code,
// in code order.
func (f *Forest) Children(code string) []monitor.CategoryNode {
	pi, ok := f.index[code]
	if !ok {
		return nil
	}
	var out []monitor.CategoryNode
	for i, p := range f.parents {
		if p == pi {
			out = append(out, f.nodes[i])
		}
	}
	return out
}

// ActiveCount returns how many nodes are currently active.
func (f *Forest) ActiveCount() int {
	var n int
	for _, node := range f.nodes {
		if node.Active {
			n++
		}
	}
	return n
}
