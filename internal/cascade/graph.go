// Package cascade propagates a fraction of each service's risk score to the
// services that depend on it, walking the dependency graph in topological
// order. Cyclic components are detected up front and skipped so cascades
// can never loop.
package cascade

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dynarisk/riskengine/internal/model"
)

// Graph is an arena-and-index representation of the dependency graph:
// services are indices into a slice, edges are adjacency lists. This keeps
// cycle detection simple and concurrent reads safe.
type Graph struct {
	ids      []string
	indexOf  map[string]int
	outgoing [][]edge // parent -> dependents
	incoming [][]edge // dependent -> parents
}

type edge struct {
	to     int
	weight float64
}

// CycleError names the services of a cyclic component. Propagation for that
// component is skipped; other components are unaffected.
type CycleError struct {
	Services []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Services, " -> ")
}

// NewGraph builds the arena from dependency edges. Edges with out-of-range
// impact weights are rejected.
func NewGraph(edges []model.ServiceDependencyEdge) (*Graph, error) {
	g := &Graph{indexOf: make(map[string]int)}

	add := func(id string) int {
		if idx, ok := g.indexOf[id]; ok {
			return idx
		}
		idx := len(g.ids)
		g.indexOf[id] = idx
		g.ids = append(g.ids, id)
		g.outgoing = append(g.outgoing, nil)
		g.incoming = append(g.incoming, nil)
		return idx
	}

	for _, e := range edges {
		if e.ImpactWeight < 0 || e.ImpactWeight > 1 {
			return nil, fmt.Errorf("edge %s -> %s: impact weight %v out of [0, 1]",
				e.ParentServiceID, e.DependentServiceID, e.ImpactWeight)
		}
		parent := add(e.ParentServiceID)
		dependent := add(e.DependentServiceID)
		g.outgoing[parent] = append(g.outgoing[parent], edge{to: dependent, weight: e.ImpactWeight})
		g.incoming[dependent] = append(g.incoming[dependent], edge{to: parent, weight: e.ImpactWeight})
	}

	return g, nil
}

// Services returns all service IDs in the graph, sorted.
func (g *Graph) Services() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	sort.Strings(out)
	return out
}

// cyclicMembers returns, per node, whether it belongs to a component that
// cannot be topologically ordered, plus the sorted member list of each
// cyclic component for the structural warning.
func (g *Graph) cyclicMembers() (map[int]bool, []*CycleError) {
	n := len(g.ids)
	indegree := make([]int, n)
	for from := range g.outgoing {
		for _, e := range g.outgoing[from] {
			indegree[e.to]++
		}
	}

	// Kahn's algorithm: whatever survives peeling is part of (or strictly
	// downstream of) a cycle.
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	removed := 0
	degree := make([]int, n)
	copy(degree, indegree)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		removed++
		for _, e := range g.outgoing[node] {
			degree[e.to]--
			if degree[e.to] == 0 {
				queue = append(queue, e.to)
			}
		}
	}

	cyclic := make(map[int]bool)
	if removed == n {
		return cyclic, nil
	}
	for i := 0; i < n; i++ {
		if degree[i] > 0 {
			cyclic[i] = true
		}
	}

	// Group the surviving nodes into weakly connected components so each
	// cycle produces one warning.
	visited := make(map[int]bool)
	var errs []*CycleError
	for i := 0; i < n; i++ {
		if !cyclic[i] || visited[i] {
			continue
		}
		var members []string
		stack := []int{i}
		visited[i] = true
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, g.ids[node])
			for _, e := range g.outgoing[node] {
				if cyclic[e.to] && !visited[e.to] {
					visited[e.to] = true
					stack = append(stack, e.to)
				}
			}
			for _, e := range g.incoming[node] {
				if cyclic[e.to] && !visited[e.to] {
					visited[e.to] = true
					stack = append(stack, e.to)
				}
			}
		}
		sort.Strings(members)
		errs = append(errs, &CycleError{Services: members})
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Services[0] < errs[j].Services[0] })
	return cyclic, errs
}

// topoOrder returns the acyclic nodes in topological order, parents before
// dependents, skipping cyclic members entirely.
func (g *Graph) topoOrder(cyclic map[int]bool) []int {
	n := len(g.ids)
	indegree := make([]int, n)
	for from := range g.outgoing {
		if cyclic[from] {
			continue
		}
		for _, e := range g.outgoing[from] {
			if !cyclic[e.to] {
				indegree[e.to]++
			}
		}
	}

	// Seed with sorted roots so propagation order is deterministic.
	var queue []int
	for i := 0; i < n; i++ {
		if !cyclic[i] && indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Slice(queue, func(a, b int) bool { return g.ids[queue[a]] < g.ids[queue[b]] })

	var order []int
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var ready []int
		for _, e := range g.outgoing[node] {
			if cyclic[e.to] {
				continue
			}
			indegree[e.to]--
			if indegree[e.to] == 0 {
				ready = append(ready, e.to)
			}
		}
		sort.Slice(ready, func(a, b int) bool { return g.ids[ready[a]] < g.ids[ready[b]] })
		queue = append(queue, ready...)
	}
	return order
}
