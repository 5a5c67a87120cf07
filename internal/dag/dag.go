// Package dag provides a small directed acyclic graph used to order template
// nesting. A vertex depends on the vertices it points at; sorting yields
// dependencies before their dependents.
package dag

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Vertex is a node of the graph. Order breaks ties between vertices that
// become ready at the same time.
type Vertex[T cmp.Ordered] struct {
	ID        T
	Order     int
	DependsOn map[T]struct{}
}

// DirectedAcyclicGraph holds vertices keyed by ID.
type DirectedAcyclicGraph[T cmp.Ordered] struct {
	Vertices map[T]*Vertex[T]
}

// CycleError reports the vertices forming a cycle, first vertex repeated at
// the end.
type CycleError[T cmp.Ordered] struct {
	Cycle []T
}

func (e *CycleError[T]) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, v := range e.Cycle {
		parts[i] = fmt.Sprint(v)
	}
	return "graph contains a cycle: " + strings.Join(parts, " -> ")
}

// AsCycleError returns err as a *CycleError when it is one.
func AsCycleError[T cmp.Ordered](err error) *CycleError[T] {
	var cycleErr *CycleError[T]
	if errors.As(err, &cycleErr) {
		return cycleErr
	}
	return nil
}

// NewDirectedAcyclicGraph returns an empty graph.
func NewDirectedAcyclicGraph[T cmp.Ordered]() *DirectedAcyclicGraph[T] {
	return &DirectedAcyclicGraph[T]{Vertices: make(map[T]*Vertex[T])}
}

// AddVertex adds a vertex. Adding an existing ID is an error.
func (d *DirectedAcyclicGraph[T]) AddVertex(id T, order int) error {
	if _, exists := d.Vertices[id]; exists {
		return fmt.Errorf("vertex %v already exists", id)
	}
	d.Vertices[id] = &Vertex[T]{ID: id, Order: order, DependsOn: make(map[T]struct{})}
	return nil
}

// HasVertex reports whether id is part of the graph.
func (d *DirectedAcyclicGraph[T]) HasVertex(id T) bool {
	_, ok := d.Vertices[id]
	return ok
}

// AddDependencies records that from depends on each of deps. The graph is
// left unchanged when an edge would reference a missing vertex, point at
// from itself, or close a cycle.
func (d *DirectedAcyclicGraph[T]) AddDependencies(from T, deps []T) error {
	vertex, ok := d.Vertices[from]
	if !ok {
		return fmt.Errorf("vertex %v does not exist", from)
	}
	var added []T
	for _, dep := range deps {
		if _, ok := d.Vertices[dep]; !ok {
			d.rollback(vertex, added)
			return fmt.Errorf("dependency %v of %v does not exist", dep, from)
		}
		if dep == from {
			d.rollback(vertex, added)
			return &CycleError[T]{Cycle: []T{from, from}}
		}
		if _, exists := vertex.DependsOn[dep]; exists {
			continue
		}
		vertex.DependsOn[dep] = struct{}{}
		added = append(added, dep)
	}
	if cyclic, cycle := d.hasCycle(); cyclic {
		d.rollback(vertex, added)
		return &CycleError[T]{Cycle: cycle}
	}
	return nil
}

func (d *DirectedAcyclicGraph[T]) rollback(vertex *Vertex[T], added []T) {
	for _, dep := range added {
		delete(vertex.DependsOn, dep)
	}
}

// Dependents returns the IDs of vertices that directly depend on id, sorted.
func (d *DirectedAcyclicGraph[T]) Dependents(id T) []T {
	var out []T
	for _, v := range d.Vertices {
		if _, ok := v.DependsOn[id]; ok {
			out = append(out, v.ID)
		}
	}
	slices.Sort(out)
	return out
}

// Ancestors returns every vertex that depends on id directly or
// transitively, sorted. id itself is not included.
func (d *DirectedAcyclicGraph[T]) Ancestors(id T) []T {
	seen := map[T]struct{}{}
	stack := []T{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range d.Dependents(cur) {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			stack = append(stack, dep)
		}
	}
	delete(seen, id)
	out := make([]T, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func (d *DirectedAcyclicGraph[T]) sortedIDs() []T {
	ids := make([]T, 0, len(d.Vertices))
	for id := range d.Vertices {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b T) int {
		if c := cmp.Compare(d.Vertices[a].Order, d.Vertices[b].Order); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

func (d *DirectedAcyclicGraph[T]) hasCycle() (bool, []T) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[T]int, len(d.Vertices))
	var path []T
	var cycle []T
	var visit func(T) bool
	visit = func(id T) bool {
		state[id] = visiting
		path = append(path, id)
		deps := make([]T, 0, len(d.Vertices[id].DependsOn))
		for dep := range d.Vertices[id].DependsOn {
			deps = append(deps, dep)
		}
		slices.Sort(deps)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				start := slices.Index(path, dep)
				cycle = append(append([]T(nil), path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}
	for _, id := range d.sortedIDs() {
		if state[id] == unvisited && visit(id) {
			return true, cycle
		}
	}
	return false, nil
}

// TopologicalSortLevels groups vertices into levels. Every vertex appears in
// a later level than all of its dependencies; within a level vertices keep
// their Order.
func (d *DirectedAcyclicGraph[T]) TopologicalSortLevels() ([][]T, error) {
	if cyclic, cycle := d.hasCycle(); cyclic {
		return nil, &CycleError[T]{Cycle: cycle}
	}
	remaining := make(map[T]int, len(d.Vertices))
	for id, v := range d.Vertices {
		remaining[id] = len(v.DependsOn)
	}
	ids := d.sortedIDs()
	placed := make(map[T]struct{}, len(ids))
	var levels [][]T
	for len(placed) < len(ids) {
		var level []T
		for _, id := range ids {
			if _, ok := placed[id]; ok {
				continue
			}
			if remaining[id] == 0 {
				level = append(level, id)
			}
		}
		for _, id := range level {
			placed[id] = struct{}{}
			for _, dependent := range d.Dependents(id) {
				remaining[dependent]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// TopologicalSort returns every vertex with dependencies first.
func (d *DirectedAcyclicGraph[T]) TopologicalSort() ([]T, error) {
	levels, err := d.TopologicalSortLevels()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(d.Vertices))
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}
