// Package graph provides the task dependency graph and its cycle validator.
package graph

import (
	"errors"
	"sort"
	"sync"

	"github.com/ShayCichocki/coord/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph represents a directed graph of task dependencies.
// Tasks are nodes, and edges represent "depends on" relationships.
// Edges may point at IDs that have no node of their own; those are
// unresolved dependencies, not structural errors.
type DependencyGraph struct {
	mu sync.RWMutex
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// FromEdges builds a graph from a task ID to dependency IDs map.
// The map is copied; later changes to it do not affect the graph.
func FromEdges(edges map[string][]string) *DependencyGraph {
	g := New()
	for id, deps := range edges {
		g.edges[id] = append([]string(nil), deps...)
	}
	return g
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Set records id with the given dependencies, replacing any previous edges for id.
func (g *DependencyGraph) Set(id string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[id] = dedupe(deps)
}

// Propose returns a copy of the graph with id redefined to depend on deps.
// The receiver is left untouched.
func (g *DependencyGraph) Propose(id string, deps []string) *DependencyGraph {
	g.mu.RLock()
	next := FromEdges(g.edges)
	g.mu.RUnlock()
	next.debugLog = g.debugLog
	next.edges[id] = dedupe(deps)
	return next
}

// Validate checks whether redefining id with deps keeps the graph acyclic.
// It returns nil when the proposal is acceptable and a *models.CycleError
// carrying the offending path otherwise. The graph itself is never modified.
func (g *DependencyGraph) Validate(id string, deps []string) error {
	proposed := g.Propose(id, deps)
	proposed.mu.RLock()
	// Any new cycle runs through id, so start there and the path reads from the submitted task.
	path := proposed.findCycleLocked(append([]string{id}, proposed.sortedIDsLocked()...))
	proposed.mu.RUnlock()
	if path != nil {
		g.debugLog("[graph.Validate] rejecting %s: cycle %v", id, path)
		return &models.CycleError{TaskID: id, Path: path}
	}
	return nil
}

// Validate checks a proposal against an edge map without building a graph by hand.
func Validate(edges map[string][]string, id string, deps []string) error {
	return FromEdges(edges).Validate(id, deps)
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	return g.FindCycle() != nil
}

// frame is one entry of the explicit DFS stack.
type frame struct {
	id   string
	next int
}

// FindCycle returns the first cycle found, as a path that starts and ends on
// the same ID, or nil if the graph is acyclic.
//
// The traversal uses an explicit stack so adversarially deep graphs cannot
// exhaust the goroutine stack. Roots are visited in sorted order so the
// reported path is deterministic.
func (g *DependencyGraph) FindCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked(g.sortedIDsLocked())
}

// findCycleLocked runs the DFS from each root in order. Caller must hold g.mu.
func (g *DependencyGraph) findCycleLocked(roots []string) []string {
	// Color states: 0 = white (unvisited), 1 = gray (on stack), 2 = black (done).
	colors := make(map[string]int, len(g.edges))
	// onStack maps a gray node to its index in path.
	onStack := make(map[string]int)

	for _, root := range roots {
		if colors[root] != 0 {
			continue
		}

		stack := []frame{{id: root}}
		path := []string{root}
		colors[root] = 1
		onStack[root] = 0

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.edges[top.id]

			if top.next >= len(deps) {
				colors[top.id] = 2
				delete(onStack, top.id)
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}

			dep := deps[top.next]
			top.next++

			switch colors[dep] {
			case 1:
				// Back edge: the cycle runs from dep's first occurrence to here.
				cycle := append([]string(nil), path[onStack[dep]:]...)
				return append(cycle, dep)
			case 0:
				colors[dep] = 1
				onStack[dep] = len(path)
				path = append(path, dep)
				stack = append(stack, frame{id: dep})
			}
			// color == 2 means already processed, skip.
		}
	}

	return nil
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them. Unresolved dependency IDs are
// not included. Returns ErrCycleDetected if the graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(g.edges))
	result := make([]string, 0, len(g.edges))

	for _, root := range g.sortedIDsLocked() {
		if visited[root] {
			continue
		}
		visited[root] = true
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.edges[top.id]
			if top.next >= len(deps) {
				// All dependencies emitted; emit this node.
				result = append(result, top.id)
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if _, known := g.edges[dep]; !known {
				continue
			}
			stack = append(stack, frame{id: dep})
		}
	}

	return result, nil
}

// Closure returns every task ID that id depends on, directly or transitively,
// in breadth-first order. Unresolved IDs are included so callers can spot them.
func (g *DependencyGraph) Closure(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.edges[id]...)
	var out []string
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
		queue = append(queue, g.edges[dep]...)
	}
	return out
}

// Has reports whether id is a node of the graph.
func (g *DependencyGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[id]
	return ok
}

// GetDependents returns the IDs of tasks that depend directly on the given task.
func (g *DependencyGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// sortedIDsLocked returns node IDs in sorted order. Caller must hold g.mu.
func (g *DependencyGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dedupe drops repeated IDs while keeping first-seen order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
