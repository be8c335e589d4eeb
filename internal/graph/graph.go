// Package graph provides the task dependency DAG used for scheduling.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// CycleError reports a circular dependency with the exact path.
type CycleError struct {
	// Path is the cycle, first id repeated at the end (a -> b -> a).
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return "circular dependency: " + strings.Join(e.Path, " -> ")
}

// DependencyGraph is a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it is blocked by.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task id to its manifest.
	nodes map[string]*models.TaskManifest
	// edges maps task id to the ids it depends on.
	edges map[string][]string
	// completed tracks tasks whose dependents may now run.
	completed map[string]bool
	// resolved tracks tasks that can never run again this run (failed,
	// blocked, skipped without completing); their dependents stay blocked.
	resolved map[string]bool
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.TaskManifest),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		resolved:  make(map[string]bool),
	}
}

// Build registers all manifests and their dependency edges. It returns an
// error for unknown dependencies and a *CycleError for cycles.
func (g *DependencyGraph) Build(manifests []*models.TaskManifest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range manifests {
		if _, dup := g.nodes[m.ID]; dup {
			return fmt.Errorf("duplicate task id %s", m.ID)
		}
		g.nodes[m.ID] = m
		g.edges[m.ID] = nil
	}
	for _, m := range manifests {
		for _, dep := range m.Dependencies {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", m.ID, dep)
			}
			g.edges[m.ID] = append(g.edges[m.ID], dep)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{Path: cycle}
	}
	return nil
}

// findCycleLocked returns the first cycle path found, or nil.
// DFS with coloring; gray nodes on the stack form the path.
func (g *DependencyGraph) findCycleLocked() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				// Close the loop from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		colors[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	// Deterministic iteration so the reported path is stable.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == white {
			stack = stack[:0]
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Ready returns the manifests whose dependencies are all complete and which
// are neither complete nor resolved, sorted by id.
func (g *DependencyGraph) Ready() []*models.TaskManifest {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.TaskManifest
	for id, m := range g.nodes {
		if g.completed[id] || g.resolved[id] {
			continue
		}
		blocked := false
		for _, dep := range g.edges[id] {
			if !g.completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// MarkComplete unblocks the task's dependents.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
	g.resolved[id] = true
}

// MarkResolved removes a task from scheduling without unblocking dependents
// (failed, skipped-without-merge, blocked by a validator).
func (g *DependencyGraph) MarkResolved(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolved[id] = true
}

// Unresolve returns a task to the schedulable pool (auto-rescope reset).
func (g *DependencyGraph) Unresolve(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.resolved, id)
	delete(g.completed, id)
}

// Dependents returns the ids of tasks that depend on id, sorted.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for tid, deps := range g.edges {
		for _, dep := range deps {
			if dep == id {
				out = append(out, tid)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Get returns the manifest for id, or nil.
func (g *DependencyGraph) Get(id string) *models.TaskManifest {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Unresolved returns the count of tasks that are neither complete nor
// resolved; zero means the run has nothing left to schedule.
func (g *DependencyGraph) Unresolved() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for id := range g.nodes {
		if !g.completed[id] && !g.resolved[id] {
			n++
		}
	}
	return n
}
