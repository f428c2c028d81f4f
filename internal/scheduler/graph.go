// Package scheduler resolves a task's dependency closure and executes the
// incomplete part of it in dependency order.
package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/gridflow/internal/task"
)

// ErrCyclicDependency is returned by Build when requirements form a cycle.
var ErrCyclicDependency = errors.New("cyclic dependency")

// CycleError names the tasks on the cycle, first task repeated at the end.
type CycleError struct {
	Path []task.ID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = id.String()
	}
	return fmt.Sprintf("%v: %s", ErrCyclicDependency, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

type node struct {
	task       task.Task
	index      int // position in topological order
	deps       []*node
	dependents []*node
}

// Graph is the deduplicated dependency closure of one or more root tasks.
type Graph struct {
	nodes map[task.ID]*node
	order []*node
	roots []task.ID
}

// Build walks Requires() depth-first from roots. Tasks with equal identity
// collapse into one node, so diamond dependencies are visited once. A
// requirement that is still on the active path is a back edge and fails the
// build with a CycleError before anything runs.
func Build(roots ...task.Task) (*Graph, error) {
	g := &Graph{nodes: map[task.ID]*node{}}

	const (
		visiting = 1
		done     = 2
	)
	mark := map[task.ID]int{}
	var path []task.ID

	var visit func(t task.Task) (*node, error)
	visit = func(t task.Task) (*node, error) {
		id := t.ID()
		switch mark[id] {
		case done:
			return g.nodes[id], nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]task.ID{}, path[start:]...), id)
			return nil, &CycleError{Path: cycle}
		}
		mark[id] = visiting
		path = append(path, id)

		n := &node{task: t}
		seen := map[task.ID]bool{}
		for _, req := range t.Requires() {
			if req == nil {
				continue
			}
			dep, err := visit(req)
			if err != nil {
				return nil, err
			}
			if seen[dep.task.ID()] {
				continue
			}
			seen[dep.task.ID()] = true
			n.deps = append(n.deps, dep)
		}

		path = path[:len(path)-1]
		mark[id] = done
		n.index = len(g.order)
		g.order = append(g.order, n)
		g.nodes[id] = n
		for _, dep := range n.deps {
			dep.dependents = append(dep.dependents, n)
		}
		return n, nil
	}

	for _, r := range roots {
		n, err := visit(r)
		if err != nil {
			return nil, err
		}
		g.roots = append(g.roots, n.task.ID())
	}
	return g, nil
}

// Len returns the number of distinct tasks in the closure.
func (g *Graph) Len() int { return len(g.order) }

// Order returns task identities in a topological order: every task appears
// after all of its requirements.
func (g *Graph) Order() []task.ID {
	out := make([]task.ID, len(g.order))
	for i, n := range g.order {
		out[i] = n.task.ID()
	}
	return out
}

// Task returns the task registered under id.
func (g *Graph) Task(id task.ID) (task.Task, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.task, true
}

// Requirements returns the direct requirement identities of id.
func (g *Graph) Requirements(id task.ID) []task.ID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]task.ID, len(n.deps))
	for i, d := range n.deps {
		out[i] = d.task.ID()
	}
	return out
}

// Roots returns the identities Build was called with, deduplicated.
func (g *Graph) Roots() []task.ID {
	out := make([]task.ID, 0, len(g.roots))
	seen := map[task.ID]bool{}
	for _, id := range g.roots {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
