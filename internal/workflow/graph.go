package workflow

import (
	"fmt"
	"sort"

	"github.com/ignite/squeeze/internal/domain"
)

// Graph is an immutable view of the step forest. Traversal is pure and
// independent of how steps are stored.
type Graph struct {
	steps    map[string]domain.Step
	children map[string][]string
	roots    []string
}

// NewGraph indexes steps, rejecting duplicate ids, dangling parents and cycles.
func NewGraph(steps []domain.Step) (*Graph, error) {
	g := &Graph{
		steps:    make(map[string]domain.Step, len(steps)),
		children: make(map[string][]string),
	}
	for _, s := range steps {
		if _, dup := g.steps[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step %s", ErrInvalidGraph, s.ID)
		}
		g.steps[s.ID] = s
	}
	for _, s := range steps {
		if s.ParentID == nil {
			g.roots = append(g.roots, s.ID)
			continue
		}
		if _, ok := g.steps[*s.ParentID]; !ok {
			return nil, fmt.Errorf("%w: step %s has unknown parent %s", ErrInvalidGraph, s.ID, *s.ParentID)
		}
		g.children[*s.ParentID] = append(g.children[*s.ParentID], s.ID)
	}

	g.sortIDs(g.roots)
	for _, ids := range g.children {
		g.sortIDs(ids)
	}

	// Every step must be reachable from a root; anything left over sits on a cycle.
	if seen := len(g.Walk()); seen != len(g.steps) {
		return nil, fmt.Errorf("%w: %d steps form a cycle", ErrInvalidGraph, len(g.steps)-seen)
	}
	return g, nil
}

func (g *Graph) sortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := g.steps[ids[i]], g.steps[ids[j]]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}

// Step returns the step with id.
func (g *Graph) Step(id string) (domain.Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Roots returns root steps ordered by position.
func (g *Graph) Roots() []domain.Step { return g.collect(g.roots) }

// Children returns the children of id ordered by position.
func (g *Graph) Children(id string) []domain.Step { return g.collect(g.children[id]) }

// NextStep returns the first child of id in tree order, or nil.
func (g *Graph) NextStep(id string) *domain.Step {
	kids := g.children[id]
	if len(kids) == 0 {
		return nil
	}
	s := g.steps[kids[0]]
	return &s
}

// NextSibling returns the sibling after id, or nil.
func (g *Graph) NextSibling(id string) *domain.Step {
	s, ok := g.steps[id]
	if !ok {
		return nil
	}
	siblings := g.roots
	if s.ParentID != nil {
		siblings = g.children[*s.ParentID]
	}
	for i, sid := range siblings {
		if sid == id && i+1 < len(siblings) {
			next := g.steps[siblings[i+1]]
			return &next
		}
	}
	return nil
}

// Walk returns every step reachable from a root in depth-first pre-order.
func (g *Graph) Walk() []domain.Step {
	var out []domain.Step
	visited := make(map[string]bool, len(g.steps))
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		out = append(out, g.steps[id])
		for _, c := range g.children[id] {
			visit(c)
		}
	}
	for _, r := range g.roots {
		visit(r)
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

func (g *Graph) collect(ids []string) []domain.Step {
	out := make([]domain.Step, len(ids))
	for i, id := range ids {
		out[i] = g.steps[id]
	}
	return out
}
