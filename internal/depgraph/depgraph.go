// Package depgraph implements the dependency DAG used by the build
// scheduler: a set of Nodes wrapping opaque Targets, with the frontier
// (leaves) maintained incrementally as the graph is mutated.
//
// The live edge set is backed by a gonum simple.DirectedGraph (edges run
// from a node to each of its dependencies), with node IDs doubling as
// indices into the arena. The one relation gonum does not model is the
// invalidated-children overlay a partitioner's search maintains; that
// lives in a per-node side map and never overlaps the live edges.
package depgraph

import (
	"sort"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Target is the unit of work scheduled by the core. It is opaque: the core
// only needs a stable identity and a weight (source-file count).
type Target interface {
	ID() string
	Weight() int
}

// ErrUnknownChild is returned by NewDepGraph when the child-lookup function
// yields a Target outside the input set.
var ErrUnknownChild = xerrors.New("depgraph: child not present in target set")

// ErrInvariant is returned when a mutating operation is called with a
// precondition violated (remove a non-leaf, restore a node whose parent
// isn't where it should be, and so on). The scheduler treats this as a bug,
// not a recoverable condition.
var ErrInvariant = xerrors.New("depgraph: invariant violation")

// ErrCyclic is returned by NewDepGraph if the supplied edges do not form a
// DAG.
var ErrCyclic = xerrors.New("depgraph: graph contains a cycle")

// Node wraps one Target. Its live edges ("depends on" toward children,
// "depended on by" toward parents) are stored in the owning DepGraph's
// directed graph; allParents records the full dependent set as built, which
// restore operations consult after edges have been dropped.
type Node struct {
	Target Target

	id    int64
	owner *DepGraph

	allParents []*Node

	invalidatedChildren map[*Node]struct{}

	descendants  map[*Node]struct{}
	ancestors    map[*Node]struct{}
	independents map[*Node]struct{}
}

// Parents returns the node's live parents (nodes that still hold an edge to
// this node), in a deterministic order.
func (n *Node) Parents() []*Node { return sortNodes(n.owner.liveParents(n)) }

// Children returns the node's live children (this node's unresolved
// dependencies), in a deterministic order.
func (n *Node) Children() []*Node { return sortNodes(n.owner.liveChildren(n)) }

// InvalidatedChildren returns children temporarily removed by a
// partitioner's search via InvalidateLeaf.
func (n *Node) InvalidatedChildren() []*Node { return sortedNodes(n.invalidatedChildren) }

// Descendants returns n's transitive dependencies. Populated only after
// ComputeClosures has been called.
func (n *Node) Descendants() []*Node { return sortedNodes(n.descendants) }

// Ancestors returns the nodes that transitively depend on n. Populated only
// after ComputeClosures has been called.
func (n *Node) Ancestors() []*Node { return sortedNodes(n.ancestors) }

// Independents returns nodes with disjoint descendant sets and no
// ancestor/descendant relationship to n. Populated only after
// ComputeClosures has been called.
func (n *Node) Independents() []*Node { return sortedNodes(n.independents) }

func sortNodes(out []*Node) []*Node {
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID() < out[j].Target.ID() })
	return out
}

func sortedNodes(s map[*Node]struct{}) []*Node {
	out := make([]*Node, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	return sortNodes(out)
}

func nodeSet(s []*Node) map[*Node]struct{} {
	m := make(map[*Node]struct{}, len(s))
	for _, n := range s {
		m[n] = struct{}{}
	}
	return m
}

// DepGraph owns all Nodes for the scheduler's lifetime and maintains the
// frontier (leaves) invariant on every mutation.
type DepGraph struct {
	dg *simple.DirectedGraph

	nodes    []*Node
	byTarget map[string]*Node
	byID     map[int64]*Node

	roots  map[*Node]struct{}
	leaves map[*Node]struct{}
}

// ChildFunc maps a Target to its dependencies (children, in the "depends
// on" sense).
type ChildFunc func(Target) ([]Target, error)

// NewDepGraph builds a DepGraph from a target list and a child-lookup
// function, wiring parent/child edges and computing roots and leaves. It
// fails with ErrUnknownChild if the lookup yields a Target outside targets,
// and with ErrCyclic if the resulting edges do not form a DAG.
func NewDepGraph(targets []Target, children ChildFunc) (*DepGraph, error) {
	g := &DepGraph{
		dg:       simple.NewDirectedGraph(),
		byTarget: make(map[string]*Node, len(targets)),
		byID:     make(map[int64]*Node, len(targets)),
		roots:    make(map[*Node]struct{}),
		leaves:   make(map[*Node]struct{}),
	}
	for i, t := range targets {
		n := &Node{
			Target:              t,
			id:                  int64(i),
			owner:               g,
			invalidatedChildren: make(map[*Node]struct{}),
		}
		g.nodes = append(g.nodes, n)
		g.byTarget[t.ID()] = n
		g.byID[n.id] = n
		g.dg.AddNode(simple.Node(n.id))
	}
	for _, n := range g.nodes {
		childTargets, err := children(n.Target)
		if err != nil {
			return nil, xerrors.Errorf("depgraph: child lookup for %q: %w", n.Target.ID(), err)
		}
		for _, ct := range childTargets {
			cn, ok := g.byTarget[ct.ID()]
			if !ok {
				return nil, xerrors.Errorf("depgraph: child %q of %q is not in the target set: %w", ct.ID(), n.Target.ID(), ErrUnknownChild)
			}
			if cn == n {
				return nil, xerrors.Errorf("depgraph: %q depends on itself: %w", n.Target.ID(), ErrCyclic)
			}
			if g.dg.HasEdgeFromTo(n.id, cn.id) {
				continue
			}
			g.dg.SetEdge(g.dg.NewEdge(simple.Node(n.id), simple.Node(cn.id)))
			cn.allParents = append(cn.allParents, n)
		}
	}
	for _, n := range g.nodes {
		if len(n.allParents) == 0 {
			g.roots[n] = struct{}{}
		}
		if g.childCount(n) == 0 {
			g.leaves[n] = struct{}{}
		}
	}
	if _, err := topo.Sort(g.dg); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrCyclic, err)
	}
	return g, nil
}

func (g *DepGraph) childCount(n *Node) int { return g.dg.From(n.id).Len() }

func (g *DepGraph) liveChildren(n *Node) []*Node {
	it := g.dg.From(n.id)
	out := make([]*Node, 0, it.Len())
	for it.Next() {
		out = append(out, g.byID[it.Node().ID()])
	}
	return out
}

func (g *DepGraph) liveParents(n *Node) []*Node {
	it := g.dg.To(n.id)
	out := make([]*Node, 0, it.Len())
	for it.Next() {
		out = append(out, g.byID[it.Node().ID()])
	}
	return out
}

// Nodes returns every node owned by the graph, in construction order.
func (g *DepGraph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Roots returns nodes with no parents.
func (g *DepGraph) Roots() []*Node { return sortedNodes(g.roots) }

// Leaves returns the live frontier: nodes with no remaining unresolved
// children.
func (g *DepGraph) Leaves() []*Node { return sortedNodes(g.leaves) }

// IsLeaf reports whether n is currently in the frontier.
func (g *DepGraph) IsLeaf(n *Node) bool {
	_, ok := g.leaves[n]
	return ok
}

// ByTarget looks up the Node wrapping the Target with the given ID.
func (g *DepGraph) ByTarget(id string) (*Node, bool) {
	n, ok := g.byTarget[id]
	return n, ok
}

// ComputeClosures computes Descendants/Ancestors/Independents for every
// node via a post-order walk from each root. Not required by the scheduler
// itself; callers that want these closures (e.g. a CLI debugging aid) must
// call this once after construction.
func (g *DepGraph) ComputeClosures() {
	for n := range g.roots {
		g.computeDescendants(n)
	}
	for _, n := range g.nodes {
		if n.descendants == nil {
			n.descendants = make(map[*Node]struct{})
		}
		if n.ancestors == nil {
			n.ancestors = make(map[*Node]struct{})
		}
		if n.independents == nil {
			n.independents = make(map[*Node]struct{})
		}
	}
	for _, n := range g.nodes {
		for d := range n.descendants {
			d.ancestors[n] = struct{}{}
		}
	}
	for _, n1 := range g.nodes {
		for _, n2 := range g.nodes {
			if n1 == n2 {
				continue
			}
			if disjoint(n1.descendants, n2.descendants) &&
				!contains(n1.descendants, n2) &&
				!contains(n2.descendants, n1) {
				n1.independents[n2] = struct{}{}
			}
		}
	}
}

func (g *DepGraph) computeDescendants(n *Node) map[*Node]struct{} {
	if n.descendants != nil {
		return n.descendants
	}
	n.descendants = make(map[*Node]struct{})
	for _, c := range g.liveChildren(n) {
		n.descendants[c] = struct{}{}
		for d := range g.computeDescendants(c) {
			n.descendants[d] = struct{}{}
		}
	}
	return n.descendants
}

func disjoint(a, b map[*Node]struct{}) bool {
	for n := range a {
		if _, ok := b[n]; ok {
			return false
		}
	}
	return true
}

func contains(s map[*Node]struct{}, n *Node) bool {
	_, ok := s[n]
	return ok
}

// BeginDispatch takes S out of the frontier without touching any edges:
// every parent keeps its edge to its members of S, so nothing new surfaces
// until CommitDispatch drops those edges. Between the two calls the batch
// is in flight and invisible to partitioners. S may contain non-leaves as
// long as each member's remaining children are also in S (a chain batch
// carries its own dependencies).
func (g *DepGraph) BeginDispatch(s []*Node) error {
	set := nodeSet(s)
	for _, n := range s {
		for _, c := range g.liveChildren(n) {
			if _, ok := set[c]; !ok {
				return xerrors.Errorf("depgraph: BeginDispatch: %q still depends on %q outside the batch: %w", n.Target.ID(), c.Target.ID(), ErrInvariant)
			}
		}
	}
	for _, n := range s {
		delete(g.leaves, n)
	}
	return nil
}

// CommitDispatch commits the removal of S: for every n in S, every parent p
// not in S loses its edge to n; if p becomes childless it surfaces into the
// frontier. Edges from S's parents are dropped, not stashed, so there is no
// matching restore for the pair (p, n) once this has run for them. Edges
// internal to S stay in place; nothing consults a processed node's children
// again.
func (g *DepGraph) CommitDispatch(s []*Node) ([]*Node, error) {
	set := nodeSet(s)
	newLeaves := make(map[*Node]struct{})
	for _, n := range s {
		for _, p := range g.liveParents(n) {
			if _, skip := set[p]; skip {
				continue
			}
			g.dg.RemoveEdge(p.id, n.id)
			if g.childCount(p) == 0 {
				newLeaves[p] = struct{}{}
			}
		}
	}
	for p := range newLeaves {
		g.leaves[p] = struct{}{}
	}
	return sortedNodes(newLeaves), nil
}

// RemoveNodes removes S in one step: BeginDispatch followed immediately by
// CommitDispatch. Used where no in-flight window is needed, e.g. when a
// precomputed schedule pops a whole level at once.
func (g *DepGraph) RemoveNodes(s []*Node) ([]*Node, error) {
	if err := g.BeginDispatch(s); err != nil {
		return nil, err
	}
	return g.CommitDispatch(s)
}

// RestoreNodes is the inverse of RemoveNodes: for every n in S, each parent
// outside S gets its edge to n back (leaving the frontier if it was
// childless), then S is added back to the frontier. The caller must only
// invoke this with edges that a matching RemoveNodes previously dropped.
func (g *DepGraph) RestoreNodes(s []*Node) error {
	set := nodeSet(s)
	for _, n := range s {
		for _, p := range n.allParents {
			if _, skip := set[p]; skip {
				continue
			}
			if g.childCount(p) == 0 {
				delete(g.leaves, p)
			}
			g.dg.SetEdge(g.dg.NewEdge(simple.Node(p.id), simple.Node(n.id)))
		}
	}
	for _, n := range s {
		g.leaves[n] = struct{}{}
	}
	return nil
}

// InvalidateLeaf pretends n (a current leaf) has been dispatched, without
// committing the removal: every parent p trades its edge to n for an entry
// in its invalidatedChildren; if p becomes childless, p surfaces into the
// frontier. Used by the partitioner's search to explore hypothetical
// futures. n itself remains a leaf.
func (g *DepGraph) InvalidateLeaf(n *Node) ([]*Node, error) {
	if _, ok := g.leaves[n]; !ok {
		return nil, xerrors.Errorf("depgraph: InvalidateLeaf: %q is not a leaf: %w", n.Target.ID(), ErrInvariant)
	}
	var newLeaves []*Node
	for _, p := range g.liveParents(n) {
		g.dg.RemoveEdge(p.id, n.id)
		p.invalidatedChildren[n] = struct{}{}
		if g.childCount(p) == 0 {
			if _, already := g.leaves[p]; !already {
				g.leaves[p] = struct{}{}
				newLeaves = append(newLeaves, p)
			}
		}
	}
	return sortNodes(newLeaves), nil
}

// RestoreLeaf is the exact inverse of InvalidateLeaf.
func (g *DepGraph) RestoreLeaf(n *Node) error {
	if g.childCount(n) != 0 {
		return xerrors.Errorf("depgraph: RestoreLeaf: %q still has children: %w", n.Target.ID(), ErrInvariant)
	}
	for _, p := range n.allParents {
		if _, ok := p.invalidatedChildren[n]; !ok {
			continue
		}
		if g.childCount(p) == 0 {
			if _, ok := g.leaves[p]; !ok {
				return xerrors.Errorf("depgraph: RestoreLeaf: parent %q of %q is childless but not in leaves: %w", p.Target.ID(), n.Target.ID(), ErrInvariant)
			}
			delete(g.leaves, p)
		}
		g.dg.SetEdge(g.dg.NewEdge(simple.Node(p.id), simple.Node(n.id)))
		delete(p.invalidatedChildren, n)
	}
	g.leaves[n] = struct{}{}
	return nil
}
