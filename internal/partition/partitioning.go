package partition

import (
	"sort"

	"github.com/ryanwilliams/buildsched/internal/batchset"
	"github.com/ryanwilliams/buildsched/internal/depgraph"
)

// defaultMaxVisits bounds the backtracking search's recursive call count;
// without a budget a wide, shallow frontier can blow up combinatorially.
const defaultMaxVisits = 100000

// PartitioningPartitioner searches for the frontier subset and batch
// assignment that maximizes total dispatched weight, breaking ties by
// minimizing spread across batches (batchset.PartitioningBetter), subject
// to the rule that a target whose dependencies were placed earlier in this
// search may only join the one batch holding them, and is left out if they
// are split across batches.
type PartitioningPartitioner struct {
	Graph *depgraph.DepGraph

	// PartitionSizeHint caps how much weight the search is willing to pack
	// into a single partition before giving up on placing more; it is a
	// pruning hint, not a hard limit enforced on the final result.
	PartitionSizeHint int

	// MaxVisits bounds the number of findBest calls per Next, after which
	// the search returns its best result so far rather than exhausting the
	// remaining frontier. Zero means use defaultMaxVisits.
	MaxVisits int

	visits int
}

// NewPartitioningPartitioner returns a PartitioningPartitioner over g with
// the given partition size hint and the default visit budget.
func NewPartitioningPartitioner(g *depgraph.DepGraph, partitionSizeHint int) *PartitioningPartitioner {
	return &PartitioningPartitioner{
		Graph:             g,
		PartitionSizeHint: partitionSizeHint,
		MaxVisits:         defaultMaxVisits,
	}
}

func (p *PartitioningPartitioner) maxVisits() int {
	if p.MaxVisits > 0 {
		return p.MaxVisits
	}
	return defaultMaxVisits
}

func (p *PartitioningPartitioner) weightOf(id string) int {
	n, ok := p.Graph.ByTarget(id)
	if !ok {
		return 0
	}
	return n.Target.Weight()
}

// Next searches for the best placement of (a subset of) the current
// frontier into slots batches.
func (p *PartitioningPartitioner) Next(slots int) ([][]*depgraph.Node, error) {
	frontier := p.Graph.Leaves()
	p.visits = 0
	sets := batchset.NewGroup(slots)

	snap, err := p.findBest(sets, frontier)
	if err != nil {
		return nil, err
	}
	return p.toBatches(snap), nil
}

func (p *PartitioningPartitioner) toBatches(snap []batchset.SlotAssignment) [][]*depgraph.Node {
	bySlot := map[int][]*depgraph.Node{}
	var slots []int
	for _, sa := range snap {
		if _, ok := bySlot[sa.Slot]; !ok {
			slots = append(slots, sa.Slot)
		}
		n, ok := p.Graph.ByTarget(sa.TargetID)
		if !ok {
			continue
		}
		bySlot[sa.Slot] = append(bySlot[sa.Slot], n)
	}
	sort.Ints(slots)
	out := make([][]*depgraph.Node, 0, len(slots))
	for _, s := range slots {
		out = append(out, bySlot[s])
	}
	return out
}

// findBest is the core recursive search: for each
// frontier node in turn, compare the best result obtained by skipping it
// against the best result obtained by placing it, keeping whichever
// BatchGroup snapshot wins under the Partitioning ordering.
func (p *PartitioningPartitioner) findBest(sets *batchset.Group, frontier []*depgraph.Node) ([]batchset.SlotAssignment, error) {
	if len(frontier) == 0 {
		return sets.Snapshot(), nil
	}
	p.visits++
	if p.visits > p.maxVisits() {
		return sets.Snapshot(), nil
	}

	n := frontier[0]
	rest := frontier[1:]

	bestSkip, err := p.findBest(sets, rest)
	if err != nil {
		return nil, err
	}

	bestPlace, err := p.tryPlace(n, sets, rest)
	if err != nil {
		return nil, err
	}

	if batchset.SnapshotBetter(sets.NumSlots(), bestPlace, bestSkip, p.weightOf) {
		return bestPlace, nil
	}
	return bestSkip, nil
}

// tryPlace attempts to place n into sets, honoring
// the placement rule: n may join a batch that already holds at least one
// of n's invalidated (hypothetically already-dispatched) children only if
// it is the sole such batch; if no batch holds any of n's children, n may
// join any non-empty batch or start a fresh empty one; if more than one
// batch holds a child, n cannot be placed without splitting a dependency
// chain across batches and this node is skipped.
func (p *PartitioningPartitioner) tryPlace(n *depgraph.Node, sets *batchset.Group, frontier []*depgraph.Node) ([]batchset.SlotAssignment, error) {
	base := sets.Snapshot()
	if sets.TotalWeight() > 0 && sets.TotalWeight()+n.Target.Weight() > p.PartitionSizeHint {
		return base, nil
	}

	newLeaves, err := p.Graph.InvalidateLeaf(n)
	if err != nil {
		return nil, err
	}
	newFrontier := make([]*depgraph.Node, 0, len(frontier)+len(newLeaves))
	newFrontier = append(newFrontier, frontier...)
	newFrontier = append(newFrontier, newLeaves...)

	best := base
	depBatches := p.depBatches(n, sets)

	switch len(depBatches) {
	case 1:
		cand, err := p.placeAndRecurse(n, depBatches[0], sets, newFrontier)
		if err != nil {
			_ = p.Graph.RestoreLeaf(n)
			return nil, err
		}
		if batchset.SnapshotBetter(sets.NumSlots(), cand, best, p.weightOf) {
			best = cand
		}
	case 0:
		for _, b := range sets.NonEmpty() {
			cand, err := p.placeAndRecurse(n, b, sets, newFrontier)
			if err != nil {
				_ = p.Graph.RestoreLeaf(n)
				return nil, err
			}
			if batchset.SnapshotBetter(sets.NumSlots(), cand, best, p.weightOf) {
				best = cand
			}
		}
		if empties := sets.EmptyBatches(); len(empties) > 0 {
			cand, err := p.placeAndRecurse(n, empties[0], sets, newFrontier)
			if err != nil {
				_ = p.Graph.RestoreLeaf(n)
				return nil, err
			}
			if batchset.SnapshotBetter(sets.NumSlots(), cand, best, p.weightOf) {
				best = cand
			}
		}
	default:
		// n's invalidated children are already split across more than one
		// batch; placing n anywhere would join it to only one of their
		// batches, so it is left for a later round instead.
	}

	if err := p.Graph.RestoreLeaf(n); err != nil {
		return nil, err
	}
	return best, nil
}

// depBatches returns the non-empty batches that already contain at least
// one of n's invalidated children.
func (p *PartitioningPartitioner) depBatches(n *depgraph.Node, sets *batchset.Group) []*batchset.Batch {
	invalidated := n.InvalidatedChildren()
	var out []*batchset.Batch
	for _, b := range sets.NonEmpty() {
		for _, c := range invalidated {
			if b.Contains(c.Target) {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// placeAndRecurse adds n's target to b, recurses findBest over the
// reduced frontier, then removes it again so sets is left exactly as it
// was found — the search explores a hypothetical placement without
// permanently committing to it.
func (p *PartitioningPartitioner) placeAndRecurse(n *depgraph.Node, b *batchset.Batch, sets *batchset.Group, frontier []*depgraph.Node) ([]batchset.SlotAssignment, error) {
	if err := b.Add(n.Target); err != nil {
		return nil, err
	}
	result, err := p.findBest(sets, frontier)
	if rerr := b.Remove(n.Target); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
