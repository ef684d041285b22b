// Package batchset implements Batch and BatchGroup: a mutable partition of
// targets into a fixed number of worker slots, with per-slot weight and
// group-level min/max/total tracked incrementally as targets are added and
// removed, plus the two BatchGroup orderings the partitioners search under.
package batchset

import (
	"sort"

	"github.com/ryanwilliams/buildsched/internal/depgraph"
	"golang.org/x/xerrors"
)

// Target is the unit partitioned into batches; it is depgraph's Target
// type, re-exported here so callers threading targets between DepGraph and
// BatchGroup never need to convert between identical interfaces.
type Target = depgraph.Target

// ErrDuplicate is returned by Batch.Add when the target is already a member
// of the batch.
var ErrDuplicate = xerrors.New("batchset: target already in batch")

// ErrNotMember is returned by Batch.Remove when the target is not a member
// of the batch.
var ErrNotMember = xerrors.New("batchset: target not in batch")

// Batch is an unordered set of Targets handed to one worker slot. It
// belongs to exactly one Group.
type Batch struct {
	group   *Group
	slot    int
	targets map[string]Target
	weight  int
}

// Slot returns the batch's fixed position within its Group.
func (b *Batch) Slot() int { return b.slot }

// Weight returns the sum of the batch's member weights.
func (b *Batch) Weight() int { return b.weight }

// Len returns the number of targets in the batch.
func (b *Batch) Len() int { return len(b.targets) }

// Empty reports whether the batch has no members.
func (b *Batch) Empty() bool { return len(b.targets) == 0 }

// Contains reports whether t is a member of the batch.
func (b *Batch) Contains(t Target) bool {
	_, ok := b.targets[t.ID()]
	return ok
}

// Targets returns the batch's members in a deterministic order.
func (b *Batch) Targets() []Target {
	out := make([]Target, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Add places t into the batch, updating the owning Group's aggregates.
func (b *Batch) Add(t Target) error {
	if _, ok := b.targets[t.ID()]; ok {
		return xerrors.Errorf("batchset: add %q to batch %d: %w", t.ID(), b.slot, ErrDuplicate)
	}
	b.targets[t.ID()] = t
	b.weight += t.Weight()
	b.group.handleAdded(b)
	return nil
}

// Remove takes t out of the batch, updating the owning Group's aggregates.
func (b *Batch) Remove(t Target) error {
	if _, ok := b.targets[t.ID()]; !ok {
		return xerrors.Errorf("batchset: remove %q from batch %d: %w", t.ID(), b.slot, ErrNotMember)
	}
	delete(b.targets, t.ID())
	b.weight -= t.Weight()
	b.group.handleRemoved(b)
	return nil
}

// Group is a fixed-size vector of Batches (up to K worker slots) plus
// incrementally maintained aggregates.
type Group struct {
	batches     []*Batch
	emptySet    map[*Batch]struct{}
	nonEmptySet map[*Batch]struct{}
	minBatch    *Batch

	totalWeight int
	minWeight   int
	maxWeight   int
}

// NewGroup allocates n empty batches (n must be positive).
func NewGroup(n int) *Group {
	if n <= 0 {
		panic("batchset: NewGroup requires a positive slot count")
	}
	g := &Group{
		emptySet:    make(map[*Batch]struct{}, n),
		nonEmptySet: make(map[*Batch]struct{}, n),
	}
	g.batches = make([]*Batch, n)
	for i := range g.batches {
		b := &Batch{group: g, slot: i, targets: make(map[string]Target)}
		g.batches[i] = b
		g.emptySet[b] = struct{}{}
	}
	g.minBatch = g.batches[0]
	return g
}

// Batches returns every slot, in slot order.
func (g *Group) Batches() []*Batch {
	out := make([]*Batch, len(g.batches))
	copy(out, g.batches)
	return out
}

// NumSlots returns the fixed number of slots in the group.
func (g *Group) NumSlots() int { return len(g.batches) }

// NonEmpty returns the currently non-empty batches, in slot order.
func (g *Group) NonEmpty() []*Batch {
	var out []*Batch
	for _, b := range g.batches {
		if _, ok := g.nonEmptySet[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// EmptyBatches returns the currently empty batches, in slot order.
func (g *Group) EmptyBatches() []*Batch {
	var out []*Batch
	for _, b := range g.batches {
		if _, ok := g.emptySet[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// MinBatch returns the batch with the lowest weight (ties broken by lowest
// slot index).
func (g *Group) MinBatch() *Batch { return g.minBatch }

// TotalWeight returns the sum of every batch's weight.
func (g *Group) TotalWeight() int { return g.totalWeight }

// MinWeight returns the lightest batch's weight.
func (g *Group) MinWeight() int { return g.minWeight }

// MaxWeight returns the heaviest batch's weight.
func (g *Group) MaxWeight() int { return g.maxWeight }

// Spread returns MaxWeight - MinWeight.
func (g *Group) Spread() int { return g.maxWeight - g.minWeight }

func (g *Group) recomputeMinMaxWeight() {
	min, max := g.batches[0].weight, g.batches[0].weight
	for _, b := range g.batches[1:] {
		if b.weight < min {
			min = b.weight
		}
		if b.weight > max {
			max = b.weight
		}
	}
	g.minWeight, g.maxWeight = min, max
}

func (g *Group) recomputeMinBatch() {
	min := g.batches[0]
	for _, b := range g.batches[1:] {
		if b.weight < min.weight {
			min = b
		}
	}
	g.minBatch = min
}

func (g *Group) handleAdded(b *Batch) {
	g.totalWeight = 0
	for _, bb := range g.batches {
		g.totalWeight += bb.weight
	}
	g.recomputeMinMaxWeight()
	if b.Len() == 1 {
		delete(g.emptySet, b)
		g.nonEmptySet[b] = struct{}{}
	}
	if b == g.minBatch {
		g.recomputeMinBatch()
	}
}

func (g *Group) handleRemoved(b *Batch) {
	g.totalWeight = 0
	for _, bb := range g.batches {
		g.totalWeight += bb.weight
	}
	g.recomputeMinMaxWeight()
	if b.Empty() {
		delete(g.nonEmptySet, b)
		g.emptySet[b] = struct{}{}
	}
	if b.weight < g.minBatch.weight || (b.weight == g.minBatch.weight && b.slot < g.minBatch.slot) {
		g.minBatch = b
	}
}

// partitioningKey and levelingKey define the two group orderings as
// lexicographically compared tuples of signed integers, so every comparison
// derives from a single key rather than ad hoc operators.

func (g *Group) partitioningKey() [2]int {
	return [2]int{g.totalWeight, -g.Spread()}
}

func (g *Group) levelingKey() [3]int {
	return [3]int{len(g.nonEmptySet), g.minWeight, -g.maxWeight}
}

func lexGreater(a, b []int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// PartitioningBetter reports whether a is strictly better than b under the
// PartitioningPartitioner's ordering: higher TotalWeight wins, ties
// broken by smaller Spread.
func PartitioningBetter(a, b *Group) bool {
	ak, bk := a.partitioningKey(), b.partitioningKey()
	return lexGreater(ak[:], bk[:])
}

// LevelingBetter reports whether a is strictly better than b under the
// LevelingPartitioner's ordering: strictly more non-empty batches
// wins, ties broken by higher MinWeight, then by lower MaxWeight.
func LevelingBetter(a, b *Group) bool {
	ak, bk := a.levelingKey(), b.levelingKey()
	return lexGreater(ak[:], bk[:])
}

// SlotAssignment is a (slot, target) pair: the compact snapshot unit used
// in place of a full Group deep copy during search.
type SlotAssignment struct {
	Slot     int
	TargetID string
}

// Snapshot captures the group's current contents as a compact vector of
// slot assignments, cheap to copy during search; Materialize reconstructs a
// live Group from it only when a search finalizes its best result.
func (g *Group) Snapshot() []SlotAssignment {
	var out []SlotAssignment
	for _, b := range g.batches {
		for _, t := range b.Targets() {
			out = append(out, SlotAssignment{Slot: b.slot, TargetID: t.ID()})
		}
	}
	return out
}

// Materialize rebuilds a Group with n slots from a snapshot, resolving
// target IDs through byID.
func Materialize(n int, snap []SlotAssignment, byID map[string]Target) (*Group, error) {
	g := NewGroup(n)
	for _, sa := range snap {
		t, ok := byID[sa.TargetID]
		if !ok {
			return nil, xerrors.Errorf("batchset: Materialize: unknown target %q", sa.TargetID)
		}
		if err := g.batches[sa.Slot].Add(t); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// SnapshotTotalAndSpread computes the total weight and spread a Snapshot
// would have if materialized, without actually allocating a Group — the
// cheap comparison step that lets a search keep frozen candidate snapshots
// around without paying Materialize's cost until one is finally chosen.
func SnapshotTotalAndSpread(n int, snap []SlotAssignment, weightOf func(targetID string) int) (total, spread int) {
	weights := make([]int, n)
	for _, sa := range snap {
		weights[sa.Slot] += weightOf(sa.TargetID)
	}
	min, max := weights[0], weights[0]
	for _, w := range weights {
		total += w
		if w < min {
			min = w
		}
		if w > max {
			max = w
		}
	}
	return total, max - min
}

// SnapshotBetter reports whether snapshot a is strictly better than b under
// the Partitioning ordering, computed without materializing either.
func SnapshotBetter(n int, a, b []SlotAssignment, weightOf func(targetID string) int) bool {
	at, as := SnapshotTotalAndSpread(n, a, weightOf)
	bt, bs := SnapshotTotalAndSpread(n, b, weightOf)
	if at != bt {
		return at > bt
	}
	return as < bs
}
