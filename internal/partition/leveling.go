package partition

import (
	"sort"

	"github.com/ryanwilliams/buildsched/internal/batchset"
	"github.com/ryanwilliams/buildsched/internal/depgraph"
	"github.com/ryanwilliams/buildsched/internal/schedsnap"
)

// LevelingPartitioner assigns the frontier to slots with a longest-
// processing-time-first heuristic: sort the frontier by descending weight,
// then place each target into the currently lightest batch. Unlike
// PartitioningPartitioner it never backtracks.
type LevelingPartitioner struct {
	Graph *depgraph.DepGraph

	// MaxWorkers is the full worker-pool size. Next only produces batches
	// once every worker is idle: leveling synchronizes on whole levels
	// rather than topping up a partially busy pool, so a level's bin-pack
	// always spreads the frontier across the entire pool.
	MaxWorkers int
}

// NewLevelingPartitioner returns a LevelingPartitioner over g for a pool of
// maxWorkers workers.
func NewLevelingPartitioner(g *depgraph.DepGraph, maxWorkers int) *LevelingPartitioner {
	return &LevelingPartitioner{Graph: g, MaxWorkers: maxWorkers}
}

// Next places the frontier into slots batches by longest-processing-time-
// first, ignoring dependency-locality entirely (leveling optimizes for even
// load, not for minimizing in-flight partial results). It returns no
// batches while any worker is still busy (slots < MaxWorkers); the next
// level is only cut once the previous one has fully drained.
func (p *LevelingPartitioner) Next(slots int) ([][]*depgraph.Node, error) {
	if slots < p.MaxWorkers {
		return nil, nil
	}
	return p.pack(slots)
}

// pack is the LPT bin-pack itself, shared by Next (gated on a fully idle
// pool) and GetFullGraphPartition (which drains each level explicitly and
// needs no gate).
func (p *LevelingPartitioner) pack(slots int) ([][]*depgraph.Node, error) {
	frontier := p.Graph.Leaves()
	sort.Slice(frontier, func(i, j int) bool {
		if frontier[i].Target.Weight() != frontier[j].Target.Weight() {
			return frontier[i].Target.Weight() > frontier[j].Target.Weight()
		}
		return frontier[i].Target.ID() < frontier[j].Target.ID()
	})

	sets := batchset.NewGroup(slots)
	nodeBySlot := make([][]*depgraph.Node, slots)
	for _, n := range frontier {
		min := sets.MinBatch()
		if err := min.Add(n.Target); err != nil {
			return nil, err
		}
		nodeBySlot[min.Slot()] = append(nodeBySlot[min.Slot()], n)
	}

	var out [][]*depgraph.Node
	for _, ns := range nodeBySlot {
		if len(ns) > 0 {
			out = append(out, ns)
		}
	}
	return out, nil
}

// GetFullGraphPartition precomputes a full LPT schedule over every node in
// the graph, level by level: at each level it bin-packs the *entire*
// current frontier into up to slots batches via the same bin-pack Next
// uses (not a cap of slots individual targets), then commits that level
// with RemoveNodes before moving to the next level's now-surfaced frontier.
// The graph is restored to its starting state via RestoreNodes, in
// reverse level order, before returning (or on error), so the scheduler
// sees the same graph it started with.
func (p *LevelingPartitioner) GetFullGraphPartition(slots int) ([]schedsnap.Round, error) {
	var rounds []schedsnap.Round
	var levels [][]*depgraph.Node

	restoreAll := func() error {
		var firstErr error
		for i := len(levels) - 1; i >= 0; i-- {
			if err := p.Graph.RestoreNodes(levels[i]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for len(p.Graph.Leaves()) > 0 {
		frontier := p.Graph.Leaves()

		batches, err := p.pack(slots)
		if err != nil {
			restoreAll()
			return nil, err
		}

		round := make([][]string, len(batches))
		for i, b := range batches {
			round[i] = nodeIDs(b)
		}

		if _, err := p.Graph.RemoveNodes(frontier); err != nil {
			restoreAll()
			return nil, err
		}
		levels = append(levels, frontier)
		rounds = append(rounds, schedsnap.Round{Batches: round})
	}

	if err := restoreAll(); err != nil {
		return nil, err
	}
	return rounds, nil
}

func nodeIDs(nodes []*depgraph.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Target.ID()
	}
	return ids
}

// SaveSchedule precomputes a full-graph LPT schedule and persists it via
// schedsnap, for build systems that want to inspect or replay a plan
// without re-running the scheduler.
func (p *LevelingPartitioner) SaveSchedule(path string, slots int) error {
	rounds, err := p.GetFullGraphPartition(slots)
	if err != nil {
		return err
	}
	return schedsnap.Save(path, schedsnap.Schedule{Rounds: rounds})
}

// LoadSchedule reads back a schedule previously written by SaveSchedule.
func LoadSchedule(path string) (schedsnap.Schedule, error) {
	return schedsnap.Load(path)
}
