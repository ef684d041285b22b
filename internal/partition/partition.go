// Package partition implements the three partitioning strategies that turn
// a DepGraph's current frontier into the next round's batches: Naive
// (greedy, no search), Partitioning (backtracking search over BatchGroup
// orderings) and Leveling (longest-processing-time-first, no search).
package partition

import "github.com/ryanwilliams/buildsched/internal/depgraph"

// Partitioner decides, given the number of free worker slots, which subset
// of the graph's current frontier to dispatch next and how to group it into
// batches.
type Partitioner interface {
	// Next returns up to slots batches of nodes, built from the graph's
	// current frontier (depgraph.DepGraph.Leaves); a batch may also hold
	// non-leaves whose remaining dependencies are all inside that same batch.
	// It leaves the graph as it found it; the scheduler takes each batch out of the frontier
	// via DepGraph.BeginDispatch when it spawns the batch's process, and
	// commits via DepGraph.CommitDispatch once the batch is processed.
	Next(slots int) ([][]*depgraph.Node, error)
}
