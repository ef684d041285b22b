package partition

import "github.com/ryanwilliams/buildsched/internal/depgraph"

// NaivePartitioner dispatches one target per worker slot, picking the
// first slots leaves off the frontier with no attempt at batching or load
// balancing. It exists as the scheduler's zero-overhead baseline strategy.
type NaivePartitioner struct {
	Graph *depgraph.DepGraph
}

// NewNaivePartitioner returns a NaivePartitioner over g.
func NewNaivePartitioner(g *depgraph.DepGraph) *NaivePartitioner {
	return &NaivePartitioner{Graph: g}
}

// Next returns up to slots singleton batches, one per leaf.
func (p *NaivePartitioner) Next(slots int) ([][]*depgraph.Node, error) {
	leaves := p.Graph.Leaves()
	if slots > len(leaves) {
		slots = len(leaves)
	}
	batches := make([][]*depgraph.Node, 0, slots)
	for i := 0; i < slots; i++ {
		batches = append(batches, []*depgraph.Node{leaves[i]})
	}
	return batches, nil
}
