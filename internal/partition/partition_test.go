package partition

import (
	"sort"
	"testing"

	"github.com/ryanwilliams/buildsched/internal/depgraph"
)

type target struct {
	id     string
	weight int
	deps   []string
}

func (t *target) ID() string  { return t.id }
func (t *target) Weight() int { return t.weight }

func buildGraph(t *testing.T, targets ...*target) *depgraph.DepGraph {
	t.Helper()
	byID := make(map[string]*target, len(targets))
	ts := make([]depgraph.Target, 0, len(targets))
	for _, tg := range targets {
		byID[tg.id] = tg
		ts = append(ts, tg)
	}
	g, err := depgraph.NewDepGraph(ts, func(tg depgraph.Target) ([]depgraph.Target, error) {
		var out []depgraph.Target
		for _, id := range byID[tg.ID()].deps {
			out = append(out, byID[id])
		}
		return out, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func batchIDs(batches [][]*depgraph.Node) [][]string {
	out := make([][]string, len(batches))
	for i, b := range batches {
		ids := make([]string, len(b))
		for j, n := range b {
			ids[j] = n.Target.ID()
		}
		sort.Strings(ids)
		out[i] = ids
	}
	return out
}

func flatten(batches [][]*depgraph.Node) []string {
	var out []string
	for _, b := range batches {
		for _, n := range b {
			out = append(out, n.Target.ID())
		}
	}
	sort.Strings(out)
	return out
}
