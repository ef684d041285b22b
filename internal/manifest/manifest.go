// Package manifest loads the JSON target file cmd/scheduler reads to
// assemble a DepGraph: one entry per target, naming its weight, its
// dependencies by ID, and the argv to run when the target is dispatched.
package manifest

import (
	"encoding/json"
	"os"

	"github.com/ryanwilliams/buildsched/internal/depgraph"
	"golang.org/x/xerrors"
)

// Target is one entry in a Manifest file.
type Target struct {
	Name      string   `json:"id"`
	WeightVal int      `json:"weight"`
	Deps      []string `json:"deps,omitempty"`
	Argv      []string `json:"argv,omitempty"`
	Workdir   string   `json:"workdir,omitempty"`
}

// ID implements depgraph.Target (and scheduler.Target).
func (t *Target) ID() string { return t.Name }

// Weight implements depgraph.Target.
func (t *Target) Weight() int { return t.WeightVal }

// Manifest is the top-level JSON document cmd/scheduler -manifest reads.
type Manifest struct {
	Targets []*Target `json:"targets"`
}

// Graph builds a DepGraph from m, resolving each target's Deps by ID.
func (m *Manifest) Graph() (*depgraph.DepGraph, error) {
	byID := make(map[string]*Target, len(m.Targets))
	targets := make([]depgraph.Target, 0, len(m.Targets))
	for _, t := range m.Targets {
		byID[t.Name] = t
		targets = append(targets, t)
	}
	children := func(dt depgraph.Target) ([]depgraph.Target, error) {
		t := dt.(*Target)
		out := make([]depgraph.Target, 0, len(t.Deps))
		for _, id := range t.Deps {
			dep, ok := byID[id]
			if !ok {
				return nil, xerrors.Errorf("manifest: target %q depends on unknown id %q", t.Name, id)
			}
			out = append(out, dep)
		}
		return out, nil
	}
	return depgraph.NewDepGraph(targets, children)
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}
