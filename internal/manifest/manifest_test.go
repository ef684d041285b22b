package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndGraph(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"id": "a", "weight": 1, "argv": ["true"]},
			{"id": "b", "weight": 2, "deps": ["a"], "argv": ["true"]}
		]
	}`)

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(m.Targets))
	}

	g, err := m.Graph()
	if err != nil {
		t.Fatal(err)
	}
	leaves := g.Leaves()
	if len(leaves) != 1 || leaves[0].Target.ID() != "a" {
		t.Errorf("expected a as the sole leaf, got %v", leaves)
	}
}

func TestGraphUnknownDep(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"id": "a", "weight": 1, "deps": ["missing"]}
		]
	}`)

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Graph(); err == nil {
		t.Error("expected an error for an unresolvable dependency id")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/manifest.json"); err == nil {
		t.Error("expected an error for a missing manifest file")
	}
}
