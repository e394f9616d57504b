package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildforge/buildforge"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBuildsGraphInDependencyOrder(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"name": "a", "kind": "executable", "lang": "go", "deps": ["b"]},
			{"name": "b", "kind": "library", "lang": "go", "deps": ["c"]},
			{"name": "c", "kind": "library", "lang": "go"}
		]
	}`)
	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", g.Len())
	}
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id.Name] = i
	}
	if pos["c"] >= pos["b"] || pos["b"] >= pos["a"] {
		t.Fatalf("expected order c, b, a; got %v", order)
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"name": "a", "deps": ["b"]},
			{"name": "b", "deps": ["a"]}
		]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"name": "a", "deps": ["missing"]}
		]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a dependency with no matching target")
	}
}

func TestParseRoundTripsTargetFields(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"name": "//cmd:app", "kind": "executable", "lang": "go", "sources": ["main.go"], "output_hint": "bin/app"}
		]
	}`)
	f, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Targets) != 1 {
		t.Fatalf("len(Targets) = %d, want 1", len(f.Targets))
	}
	e := f.Targets[0]
	id, err := buildforge.ParseTargetId(e.Name)
	if err != nil {
		t.Fatal(err)
	}
	if id.Path != "cmd" || id.Name != "app" {
		t.Fatalf("ParseTargetId(%q) = %+v", e.Name, id)
	}
	if len(e.Sources) != 1 || e.Sources[0] != "main.go" {
		t.Fatalf("Sources = %v", e.Sources)
	}
}
