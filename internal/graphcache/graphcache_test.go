package graphcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/depgraph"
)

func TestKeyIsStableAndSensitiveToInput(t *testing.T) {
	k1 := Key([]string{"hash-a", "hash-b"})
	k2 := Key([]string{"hash-a", "hash-b"})
	k3 := Key([]string{"hash-a", "hash-c"})
	if k1 != k2 {
		t.Fatalf("Key not stable: %q != %q", k1, k2)
	}
	if k1 == k3 {
		t.Fatalf("Key did not change when input changed")
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.bin")
	workspace := dir

	g := depgraph.New(depgraph.Deferred)
	id, _ := buildforge.ParseTargetId("//pkg:lib")
	if err := g.AddTarget(&buildforge.Target{Id: id}); err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	key := Key([]string{"h1"})
	if err := Store(path, workspace, key, g); err != nil {
		t.Fatal(err)
	}

	loaded, ok := Load(path, workspace, key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if loaded.Len() != 1 {
		t.Fatalf("loaded graph has %d targets, want 1", loaded.Len())
	}
}

func TestLoadMissesOnKeyChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.bin")
	workspace := dir

	g := depgraph.New(depgraph.Deferred)
	id, _ := buildforge.ParseTargetId("//pkg:lib")
	if err := g.AddTarget(&buildforge.Target{Id: id}); err != nil {
		t.Fatal(err)
	}

	if err := Store(path, workspace, Key([]string{"h1"}), g); err != nil {
		t.Fatal(err)
	}
	if _, ok := Load(path, workspace, Key([]string{"h2"})); ok {
		t.Fatal("expected cache miss after key changed (Builderfiles changed)")
	}
}

func TestLoadMissesOnTamperedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.bin")
	workspace := dir

	g := depgraph.New(depgraph.Deferred)
	id, _ := buildforge.ParseTargetId("//pkg:lib")
	if err := g.AddTarget(&buildforge.Target{Id: id}); err != nil {
		t.Fatal(err)
	}
	key := Key([]string{"h1"})
	if err := Store(path, workspace, key, g); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := Load(path, workspace, key); ok {
		t.Fatal("expected cache miss on tampered file")
	}
}
