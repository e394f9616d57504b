// Package manifest loads a flat JSON target list and builds a
// depgraph.Graph from it. SPEC_FULL.md §1 places the Builderfile DSL parser
// out of scope as an external collaborator ("the build engine treats each
// handler as a black-box function"); this package is the engine's minimal
// stand-in for that collaborator so cmd/forge has real targets to schedule
// without reimplementing a DSL the spec explicitly excludes.
package manifest

import (
	"encoding/json"
	"os"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/depgraph"
)

// File is the on-disk manifest format: every target names its own
// dependencies by canonical target-id string.
type File struct {
	Targets []Entry `json:"targets"`
}

// Entry is one target's declaration in the manifest.
type Entry struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Lang       string            `json:"lang"`
	Sources    []string          `json:"sources"`
	Deps       []string          `json:"deps"`
	Env        map[string]string `json:"env"`
	OutputHint string            `json:"output_hint"`
	Config     map[string]string `json:"config"`
}

var kinds = map[string]buildforge.Kind{
	"executable": buildforge.KindExecutable,
	"library":    buildforge.KindLibrary,
	"test":       buildforge.KindTest,
	"custom":     buildforge.KindCustom,
}

// Load parses the manifest at path and constructs a validated Deferred-mode
// Graph over its targets and declared dependency edges.
func Load(path string) (*depgraph.Graph, error) {
	f, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return Build(f)
}

// Parse reads and decodes the manifest at path without constructing a graph,
// used by `forge query` to resolve individual targets by id.
func Parse(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, berrors.Wrap(berrors.IOReadFailed, "manifest: read "+path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, berrors.Wrap(berrors.IOReadFailed, "manifest: parse "+path, err)
	}
	return &f, nil
}

// Build constructs a validated Graph from an already-parsed manifest.
func Build(f *File) (*depgraph.Graph, error) {
	g := depgraph.New(depgraph.Deferred)
	for _, e := range f.Targets {
		id, err := buildforge.ParseTargetId(e.Name)
		if err != nil {
			return nil, berrors.Wrap(berrors.GraphInvalidEdge, "manifest: target id "+e.Name, err)
		}
		t := &buildforge.Target{
			Id:         id,
			Kind:       kinds[e.Kind],
			Lang:       e.Lang,
			Sources:    e.Sources,
			Env:        e.Env,
			OutputHint: e.OutputHint,
			Config:     e.Config,
		}
		for _, d := range e.Deps {
			depId, err := buildforge.ParseTargetId(d)
			if err != nil {
				return nil, berrors.Wrap(berrors.GraphInvalidEdge, "manifest: dep id "+d, err)
			}
			t.Deps = append(t.Deps, depId)
		}
		if err := g.AddTarget(t); err != nil {
			return nil, err
		}
	}
	for _, e := range f.Targets {
		id, _ := buildforge.ParseTargetId(e.Name)
		for _, d := range e.Deps {
			depId, _ := buildforge.ParseTargetId(d)
			if err := g.AddDependency(id, depId); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
