package depgraph

import (
	"encoding/json"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/berrors"
)

// edge is a serializable (from, to) dependency pair.
type edge struct {
	From buildforge.TargetId
	To   buildforge.TargetId
}

// Snapshot is the serializable form of a Graph: every target plus the
// dependency edges between them, consumed by internal/graphcache.
type Snapshot struct {
	Targets []*buildforge.Target
	Edges   []edge
}

// Serialize captures the graph's current targets and edges as JSON bytes.
func (bg *Graph) Serialize() ([]byte, error) {
	bg.mu.RLock()
	snap := Snapshot{Targets: make([]*buildforge.Target, 0, len(bg.nodes))}
	for _, n := range bg.nodes {
		snap.Targets = append(snap.Targets, n.Target)
		for _, to := range n.DepIds {
			snap.Edges = append(snap.Edges, edge{From: n.Target.Id, To: to})
		}
	}
	bg.mu.RUnlock()

	out, err := json.Marshal(snap)
	if err != nil {
		return nil, berrors.Wrap(berrors.CacheSaveFailed, "depgraph: serialize", err)
	}
	return out, nil
}

// Deserialize reconstructs a Graph from bytes produced by Serialize, in
// Deferred mode, and validates the result.
func Deserialize(data []byte) (*Graph, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, berrors.Wrap(berrors.CacheLoadFailed, "depgraph: deserialize", err)
	}
	bg := New(Deferred)
	for _, t := range snap.Targets {
		if err := bg.AddTarget(t); err != nil {
			return nil, err
		}
	}
	for _, e := range snap.Edges {
		if err := bg.AddDependency(e.From, e.To); err != nil {
			return nil, err
		}
	}
	if err := bg.Validate(); err != nil {
		return nil, err
	}
	return bg, nil
}
