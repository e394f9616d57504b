package checkpoint

import (
	"testing"
	"time"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/depgraph"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	id, _ := buildforge.ParseTargetId("//pkg:lib")
	cp := &Checkpoint{
		WorkspaceRoot:    "/ws",
		Timestamp:        time.Unix(1700000000, 0),
		TotalTargets:     10,
		CompletedTargets: 5,
		FailedTargetIds:  []buildforge.TargetId{id},
		NodeStates:       map[buildforge.TargetId]depgraph.Status{id: depgraph.StatusFailed},
		NodeHashes:       map[buildforge.TargetId]string{},
	}
	data := Marshal(cp)
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkspaceRoot != cp.WorkspaceRoot {
		t.Errorf("WorkspaceRoot = %q, want %q", got.WorkspaceRoot, cp.WorkspaceRoot)
	}
	if got.TotalTargets != cp.TotalTargets || got.CompletedTargets != cp.CompletedTargets {
		t.Errorf("counts = (%d,%d), want (%d,%d)", got.TotalTargets, got.CompletedTargets, cp.TotalTargets, cp.CompletedTargets)
	}
	if len(got.FailedTargetIds) != 1 || got.FailedTargetIds[0] != id {
		t.Errorf("FailedTargetIds = %v, want [%v]", got.FailedTargetIds, id)
	}
	if got.NodeStates[id] != depgraph.StatusFailed {
		t.Errorf("NodeStates[id] = %v, want Failed", got.NodeStates[id])
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	if _, err := Unmarshal([]byte("not a checkpoint file at all")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestMergeRestoresSuccessAndCachedOnly(t *testing.T) {
	g := depgraph.New(depgraph.Deferred)
	aId, _ := buildforge.ParseTargetId("a")
	bId, _ := buildforge.ParseTargetId("b")
	cId, _ := buildforge.ParseTargetId("c")
	for _, id := range []buildforge.TargetId{aId, bId, cId} {
		if err := g.AddTarget(&buildforge.Target{Id: id}); err != nil {
			t.Fatal(err)
		}
	}

	cp := &Checkpoint{
		NodeStates: map[buildforge.TargetId]depgraph.Status{
			aId: depgraph.StatusSuccess,
			bId: depgraph.StatusCached,
			cId: depgraph.StatusFailed,
		},
		NodeHashes: map[buildforge.TargetId]string{aId: "hash-a", bId: "hash-b"},
	}
	Merge(cp, g)

	an, _ := g.Node(aId)
	bn, _ := g.Node(bId)
	cn, _ := g.Node(cId)
	if an.Status() != depgraph.StatusSuccess || an.OutputHash() != "hash-a" {
		t.Errorf("a: status=%v hash=%q", an.Status(), an.OutputHash())
	}
	if bn.Status() != depgraph.StatusCached || bn.OutputHash() != "hash-b" {
		t.Errorf("b: status=%v hash=%q", bn.Status(), bn.OutputHash())
	}
	if cn.Status() == depgraph.StatusSuccess || cn.Status() == depgraph.StatusCached {
		t.Errorf("c (failed in checkpoint) should not be restored, got %v", cn.Status())
	}
}

func TestValidateRejectsUnknownTarget(t *testing.T) {
	g := depgraph.New(depgraph.Deferred)
	id, _ := buildforge.ParseTargetId("a")
	missing, _ := buildforge.ParseTargetId("missing")
	if err := g.AddTarget(&buildforge.Target{Id: id}); err != nil {
		t.Fatal(err)
	}
	cp := &Checkpoint{NodeStates: map[buildforge.TargetId]depgraph.Status{missing: depgraph.StatusSuccess}}
	if err := Validate(cp, g); err == nil {
		t.Fatal("expected validate to reject a checkpoint referencing an unknown target")
	}
}
