package coordinator

import (
	"testing"
	"time"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/depgraph"
	"github.com/buildforge/buildforge/internal/wire"
)

func mkNode(t *testing.T, name string) *depgraph.BuildNode {
	t.Helper()
	g := depgraph.New(depgraph.Deferred)
	id, err := buildforge.ParseTargetId(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddTarget(&buildforge.Target{Id: id}); err != nil {
		t.Fatal(err)
	}
	n, _ := g.Node(id)
	return n
}

func TestRequestWorkReturnsHighestPriorityFirst(t *testing.T) {
	c := New(nil, nil)
	c.Register(wire.Registration{WorkerId: "w1", Capacity: 1})

	low := mkNode(t, "low")
	high := mkNode(t, "high")
	c.Submit(low, wire.ActionRequest{ActionId: "low"}, 1)
	c.Submit(high, wire.ActionRequest{ActionId: "high"}, 5)

	req, ok := c.RequestWork("w1")
	if !ok {
		t.Fatal("expected work")
	}
	if req.ActionId != "high" {
		t.Fatalf("got %s, want high-priority action dispatched first", req.ActionId)
	}
}

func TestSubmitResultInvokesHandlerOnce(t *testing.T) {
	var got wire.ActionResult
	calls := 0
	c := New(nil, func(r wire.ActionResult) {
		calls++
		got = r
	})
	c.Register(wire.Registration{WorkerId: "w1", Capacity: 1})
	n := mkNode(t, "a")
	c.Submit(n, wire.ActionRequest{ActionId: "a"}, 0)
	if _, ok := c.RequestWork("w1"); !ok {
		t.Fatal("expected work")
	}
	c.SubmitResult("w1", wire.ActionResult{ActionId: "a", Success: true})
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
	if got.ActionId != "a" {
		t.Fatalf("got action %s, want a", got.ActionId)
	}
}

func TestSubmitResultForUnknownActionIsIgnored(t *testing.T) {
	calls := 0
	c := New(nil, func(wire.ActionResult) { calls++ })
	c.SubmitResult("w1", wire.ActionResult{ActionId: "ghost"})
	if calls != 0 {
		t.Fatalf("handler called for unknown action result")
	}
}

func TestSweepLivenessRequeuesDeadWorkersActions(t *testing.T) {
	c := New(nil, nil)
	c.Register(wire.Registration{WorkerId: "w1", Capacity: 1})
	n := mkNode(t, "a")
	c.Submit(n, wire.ActionRequest{ActionId: "a"}, 0)
	if _, ok := c.RequestWork("w1"); !ok {
		t.Fatal("expected work")
	}
	if c.QueueDepth() != 0 {
		t.Fatalf("queue depth = %d, want 0 (action claimed)", c.QueueDepth())
	}

	// Force w1 to look stale without sleeping heartbeatTimeout in real time.
	c.mu.Lock()
	c.workers["w1"].lastSeen = time.Now().Add(-heartbeatTimeout - time.Second)
	c.mu.Unlock()

	c.sweepLiveness(time.Now())

	if c.QueueDepth() != 1 {
		t.Fatalf("queue depth after sweep = %d, want 1 (requeued)", c.QueueDepth())
	}
	if c.WorkerCount() != 0 {
		t.Fatalf("worker count after sweep = %d, want 0", c.WorkerCount())
	}
}

func TestPeersExcludesSelf(t *testing.T) {
	c := New(nil, nil)
	c.Register(wire.Registration{WorkerId: "w1", Address: "10.0.0.1:9"})
	c.Register(wire.Registration{WorkerId: "w2", Address: "10.0.0.2:9"})
	peers := c.Peers("w1")
	if len(peers) != 1 || peers[0].PeerId != "w2" {
		t.Fatalf("Peers(w1) = %+v, want just w2", peers)
	}
}

func TestDrainedWorkerGetsNoNewWork(t *testing.T) {
	c := New(nil, nil)
	c.Register(wire.Registration{WorkerId: "w1", Capacity: 1})
	c.Submit(mkNode(t, "t1"), wire.ActionRequest{ActionId: "t1"}, 1)

	c.Drain("w1")

	if _, ok := c.RequestWork("w1"); ok {
		t.Fatal("draining worker should not receive new work")
	}
	if c.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1 (action left ready for another worker)", c.QueueDepth())
	}
}

func TestQueueEmptyAndUnregister(t *testing.T) {
	c := New(nil, nil)
	c.Register(wire.Registration{WorkerId: "w1", Capacity: 1})
	c.Submit(mkNode(t, "t1"), wire.ActionRequest{ActionId: "t1"}, 1)

	if !c.QueueEmpty("w1") {
		t.Fatal("QueueEmpty(w1) = false before any work assigned")
	}
	if _, ok := c.RequestWork("w1"); !ok {
		t.Fatal("expected work")
	}
	if c.QueueEmpty("w1") {
		t.Fatal("QueueEmpty(w1) = true with an in-flight action")
	}
	c.SubmitResult("w1", wire.ActionResult{ActionId: "t1"})
	if !c.QueueEmpty("w1") {
		t.Fatal("QueueEmpty(w1) = false after result submitted")
	}

	c.Unregister("w1")
	if c.WorkerCount() != 0 {
		t.Fatalf("WorkerCount() = %d after Unregister, want 0", c.WorkerCount())
	}
}

func TestWorkerLoadsReflectsExecuting(t *testing.T) {
	c := New(nil, nil)
	c.Register(wire.Registration{WorkerId: "w1", Capacity: 1})
	loads := c.WorkerLoads()
	if len(loads) != 1 || loads[0].LoadFactor != 0 {
		t.Fatalf("WorkerLoads() = %+v, want one idle worker at load 0", loads)
	}

	c.Submit(mkNode(t, "t1"), wire.ActionRequest{ActionId: "t1"}, 1)
	if _, ok := c.RequestWork("w1"); !ok {
		t.Fatal("expected work")
	}
	loads = c.WorkerLoads()
	if len(loads) != 1 || loads[0].LoadFactor <= 0 {
		t.Fatalf("WorkerLoads() = %+v, want load factor > 0 while executing", loads)
	}
}
