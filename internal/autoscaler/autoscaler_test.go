package autoscaler

import (
	"context"
	"testing"
	"time"
)

func TestScaleUpOnHighUtilization(t *testing.T) {
	a := New(nil, DefaultThresholds, 4)
	now := time.Now()
	// Only one observation in the window can scale up: every later one falls
	// inside ScaleUpCooldown and returns ActionNone.
	var last, up Decision
	for i := 0; i < windowSize; i++ {
		last = a.Observe(now, Metrics{Utilization: 0.95, QueueDepth: 50})
		if last.Action == ActionScaleUp {
			up = last
		}
		now = now.Add(time.Second)
	}
	if up.Action != ActionScaleUp {
		t.Fatalf("Action = %v, want ActionScaleUp (predictedUtil=%.2f)", up.Action, last.PredictedUtil)
	}
	if a.Workers() <= 4 {
		t.Fatalf("Workers() = %d, want > 4 after scale-up", a.Workers())
	}
}

func TestScaleDownOnLowUtilization(t *testing.T) {
	a := New(nil, DefaultThresholds, 10)
	now := time.Now()
	// Drive utilization down over the window so the trend is negative. The
	// first sample stays below ScaleUpThreshold so it does not itself scale
	// up; after the one scale-down, ScaleDownCooldown blocks the rest.
	vals := []float64{0.7, 0.7, 0.5, 0.3, 0.1, 0.05, 0.05, 0.05, 0.05, 0.05}
	var last, down Decision
	for _, v := range vals {
		last = a.Observe(now, Metrics{Utilization: v})
		if last.Action == ActionScaleDown {
			down = last
		}
		now = now.Add(time.Second)
	}
	if down.Action != ActionScaleDown {
		t.Fatalf("Action = %v, want ActionScaleDown (predictedUtil=%.2f trend=%.3f)", down.Action, last.PredictedUtil, last.Trend)
	}
	if a.Workers() >= 10 {
		t.Fatalf("Workers() = %d, want < 10 after scale-down", a.Workers())
	}
}

func TestClampsToMaxWorkers(t *testing.T) {
	th := DefaultThresholds
	th.MaxWorkers = 5
	th.ScaleUpCooldown = 0
	a := New(nil, th, 4)
	now := time.Now()
	for i := 0; i < windowSize*3; i++ {
		a.Observe(now, Metrics{Utilization: 0.99})
		now = now.Add(time.Second)
	}
	if a.Workers() > th.MaxWorkers {
		t.Fatalf("Workers() = %d, exceeds MaxWorkers %d", a.Workers(), th.MaxWorkers)
	}
}

func TestClampsToMinWorkers(t *testing.T) {
	th := DefaultThresholds
	th.MinWorkers = 2
	th.ScaleDownCooldown = 0
	a := New(nil, th, 10)
	now := time.Now()
	for i := 0; i < windowSize*4; i++ {
		a.Observe(now, Metrics{Utilization: 0.01})
		now = now.Add(time.Second)
	}
	if a.Workers() < th.MinWorkers {
		t.Fatalf("Workers() = %d, below MinWorkers %d", a.Workers(), th.MinWorkers)
	}
}

func TestCooldownSuppressesRepeatedScaleUp(t *testing.T) {
	a := New(nil, DefaultThresholds, 4)
	now := time.Now()
	for i := 0; i < windowSize; i++ {
		a.Observe(now, Metrics{Utilization: 0.95})
		now = now.Add(time.Second)
	}
	after := a.Workers()
	// Immediately observe again: still within the 30s cooldown.
	d := a.Observe(now, Metrics{Utilization: 0.95})
	if !d.CooldownBlocked {
		t.Fatalf("expected cooldown to block an immediate second scale-up")
	}
	if a.Workers() != after {
		t.Fatalf("Workers() changed to %d during cooldown, want unchanged %d", a.Workers(), after)
	}
}

func TestNoActionWithinBand(t *testing.T) {
	a := New(nil, DefaultThresholds, 4)
	now := time.Now()
	var last Decision
	for i := 0; i < windowSize; i++ {
		last = a.Observe(now, Metrics{Utilization: 0.5})
		now = now.Add(time.Second)
	}
	if last.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone for steady mid-band utilization", last.Action)
	}
	if a.Workers() != 4 {
		t.Fatalf("Workers() = %d, want unchanged 4", a.Workers())
	}
}

// fakeCluster is a minimal ClusterView/Provisioner double for ScaleDown.
type fakeCluster struct {
	loads       []WorkerLoad
	drained     map[string]bool
	empty       map[string]bool
	unregistered []string
}

func (f *fakeCluster) WorkerLoads() []WorkerLoad { return f.loads }
func (f *fakeCluster) Drain(id string) {
	if f.drained == nil {
		f.drained = map[string]bool{}
	}
	f.drained[id] = true
}
func (f *fakeCluster) QueueEmpty(id string) bool { return f.empty[id] }
func (f *fakeCluster) Unregister(id string)      { f.unregistered = append(f.unregistered, id) }

type fakeProvisioner struct {
	deprovisioned [][]string
}

func (p *fakeProvisioner) Provision(ctx context.Context, n int) ([]string, error) { return nil, nil }
func (p *fakeProvisioner) Deprovision(ctx context.Context, ids []string) error {
	p.deprovisioned = append(p.deprovisioned, ids)
	return nil
}

func TestScaleDownDrainsLeastUtilizedFirst(t *testing.T) {
	cluster := &fakeCluster{
		loads: []WorkerLoad{
			{WorkerId: "busy", LoadFactor: 0.9},
			{WorkerId: "idle", LoadFactor: 0.1},
			{WorkerId: "mid", LoadFactor: 0.5},
		},
		empty: map[string]bool{"idle": true, "mid": true, "busy": true},
	}
	prov := &fakeProvisioner{}
	if err := ScaleDown(context.Background(), 1, cluster, prov, nil); err != nil {
		t.Fatalf("ScaleDown: %v", err)
	}
	if !cluster.drained["idle"] {
		t.Fatalf("expected the least-utilized worker (idle) to be drained first, drained=%v", cluster.drained)
	}
	if cluster.drained["busy"] || cluster.drained["mid"] {
		t.Fatalf("ScaleDown(1) should only touch one worker, drained=%v", cluster.drained)
	}
	if len(prov.deprovisioned) != 1 || len(prov.deprovisioned[0]) != 1 || prov.deprovisioned[0][0] != "idle" {
		t.Fatalf("Deprovision calls = %v, want exactly [[idle]]", prov.deprovisioned)
	}
	if len(cluster.unregistered) != 1 || cluster.unregistered[0] != "idle" {
		t.Fatalf("Unregister calls = %v, want exactly [idle]", cluster.unregistered)
	}
}

func TestScaleDownTimesOutAndDeprovisionsAnyway(t *testing.T) {
	cluster := &fakeCluster{
		loads: []WorkerLoad{{WorkerId: "stuck", LoadFactor: 0.0}},
		empty: map[string]bool{}, // never empties
	}
	prov := &fakeProvisioner{}

	done := make(chan error, 1)
	go func() { done <- ScaleDown(context.Background(), 1, cluster, prov, nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ScaleDown: %v", err)
		}
	case <-time.After(drainTimeout + 5*time.Second):
		t.Fatal("ScaleDown did not return after drainTimeout elapsed")
	}
	if len(prov.deprovisioned) != 1 {
		t.Fatalf("expected deprovision to proceed despite timeout, got %v", prov.deprovisioned)
	}
}
