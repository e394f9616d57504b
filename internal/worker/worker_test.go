package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/buildforge/buildforge/internal/wire"
)

type fakeCoordClient struct {
	mu       sync.Mutex
	queue    []wire.ActionRequest
	results  []wire.ActionResult
	peers    []wire.PeerAnnounce
	registered bool
}

func (f *fakeCoordClient) Register(ctx context.Context, capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return nil
}

func (f *fakeCoordClient) Heartbeat(ctx context.Context, queueDepth int) error { return nil }

func (f *fakeCoordClient) RequestWork(ctx context.Context) (*wire.ActionRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, false, nil
	}
	req := f.queue[0]
	f.queue = f.queue[1:]
	return &req, true, nil
}

func (f *fakeCoordClient) SubmitResult(ctx context.Context, result wire.ActionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeCoordClient) Peers(ctx context.Context) ([]wire.PeerAnnounce, error) {
	return f.peers, nil
}

type noopStealTransport struct{}

func (noopStealTransport) RequestSteal(ctx context.Context, peerAddr string) (*wire.ActionRequest, bool, error) {
	return nil, false, nil
}

type fakeExecutor struct {
	mu  sync.Mutex
	ran []string
}

func (e *fakeExecutor) Execute(ctx context.Context, req wire.ActionRequest) wire.ActionResult {
	e.mu.Lock()
	e.ran = append(e.ran, req.ActionId)
	e.mu.Unlock()
	return wire.ActionResult{ActionId: req.ActionId, Success: true}
}

func TestWorkerExecutesFromCoordinatorQueueThenStops(t *testing.T) {
	coord := &fakeCoordClient{queue: []wire.ActionRequest{{ActionId: "a1"}, {ActionId: "a2"}}}
	exec := &fakeExecutor{}
	w := New("w1", 1, coord, noopStealTransport{}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		exec.mu.Lock()
		n := len(exec.ran)
		exec.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("timed out waiting for both actions to run, got %d", n)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	if !coord.registered {
		t.Fatal("expected worker to register with coordinator")
	}
	if len(coord.results) != 2 {
		t.Fatalf("got %d results, want 2", len(coord.results))
	}
}

func TestWorkerPrefersLocalDequeOverCoordinator(t *testing.T) {
	coord := &fakeCoordClient{}
	exec := &fakeExecutor{}
	w := New("w1", 1, coord, noopStealTransport{}, exec)
	w.local.PushBottom(wire.ActionRequest{ActionId: "local-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.ran) == 0 || exec.ran[0] != "local-1" {
		t.Fatalf("ran = %v, want local-1 first", exec.ran)
	}
}

func TestAttemptStealFallsBackToMostLoadedBelowThreshold(t *testing.T) {
	coord := &fakeCoordClient{}
	exec := &fakeExecutor{}
	w := New("w1", 1, coord, noopStealTransport{}, exec)
	w.peers = []wire.PeerAnnounce{{PeerId: "p1", Address: "a"}, {PeerId: "p2", Address: "b"}}

	for i := 0; i < stealWindowSize; i++ {
		w.window.record(false)
	}
	cands := w.pickStealCandidates()
	if len(cands) != 1 {
		t.Fatalf("expected single most-loaded fallback candidate, got %d", len(cands))
	}
}

func TestDequeLIFOForOwnerFIFOForThief(t *testing.T) {
	d := &Deque{}
	d.PushBottom("a")
	d.PushBottom("b")
	d.PushBottom("c")

	if v, ok := d.PopBottom(); !ok || v != "c" {
		t.Fatalf("PopBottom = %v, want c (LIFO)", v)
	}
	if v, ok := d.PopTop(); !ok || v != "a" {
		t.Fatalf("PopTop = %v, want a (FIFO)", v)
	}
}
