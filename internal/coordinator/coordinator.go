// Package coordinator implements the distributed work coordinator
// (SPEC_FULL.md §4.H): workers Register, send periodic Heartbeats, and pull
// ready actions via RequestWork/SubmitResult over the internal/wire framing.
// It generalizes internal/batch/batch.go's single-process scheduler (a
// work/done channel pair feeding local goroutines) into a pull-based remote
// variant: the ready queue is the same priority-by-critical-path structure,
// but "workers" are now network peers that must register, heartbeat, and be
// evicted on timeout instead of goroutines the process owns directly.
package coordinator

import (
	"container/heap"
	"log"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/autoscaler"
	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/depgraph"
	"github.com/buildforge/buildforge/internal/wire"
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildforge_coordinator_queue_depth",
		Help: "Number of ready actions waiting for a worker.",
	})
	workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildforge_coordinator_workers",
		Help: "Number of workers currently registered with the coordinator.",
	})
)

// heartbeatTimeout is how long a worker may go without a heartbeat before
// the coordinator considers it dead and requeues its in-flight action.
const heartbeatTimeout = 15 * time.Second

// livenessTick is how often the coordinator sweeps for timed-out workers.
const livenessTick = 3 * time.Second

// workerInfo is the coordinator's bookkeeping for one registered worker.
type workerInfo struct {
	id         string
	address    string
	capacity   int
	queueDepth int
	executing  bool
	draining   bool
	lastSeen   time.Time
	inFlight   map[string]buildforge.TargetId // actionId -> target
	limiter    *rate.Limiter
}

// loadFactor computes the SPEC_FULL.md §3 Peer load factor:
// 0.7*(queueSize/queueCapacity) + 0.3*(executing?1:0)/maxConcurrent, with
// maxConcurrent taken to be 1 per worker (each runs a single-threaded
// dispatch loop, per §4.I).
func (w *workerInfo) loadFactor() float64 {
	cap := w.capacity
	if cap <= 0 {
		cap = 1
	}
	queueTerm := 0.7 * (float64(w.queueDepth) / float64(cap))
	execTerm := 0.0
	if w.executing {
		execTerm = 0.3
	}
	return queueTerm + execTerm
}

// action is one unit of dispatchable work: a ready node plus the actual
// command the handler produced for it.
type action struct {
	id       string
	node     *depgraph.BuildNode
	request  wire.ActionRequest
	depth    int
	seq      int64
}

type readyHeap []*action

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth > h[j].depth
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*action)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	a := old[n-1]
	*h = old[:n-1]
	return a
}

// ResultHandler is invoked with a completed action's result; the Scheduler
// implements this to fold coordinator-reported results back into the graph.
type ResultHandler func(result wire.ActionResult)

// Coordinator owns the global ready-action queue and the worker registry. It
// is transport-agnostic at the core (Submit/Pop/etc. are plain method
// calls); Serve wraps it with a net.Listener speaking the wire framing.
type Coordinator struct {
	log *log.Logger

	mu       sync.Mutex
	workers  map[string]*workerInfo
	heap     readyHeap
	seq      int64
	inFlight map[string]*action // actionId -> action, across all workers

	onResult ResultHandler

	stopLiveness chan struct{}
}

// New constructs an empty Coordinator.
func New(logger *log.Logger, onResult ResultHandler) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		log:          logger,
		workers:      make(map[string]*workerInfo),
		inFlight:     make(map[string]*action),
		onResult:     onResult,
		stopLiveness: make(chan struct{}),
	}
}

// Register records a new worker, or refreshes an existing one under the
// same id (a worker that restarts reuses its id rather than leaking a
// duplicate entry).
func (c *Coordinator) Register(reg wire.Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[reg.WorkerId]
	if !ok {
		w = &workerInfo{id: reg.WorkerId, inFlight: make(map[string]buildforge.TargetId)}
		c.workers[reg.WorkerId] = w
	}
	w.address = reg.Address
	w.capacity = reg.Capacity
	w.lastSeen = time.Now()
	w.limiter = rate.NewLimiter(rate.Every(time.Second), 5)
	workersGauge.Set(float64(len(c.workers)))
	c.log.Printf("coordinator: registered worker %s (%s, capacity=%d)", reg.WorkerId, reg.Address, reg.Capacity)
}

// Heartbeat refreshes a worker's liveness and reported queue depth.
func (c *Coordinator) Heartbeat(hb wire.Heartbeat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[hb.WorkerId]
	if !ok {
		return berrors.Newf(berrors.NetWorkerFailed, "coordinator: heartbeat from unregistered worker %s", hb.WorkerId)
	}
	w.lastSeen = time.Now()
	w.queueDepth = hb.QueueDepth
	return nil
}

// Submit enqueues a ready action for dispatch, ordered by critical-path
// depth (longest-remaining-chain first, FIFO within ties — the same
// discipline internal/scheduler applies locally).
func (c *Coordinator) Submit(node *depgraph.BuildNode, req wire.ActionRequest, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &action{id: req.ActionId, node: node, request: req, depth: depth, seq: c.seq}
	c.seq++
	heap.Push(&c.heap, a)
	queueDepthGauge.Set(float64(len(c.heap)))
}

// RequestWork pops the highest-priority ready action for workerId, if any,
// and records it as in-flight against that worker. A worker marked draining
// (Drain) never receives new work, per SPEC_FULL.md §4.J.
func (c *Coordinator) RequestWork(workerId string) (*wire.ActionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerId]; ok && w.draining {
		return nil, false
	}
	if len(c.heap) == 0 {
		return nil, false
	}
	a := heap.Pop(&c.heap).(*action)
	c.inFlight[a.id] = a
	if w, ok := c.workers[workerId]; ok {
		w.inFlight[a.id] = a.node.Target.Id
		w.executing = true
	}
	queueDepthGauge.Set(float64(len(c.heap)))
	return &a.request, true
}

// SubmitResult records a completed action's outcome and invokes onResult.
func (c *Coordinator) SubmitResult(workerId string, result wire.ActionResult) {
	c.mu.Lock()
	_, ok := c.inFlight[result.ActionId]
	if ok {
		delete(c.inFlight, result.ActionId)
	}
	if w, ok := c.workers[workerId]; ok {
		delete(w.inFlight, result.ActionId)
		w.executing = len(w.inFlight) > 0
	}
	c.mu.Unlock()

	if !ok {
		c.log.Printf("coordinator: result for unknown action %s from %s (late requeue?)", result.ActionId, workerId)
		return
	}
	if c.onResult != nil {
		c.onResult(result)
	}
}

// WorkerLoads reports every registered worker's id and SPEC_FULL.md §3 load
// factor, satisfying internal/autoscaler's ClusterView interface.
func (c *Coordinator) WorkerLoads() []autoscaler.WorkerLoad {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]autoscaler.WorkerLoad, 0, len(c.workers))
	for id, w := range c.workers {
		out = append(out, autoscaler.WorkerLoad{WorkerId: id, LoadFactor: w.loadFactor()})
	}
	return out
}

// Drain marks workerId as draining: RequestWork stops assigning it new
// work, but any action already in flight on it is left to finish.
func (c *Coordinator) Drain(workerId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerId]; ok {
		w.draining = true
	}
}

// QueueEmpty reports whether workerId has no in-flight work, i.e. it is
// safe for the autoscaler to deprovision.
func (c *Coordinator) QueueEmpty(workerId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[workerId]
	if !ok {
		return true
	}
	return len(w.inFlight) == 0
}

// Unregister drops workerId from the pool entirely.
func (c *Coordinator) Unregister(workerId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, workerId)
	workersGauge.Set(float64(len(c.workers)))
}

// Peers returns every other registered worker's address, for PeerAnnounce
// messages that let workers steal from each other directly.
func (c *Coordinator) Peers(excludeWorkerId string) []wire.PeerAnnounce {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.PeerAnnounce, 0, len(c.workers))
	for id, w := range c.workers {
		if id == excludeWorkerId {
			continue
		}
		out = append(out, wire.PeerAnnounce{PeerId: id, Address: w.address})
	}
	return out
}

// QueueDepth reports the number of actions currently waiting for a worker.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heap)
}

// WorkerCount reports the number of currently registered workers.
func (c *Coordinator) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// sweepLiveness requeues every in-flight action belonging to a worker that
// has missed heartbeatTimeout, then drops the worker. Called periodically
// from RunLiveness.
func (c *Coordinator) sweepLiveness(now time.Time) {
	c.mu.Lock()
	var dead []*workerInfo
	for id, w := range c.workers {
		if now.Sub(w.lastSeen) > heartbeatTimeout {
			dead = append(dead, w)
			delete(c.workers, id)
		}
	}
	var requeued []*action
	for _, w := range dead {
		for actionId := range w.inFlight {
			if a, ok := c.inFlight[actionId]; ok {
				delete(c.inFlight, actionId)
				requeued = append(requeued, a)
			}
		}
	}
	for _, a := range requeued {
		heap.Push(&c.heap, a)
	}
	queueDepthGauge.Set(float64(len(c.heap)))
	workersGauge.Set(float64(len(c.workers)))
	c.mu.Unlock()

	for _, w := range dead {
		c.log.Printf("coordinator: worker %s timed out, requeued %d action(s)", w.id, len(w.inFlight))
	}
}

// RunLiveness sweeps for timed-out workers every livenessTick until stop is
// closed, requeuing their in-flight actions so another worker can pick them
// up (SPEC_FULL.md §4.H Liveness: actions in flight on a timed-out worker
// are requeued, not failed).
func (c *Coordinator) RunLiveness(stop <-chan struct{}) {
	ticker := time.NewTicker(livenessTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.sweepLiveness(now)
		}
	}
}

// Serve accepts connections on ln and handles each with handleConn in its
// own goroutine, returning only when ln.Accept fails (e.g. on ln.Close()).
func (c *Coordinator) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go c.handleConn(conn)
	}
}

func (c *Coordinator) handleConn(nc net.Conn) {
	defer nc.Close()
	conn := wire.NewConn(nc)
	var workerId string
	for {
		env, err := conn.Recv()
		if err != nil {
			if workerId != "" {
				c.log.Printf("coordinator: connection from %s closed: %v", workerId, err)
			}
			return
		}
		if err := c.dispatch(conn, env, &workerId); err != nil {
			c.log.Printf("coordinator: handling %s from %s: %v", env.Type, workerId, err)
			return
		}
	}
}

func (c *Coordinator) dispatch(conn *wire.Conn, env *wire.Envelope, workerId *string) error {
	switch env.Type {
	case wire.TypeRegistration:
		var reg wire.Registration
		if err := wire.DecodeBody(env, &reg); err != nil {
			return err
		}
		*workerId = reg.WorkerId
		c.Register(reg)
		return nil

	case wire.TypeHeartbeat:
		var hb wire.Heartbeat
		if err := wire.DecodeBody(env, &hb); err != nil {
			return err
		}
		if err := c.Heartbeat(hb); err != nil {
			return err
		}
		// Reply with the current peer set so PeerAnnounce is re-exchanged on
		// every heartbeat, per SPEC_FULL.md §4.H.
		resp, err := wire.EncodeBody(wire.TypePeerAnnounce, "coordinator", hb.WorkerId, wire.PeerList{Peers: c.Peers(hb.WorkerId)})
		if err != nil {
			return err
		}
		return conn.Send(resp)

	case wire.TypeWorkRequest:
		var wr wire.WorkRequest
		if err := wire.DecodeBody(env, &wr); err != nil {
			return err
		}
		req, ok := c.RequestWork(wr.WorkerId)
		if !ok {
			resp, err := wire.EncodeBody(wire.TypeStealResponse, "coordinator", wr.WorkerId, wire.StealResponse{Granted: false})
			if err != nil {
				return err
			}
			return conn.Send(resp)
		}
		resp, err := wire.EncodeBody(wire.TypeActionRequest, "coordinator", wr.WorkerId, req)
		if err != nil {
			return err
		}
		return conn.Send(resp)

	case wire.TypeActionResult:
		var res wire.ActionResult
		if err := wire.DecodeBody(env, &res); err != nil {
			return err
		}
		c.SubmitResult(*workerId, res)
		return nil

	default:
		return berrors.Newf(berrors.NetWorkerFailed, "coordinator: unexpected message type %s", env.Type)
	}
}
