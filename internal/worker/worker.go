// Package worker implements the distributed build worker (SPEC_FULL.md
// §4.I): an Idle/Executing/Stealing state machine wrapped around a local
// deque, pulling work from the coordinator first and from sibling workers
// (via power-of-two-choices, falling back to most-loaded when p2c keeps
// missing) once the coordinator's queue runs dry. The dispatch loop itself —
// "for n := range work { ... build ... }" plus a terminal status line — is
// internal/batch/batch.go's worker loop generalized from one fixed
// `work` channel fed by a single local scheduler into a loop that pulls from
// three sources in priority order: its own deque, the coordinator, its peers.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/wire"
)

var loadFactorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "buildforge_worker_load_factor",
	Help: "Per-worker SPEC §3 load factor.",
}, []string{"worker_id"})

// State is the worker's current high-level activity, reported in heartbeats
// and status-line rendering.
type State int32

const (
	StateIdle State = iota
	StateExecuting
	StateStealing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateStealing:
		return "stealing"
	default:
		return "unknown"
	}
}

// Executor runs one action's command, returning its result. A real
// implementation execs the action's Command with Env, capturing
// stdout/stderr and hashing outputs; the worker package only depends on this
// interface.
type Executor interface {
	Execute(ctx context.Context, req wire.ActionRequest) wire.ActionResult
}

// CoordinatorClient is the worker's view of the coordinator connection:
// register once, heartbeat periodically, pull work, and report results.
type CoordinatorClient interface {
	Register(ctx context.Context, capacity int) error
	Heartbeat(ctx context.Context, queueDepth int) error
	RequestWork(ctx context.Context) (*wire.ActionRequest, bool, error)
	SubmitResult(ctx context.Context, result wire.ActionResult) error
	Peers(ctx context.Context) ([]wire.PeerAnnounce, error)
}

// StealTransport asks a specific peer worker directly for one item of work,
// bypassing the coordinator (SPEC_FULL.md §4.I); the dispatch loop steals
// only after its own deque and the coordinator both came up empty.
type StealTransport interface {
	RequestSteal(ctx context.Context, peerAddr string) (*wire.ActionRequest, bool, error)
}

// stealWindow tracks recent steal outcomes to decide whether
// power-of-two-choices is finding work often enough, or whether the worker
// should fall back to always asking its single most-loaded known peer.
type stealWindow struct {
	mu      sync.Mutex
	outcome []bool // true = steal succeeded
}

const stealWindowSize = 20

func (w *stealWindow) record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcome = append(w.outcome, success)
	if len(w.outcome) > stealWindowSize {
		w.outcome = w.outcome[len(w.outcome)-stealWindowSize:]
	}
}

// successRate returns the fraction of recent steals that succeeded, or 1.0
// (optimistic) if the window is still empty.
func (w *stealWindow) successRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.outcome) == 0 {
		return 1.0
	}
	n := 0
	for _, ok := range w.outcome {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(w.outcome))
}

// p2cFailureThreshold: below this success rate, switch to most-loaded-peer
// targeting instead of random power-of-two-choices.
const p2cFailureThreshold = 0.2

// Worker runs the pull/steal loop against one coordinator connection.
type Worker struct {
	Id       string
	Capacity int

	coord     CoordinatorClient
	stealXprt StealTransport
	exec      Executor

	local      *Deque
	window     *stealWindow
	state      int32 // State, atomic
	statusTerm bool

	peersMu sync.RWMutex
	peers   []wire.PeerAnnounce

	stats struct {
		executed int64
		stolen   int64
		fromCoord int64
	}
}

// New constructs a Worker. It renders the terminal status line only when
// file descriptor 1 is a terminal (isatty.IsTerminal(1)), the way
// internal/batch/batch.go gates its own status output.
func New(id string, capacity int, coord CoordinatorClient, stealXprt StealTransport, exec Executor) *Worker {
	return &Worker{
		Id:         id,
		Capacity:   capacity,
		coord:      coord,
		stealXprt:  stealXprt,
		exec:       exec,
		local:      &Deque{},
		window:     &stealWindow{},
		statusTerm: isatty.IsTerminal(1),
	}
}

// State returns the worker's current activity.
func (w *Worker) State() State { return State(atomic.LoadInt32(&w.state)) }

func (w *Worker) setState(s State) {
	atomic.StoreInt32(&w.state, int32(s))
	loadFactorGauge.WithLabelValues(w.Id).Set(w.LoadFactor())
	if w.statusTerm {
		fmt.Fprintf(os.Stderr, "\r%s: %-10s load=%.2f\033[K", w.Id, s, w.LoadFactor())
	}
}

// LoadFactor computes the SPEC_FULL.md §3 Peer load factor for this worker:
// 0.7*(queueSize/queueCapacity) + 0.3*(executing?1:0)/maxConcurrent, with
// queueCapacity taken to be Capacity and maxConcurrent fixed at 1 (each
// worker runs one single-threaded dispatch loop, per §4.I).
func (w *Worker) LoadFactor() float64 {
	cap := w.Capacity
	if cap <= 0 {
		cap = 1
	}
	queueTerm := 0.7 * (float64(w.local.Len()) / float64(cap))
	execTerm := 0.0
	if w.State() == StateExecuting {
		execTerm = 0.3
	}
	return queueTerm + execTerm
}

// Stats is a snapshot of lifetime counters, for diagnostics.
type Stats struct {
	Executed  int64
	Stolen    int64
	FromCoord int64
	QueueDepth int
}

func (w *Worker) Stats() Stats {
	return Stats{
		Executed:   atomic.LoadInt64(&w.stats.executed),
		Stolen:     atomic.LoadInt64(&w.stats.stolen),
		FromCoord:  atomic.LoadInt64(&w.stats.fromCoord),
		QueueDepth: w.local.Len(),
	}
}

// heartbeatInterval matches the coordinator's heartbeatTimeout with margin:
// several heartbeats must be missed before the worker is declared dead.
const heartbeatInterval = 4 * time.Second

// Run registers with the coordinator, starts the heartbeat loop, and pulls
// work until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.coord.Register(ctx, w.Capacity); err != nil {
		return berrors.Wrap(berrors.NetCoordinatorUnreachable, "worker: register", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()

	err := w.dispatchLoop(ctx)
	wg.Wait()
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.coord.Heartbeat(ctx, w.local.Len())
			if peers, err := w.coord.Peers(ctx); err == nil {
				w.peersMu.Lock()
				w.peers = peers
				w.peersMu.Unlock()
			}
		}
	}
}

// spinAttempts is how many times the dispatch loop busy-retries (no sleep)
// before falling back to exponential backoff, per SPEC_FULL.md §4.I.
const spinAttempts = 10

// maxIdleBackoff caps the sleep between empty-handed attempts.
const maxIdleBackoff = 100 * time.Millisecond

func (w *Worker) dispatchLoop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if req, ok := w.local.PopBottom(); ok {
			w.setState(StateExecuting)
			w.runOne(ctx, req.(wire.ActionRequest))
			attempt = 0
			continue
		}

		w.setState(StateIdle)
		req, ok, err := w.coord.RequestWork(ctx)
		if err == nil && ok {
			atomic.AddInt64(&w.stats.fromCoord, 1)
			w.setState(StateExecuting)
			w.runOne(ctx, *req)
			attempt = 0
			continue
		}

		w.setState(StateStealing)
		if stolen, ok := w.attemptSteal(ctx); ok {
			atomic.AddInt64(&w.stats.stolen, 1)
			w.setState(StateExecuting)
			w.runOne(ctx, stolen)
			attempt = 0
			continue
		}

		attempt++
		if err := w.idleBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (w *Worker) runOne(ctx context.Context, req wire.ActionRequest) {
	result := w.exec.Execute(ctx, req)
	atomic.AddInt64(&w.stats.executed, 1)
	_ = w.coord.SubmitResult(ctx, result)
}

// attemptSteal picks candidate peers by power-of-two-choices (or the single
// most-loaded known peer once p2c's recent success rate drops below
// p2cFailureThreshold) and asks each in turn until one grants work.
func (w *Worker) attemptSteal(ctx context.Context) (wire.ActionRequest, bool) {
	candidates := w.pickStealCandidates()
	for _, peer := range candidates {
		req, ok, err := w.stealXprt.RequestSteal(ctx, peer.Address)
		if err != nil || !ok {
			w.window.record(false)
			continue
		}
		w.window.record(true)
		return *req, true
	}
	if len(candidates) > 0 {
		w.window.record(false)
	}
	return wire.ActionRequest{}, false
}

func (w *Worker) pickStealCandidates() []wire.PeerAnnounce {
	w.peersMu.RLock()
	peers := append([]wire.PeerAnnounce(nil), w.peers...)
	w.peersMu.RUnlock()
	if len(peers) == 0 {
		return nil
	}
	if len(peers) == 1 || w.window.successRate() < p2cFailureThreshold {
		// Most-loaded fallback: without real per-peer depth telemetry beyond
		// what PeerAnnounce carries, "most loaded" degrades to "first known
		// peer" deterministically rather than guessing at a depth we were
		// never told.
		return peers[:1]
	}
	i, j := rand.Intn(len(peers)), rand.Intn(len(peers))
	for j == i && len(peers) > 1 {
		j = rand.Intn(len(peers))
	}
	return []wire.PeerAnnounce{peers[i], peers[j]}
}

// idleBackoff sleeps between empty-handed dispatch attempts: busy-spin (no
// sleep) for the first spinAttempts tries, then exponential backoff with
// jitter capped at maxIdleBackoff.
func (w *Worker) idleBackoff(ctx context.Context, attempt int) error {
	if attempt <= spinAttempts {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = maxIdleBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	// Advance one step per attempt past the spin phase; 16 steps from 2ms
	// are far past the cap.
	var d time.Duration
	for i := spinAttempts; i < attempt && i < spinAttempts+16; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > maxIdleBackoff {
		d = maxIdleBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// netCoordinatorClient is the real CoordinatorClient, speaking internal/wire
// over a persistent TCP connection to the coordinator.
type netCoordinatorClient struct {
	id   string
	conn *wire.Conn

	peersMu sync.Mutex
	peers   []wire.PeerAnnounce
}

// DialCoordinator opens a connection to the coordinator at addr.
func DialCoordinator(id, addr string) (CoordinatorClient, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, berrors.Wrap(berrors.NetCoordinatorUnreachable, "worker: dial coordinator", err)
	}
	return &netCoordinatorClient{id: id, conn: wire.NewConn(nc)}, nil
}

func (c *netCoordinatorClient) Register(ctx context.Context, capacity int) error {
	env, err := wire.EncodeBody(wire.TypeRegistration, c.id, "", wire.Registration{WorkerId: c.id, Capacity: capacity})
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// Heartbeat sends a Heartbeat and reads back the coordinator's PeerAnnounce
// reply, caching the peer set for the subsequent Peers call — the wire
// profile piggybacks peer re-exchange on the heartbeat round trip rather
// than pushing it out-of-band (see wire.PeerList).
func (c *netCoordinatorClient) Heartbeat(ctx context.Context, queueDepth int) error {
	env, err := wire.EncodeBody(wire.TypeHeartbeat, c.id, "", wire.Heartbeat{WorkerId: c.id, QueueDepth: queueDepth})
	if err != nil {
		return err
	}
	if err := c.conn.Send(env); err != nil {
		return err
	}
	resp, err := c.conn.Recv()
	if err != nil {
		return err
	}
	if resp.Type != wire.TypePeerAnnounce {
		return nil
	}
	var list wire.PeerList
	if err := wire.DecodeBody(resp, &list); err != nil {
		return err
	}
	c.peersMu.Lock()
	c.peers = list.Peers
	c.peersMu.Unlock()
	return nil
}

func (c *netCoordinatorClient) RequestWork(ctx context.Context) (*wire.ActionRequest, bool, error) {
	env, err := wire.EncodeBody(wire.TypeWorkRequest, c.id, "", wire.WorkRequest{WorkerId: c.id})
	if err != nil {
		return nil, false, err
	}
	if err := c.conn.Send(env); err != nil {
		return nil, false, err
	}
	resp, err := c.conn.Recv()
	if err != nil {
		return nil, false, err
	}
	if resp.Type != wire.TypeActionRequest {
		return nil, false, nil
	}
	var req wire.ActionRequest
	if err := wire.DecodeBody(resp, &req); err != nil {
		return nil, false, err
	}
	return &req, true, nil
}

func (c *netCoordinatorClient) SubmitResult(ctx context.Context, result wire.ActionResult) error {
	env, err := wire.EncodeBody(wire.TypeActionResult, c.id, "", result)
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// Peers returns the peer set cached from the most recent Heartbeat reply.
func (c *netCoordinatorClient) Peers(ctx context.Context) ([]wire.PeerAnnounce, error) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	return append([]wire.PeerAnnounce(nil), c.peers...), nil
}

// netStealTransport dials a peer directly for one steal attempt per call
// (no persistent connection, since steals are infrequent once the
// coordinator's queue is healthy).
type netStealTransport struct {
	id string
}

// NewNetStealTransport returns a StealTransport that dials peers directly.
func NewNetStealTransport(id string) StealTransport {
	return &netStealTransport{id: id}
}

func (t *netStealTransport) RequestSteal(ctx context.Context, peerAddr string) (*wire.ActionRequest, bool, error) {
	nc, err := net.DialTimeout("tcp", peerAddr, 2*time.Second)
	if err != nil {
		return nil, false, berrors.Wrap(berrors.NetWorkerTimeout, "worker: dial peer for steal", err)
	}
	defer nc.Close()
	conn := wire.NewConn(nc)
	env, err := wire.EncodeBody(wire.TypeStealRequest, t.id, "", wire.StealRequest{FromWorkerId: t.id})
	if err != nil {
		return nil, false, err
	}
	if err := conn.Send(env); err != nil {
		return nil, false, err
	}
	resp, err := conn.Recv()
	if err != nil {
		return nil, false, err
	}
	var sr wire.StealResponse
	if err := wire.DecodeBody(resp, &sr); err != nil {
		return nil, false, err
	}
	if !sr.Granted || sr.Action == nil {
		return nil, false, nil
	}
	return sr.Action, true, nil
}

// ServeSteals answers incoming StealRequests from sibling workers by
// popping from this worker's own deque (FIFO, from the top) and granting
// whatever it finds, or declining if empty.
func (w *Worker) ServeSteals(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go w.handleSteal(nc)
	}
}

func (w *Worker) handleSteal(nc net.Conn) {
	defer nc.Close()
	conn := wire.NewConn(nc)
	env, err := conn.Recv()
	if err != nil || env.Type != wire.TypeStealRequest {
		return
	}
	req, ok := w.local.PopTop()
	resp := wire.StealResponse{Granted: ok}
	if ok {
		r := req.(wire.ActionRequest)
		resp.Action = &r
	}
	out, err := wire.EncodeBody(wire.TypeStealResponse, w.Id, "", resp)
	if err != nil {
		return
	}
	_ = conn.Send(out)
}
