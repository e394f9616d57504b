// Package scheduler implements the central local-dispatch loop
// (SPEC_FULL.md §4.G): a critical-path-ordered ready queue feeding a bounded
// pool of worker goroutines, grounded directly on internal/batch/batch.go's
// scheduler type (its work/done channel pair and errgroup-based pool,
// generalized from one hard-coded `distri build` subprocess call per
// package into a priority-ordered dispatch loop over arbitrary Executors,
// and from `canBuild`/`markFailed` string bookkeeping into atomic
// depgraph.BuildNode state).
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/buildservices"
	"github.com/buildforge/buildforge/internal/depgraph"
	"github.com/buildforge/buildforge/internal/events"
	"github.com/buildforge/buildforge/internal/fingerprint"
	"github.com/buildforge/buildforge/internal/retry"
)

var readyQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "buildforge_scheduler_ready_queue_depth",
	Help: "Number of nodes in the scheduler's ready heap.",
})

// Executor runs a single node's action, locally or by handing off to a
// distributed Coordinator; the Scheduler never spawns subprocesses itself.
type Executor interface {
	Execute(ctx context.Context, node *depgraph.BuildNode) (outputHash string, err error)
}

// item is one entry in the ready heap: a node plus its memoized
// critical-path depth and an insertion sequence number used to break ties
// FIFO, per SPEC_FULL.md §4.G ("ready nodes ordered by critical-path length
// descending; FIFO within ties").
type item struct {
	node  *depgraph.BuildNode
	depth int
	seq   int64
}

type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth > h[j].depth // longest remaining first
	}
	return h[i].seq < h[j].seq // FIFO within ties
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Stats summarizes a completed (or in-progress) run.
type Stats struct {
	Succeeded int
	Cached    int
	Failed    int
	Total     int
}

// Scheduler dispatches a depgraph.Graph's nodes to an Executor with maximum
// safe parallelism, bounded by Concurrency, and drains on the first
// unrecoverable failure.
type Scheduler struct {
	graph       *depgraph.Graph
	svc         *buildservices.Services
	exec        Executor
	concurrency int
	watermark   int
	policies    map[retry.Class]retry.Policy

	events *events.Stream

	mu        sync.Mutex
	cond      *sync.Cond
	heap      readyHeap
	seq       int64
	remaining int
	draining  bool
	firstErr  error
	stats     Stats
}

// SetEvents attaches a Stream the Scheduler publishes target lifecycle
// notifications to; callers that don't need an event stream (e.g. tests)
// may leave this unset.
func (s *Scheduler) SetEvents(stream *events.Stream) { s.events = stream }

func (s *Scheduler) emit(kind events.Kind, target, detail string) {
	if s.events == nil {
		return
	}
	s.events.Emit(events.Event{Kind: kind, Target: target, Detail: detail, At: time.Now()})
}

// New constructs a Scheduler over g, dispatching ready nodes to exec with up
// to concurrency in-flight at once (concurrency <= 0 means "1").
func New(g *depgraph.Graph, svc *buildservices.Services, exec Executor, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Scheduler{
		graph:       g,
		svc:         svc,
		exec:        exec,
		concurrency: concurrency,
		watermark:   concurrency * 4,
		policies:    retry.DefaultPolicies,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetWatermark overrides the ready-queue backpressure watermark.
func (s *Scheduler) SetWatermark(w int) { s.watermark = w }

// BackpressureActive reports whether the ready queue has grown past its
// watermark. Neither the dispatch loop nor the Coordinator consults it, so
// no "queue full" signal reaches workers.
func (s *Scheduler) BackpressureActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap) > s.watermark
}

// Run executes the graph to completion (or first fatal failure), returning
// the first root-cause error, if any.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	ids := s.graph.Targets()
	s.mu.Lock()
	s.remaining = len(ids)
	s.stats.Total = len(ids)
	for _, id := range ids {
		n, ok := s.graph.Node(id)
		if !ok {
			continue
		}
		if n.PendingDeps() == 0 {
			s.pushLocked(n)
		}
	}
	s.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	go func() {
		// Unstick any worker blocked in cond.Wait() once ctx is cancelled;
		// sync.Cond has no native context awareness.
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	for i := 0; i < s.concurrency; i++ {
		eg.Go(func() error { return s.workerLoop(ctx) })
	}
	if err := eg.Wait(); err != nil {
		s.mu.Lock()
		if s.firstErr == nil {
			s.firstErr = err
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.firstErr
}

// pushLocked inserts n into the ready heap. Callers must hold s.mu.
func (s *Scheduler) pushLocked(n *depgraph.BuildNode) {
	depth := s.graph.CriticalDepth(n.Target.Id)
	heap.Push(&s.heap, &item{node: n, depth: depth, seq: s.seq})
	s.seq++
	readyQueueGauge.Set(float64(len(s.heap)))
	s.cond.Signal()
}

// workerLoop pops ready nodes and dispatches them until the graph is
// exhausted or the context is cancelled.
func (s *Scheduler) workerLoop(ctx context.Context) error {
	for {
		s.mu.Lock()
		for len(s.heap) == 0 && s.remaining > 0 {
			if ctx.Err() != nil {
				s.mu.Unlock()
				return ctx.Err()
			}
			s.cond.Wait()
		}
		if len(s.heap) == 0 {
			s.mu.Unlock()
			return nil
		}
		it := heap.Pop(&s.heap).(*item)
		readyQueueGauge.Set(float64(len(s.heap)))
		draining := s.draining
		s.mu.Unlock()

		if draining {
			// In drain mode, no new dispatches: a node that was ready but
			// not yet started is marked Failed (without executing) and its
			// own dependents are propagated the same way.
			s.mu.Lock()
			if it.node.CompareAndSetStatus(depgraph.StatusPending, depgraph.StatusFailed) {
				s.remaining--
				s.stats.Failed++
				s.propagateFailureLocked(it.node)
				s.cond.Broadcast()
			}
			s.mu.Unlock()
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		s.dispatch(ctx, it.node)
	}
}

// dispatch handles one ready node: a build-cache check, then execution
// (with retry) on a miss, updating status and notifying dependents either
// way.
func (s *Scheduler) dispatch(ctx context.Context, n *depgraph.BuildNode) {
	depOutputs := make(map[buildforge.TargetId]fingerprint.Hash, len(n.DepIds))
	for _, dep := range n.DepIds {
		if dn, ok := s.graph.Node(dep); ok {
			depOutputs[dep] = fingerprint.Hash(dn.OutputHash())
		}
	}

	if s.svc != nil && s.svc.BuildCache != nil {
		cached, err := s.svc.BuildCache.IsCached(n.Target.Id, n.Target.Sources, depOutputs)
		if err == nil && cached {
			if h, ok := s.svc.BuildCache.OutputHash(n.Target.Id); ok {
				n.SetOutputHash(string(h))
			}
			n.SetStatus(depgraph.StatusCached)
			s.emit(events.TargetCached, n.Target.Id.String(), "")
			s.finishLocked(n, true, false)
			return
		}
	}

	s.emit(events.TargetStarted, n.Target.Id.String(), "")
	if !n.CompareAndSetStatus(depgraph.StatusPending, depgraph.StatusBuilding) {
		// Already dispatched by another goroutine: the ready-set discipline
		// (push only on pendingDeps hitting exactly zero) should make this
		// unreachable; treat defensively as a no-op rather than double-build.
		return
	}

	// resolve starts from the assumption that a first-time failure is a
	// compile failure (no retry) and only learns the real §7 class once op
	// has actually returned an error — the class isn't knowable before that.
	resolve := func(err error) retry.Policy {
		if err == nil {
			return s.policies[retry.ClassCompileFailure]
		}
		if code, ok := berrors.CodeOf(err); ok {
			return s.policies[retry.ClassOf(code)]
		}
		return s.policies[retry.ClassCompileFailure]
	}

	var outputHash string
	attempt := 0
	err := retry.Do(ctx, resolve, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			n.IncrementRetryCount()
		}
		h, err := s.exec.Execute(ctx, n)
		if err != nil {
			return err
		}
		outputHash = h
		return nil
	})

	if err != nil {
		n.SetStatus(depgraph.StatusFailed)
		s.emit(events.TargetFailed, n.Target.Id.String(), err.Error())
		s.finishLocked(n, false, true)
		return
	}

	n.SetOutputHash(outputHash)
	if s.svc != nil && s.svc.BuildCache != nil {
		s.svc.BuildCache.Update(n.Target.Id, n.Target.Sources, depOutputs, fingerprint.Hash(outputHash))
	}
	n.SetStatus(depgraph.StatusSuccess)
	s.emit(events.TargetSucceeded, n.Target.Id.String(), "")
	s.finishLocked(n, false, false)
}

// finishLocked records n's terminal outcome, decrements its dependents'
// pending-deps counters (enqueuing any that become ready), and — on a real
// failure — propagates Failed to every transitive dependent and enters
// drain mode.
func (s *Scheduler) finishLocked(n *depgraph.BuildNode, cacheHit, failed bool) {
	s.mu.Lock()
	s.remaining--
	switch {
	case failed:
		s.stats.Failed++
	case cacheHit:
		s.stats.Cached++
	default:
		s.stats.Succeeded++
	}

	if failed {
		s.draining = true
		if s.firstErr == nil {
			s.firstErr = berrors.Newf(berrors.BuildFailed, "target %s failed after %d attempt(s)", n.Target.Id, n.RetryCount()+1)
		}
		s.propagateFailureLocked(n)
	} else {
		for _, depId := range n.DependentIds {
			dn, ok := s.graph.Node(depId)
			if !ok {
				continue
			}
			if dn.DecrementPendingDeps() == 0 {
				s.pushLocked(dn)
			}
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// propagateFailureLocked marks every still-Pending transitive dependent of n
// as Failed without executing it. Callers must hold s.mu.
func (s *Scheduler) propagateFailureLocked(n *depgraph.BuildNode) {
	queue := append([]buildforge.TargetId(nil), n.DependentIds...)
	seen := make(map[buildforge.TargetId]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		dn, ok := s.graph.Node(id)
		if !ok {
			continue
		}
		if dn.CompareAndSetStatus(depgraph.StatusPending, depgraph.StatusFailed) {
			s.remaining--
			s.stats.Failed++
			queue = append(queue, dn.DependentIds...)
		}
	}
}
