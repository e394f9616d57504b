// Package depgraph implements the dependency graph over build targets
// (SPEC_FULL.md §4.E): a DAG with topological ordering, cycle detection and
// atomic per-node status, backed by gonum's directed graph and topological
// sort exactly as internal/batch/batch.go builds its package graph with
// gonum.org/v1/gonum/graph/simple and walks it with gonum.org/v1/gonum/graph/topo.
package depgraph

import (
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/berrors"
)

// Mode selects when addDependency validates the DAG invariant.
type Mode int

const (
	// Immediate checks for a cycle on every AddDependency call (DFS from the
	// new edge's target, O(V²) worst case across a whole build).
	Immediate Mode = iota
	// Deferred records edges unchecked and defers to a single Validate()
	// topological sort, O(V+E) total.
	Deferred
)

// Status is a BuildNode's execution state, mutated only via atomic
// operations so readiness checks never take a per-node lock.
type Status int32

const (
	StatusPending Status = iota
	StatusBuilding
	StatusSuccess
	StatusFailed
	StatusCached
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusBuilding:
		return "building"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusCached:
		return "cached"
	default:
		return "unknown"
	}
}

// BuildNode is one graph vertex, 1:1 with a Target. Dependency/dependent
// lists are immutable after construction; only status, retry count and the
// pending-deps counter mutate during execution, all atomically — back-edges
// are stored as ids (not node pointers) to keep the structure acyclic under
// Go's ownership/GC model, per DESIGN note §9.
type BuildNode struct {
	Target *buildforge.Target

	DepIds       []buildforge.TargetId
	DependentIds []buildforge.TargetId

	status      int32 // Status, atomic
	outputHash  atomic.Value // string
	retryCount  int32 // atomic
	pendingDeps int32 // atomic

	gid int64 // internal gonum node id
}

// Status returns the node's current status.
func (n *BuildNode) Status() Status { return Status(atomic.LoadInt32(&n.status)) }

// SetStatus atomically overwrites the node's status.
func (n *BuildNode) SetStatus(s Status) { atomic.StoreInt32(&n.status, int32(s)) }

// CompareAndSetStatus performs a compare-and-swap, used by the scheduler to
// guarantee a node transitions Pending→Building exactly once (SPEC_FULL.md
// §8 invariant 5).
func (n *BuildNode) CompareAndSetStatus(old, new Status) bool {
	return atomic.CompareAndSwapInt32(&n.status, int32(old), int32(new))
}

// OutputHash returns the node's recorded output hash, empty until completion.
func (n *BuildNode) OutputHash() string {
	if v := n.outputHash.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// SetOutputHash records h as the node's output hash.
func (n *BuildNode) SetOutputHash(h string) { n.outputHash.Store(h) }

// RetryCount returns the number of retries attempted so far.
func (n *BuildNode) RetryCount() int { return int(atomic.LoadInt32(&n.retryCount)) }

// IncrementRetryCount atomically bumps the retry count and returns the new value.
func (n *BuildNode) IncrementRetryCount() int {
	return int(atomic.AddInt32(&n.retryCount, 1))
}

// PendingDeps returns the number of not-yet-satisfied dependencies.
func (n *BuildNode) PendingDeps() int { return int(atomic.LoadInt32(&n.pendingDeps)) }

// DecrementPendingDeps atomically decrements the pending-deps counter and
// reports the new value; the scheduler treats a transition to zero as the
// node becoming ready (release/acquire pairing documented in SPEC_FULL.md §5).
func (n *BuildNode) DecrementPendingDeps() int {
	return int(atomic.AddInt32(&n.pendingDeps, -1))
}

// gnode is the gonum graph.Node wrapper; BuildGraph keeps the domain data in
// BuildNode and only hands gonum the bare id for topology bookkeeping.
type gnode struct{ id int64 }

func (g gnode) ID() int64 { return g.id }

// Graph is the dependency graph: a map from TargetId to BuildNode plus a
// gonum-backed edge structure for topological queries.
type Graph struct {
	mode Mode

	mu        sync.RWMutex
	nodes     map[buildforge.TargetId]*BuildNode
	ids       map[buildforge.TargetId]int64
	revIds    map[int64]buildforge.TargetId
	nextId    int64
	g         *simple.DirectedGraph
	validated bool

	criticalMu    sync.Mutex
	criticalDepth map[buildforge.TargetId]int
}

// New constructs an empty Graph that validates edges according to mode.
func New(mode Mode) *Graph {
	return &Graph{
		mode:   mode,
		nodes:  make(map[buildforge.TargetId]*BuildNode),
		ids:    make(map[buildforge.TargetId]int64),
		revIds: make(map[int64]buildforge.TargetId),
		g:      simple.NewDirectedGraph(),
	}
}

// AddTarget registers t as a new vertex. Duplicate ids are rejected.
func (bg *Graph) AddTarget(t *buildforge.Target) error {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if _, ok := bg.nodes[t.Id]; ok {
		return berrors.Newf(berrors.GraphDuplicateTarget, "depgraph: target %s already exists", t.Id)
	}
	id := bg.nextId
	bg.nextId++
	n := &BuildNode{Target: t, gid: id}
	bg.nodes[t.Id] = n
	bg.ids[t.Id] = id
	bg.revIds[id] = t.Id
	bg.g.AddNode(gnode{id: id})
	bg.validated = false
	return nil
}

// AddDependency records that from depends on to. In Immediate mode a DFS
// from `to` looking for `from` rejects the edge if it would close a cycle;
// in Deferred mode the edge is recorded unchecked and only caught by a
// subsequent Validate().
func (bg *Graph) AddDependency(from, to buildforge.TargetId) error {
	bg.mu.Lock()
	defer bg.mu.Unlock()

	fn, ok := bg.nodes[from]
	if !ok {
		return berrors.Newf(berrors.GraphNodeNotFound, "depgraph: node %s not found", from)
	}
	tn, ok := bg.nodes[to]
	if !ok {
		return berrors.Newf(berrors.GraphNodeNotFound, "depgraph: node %s not found", to)
	}

	if bg.mode == Immediate {
		if bg.reaches(tn.gid, fn.gid) {
			path := bg.findPathLocked(to, from)
			return berrors.Newf(berrors.GraphCycle, "depgraph: adding %s -> %s would create a cycle: %v", from, to, path)
		}
	}

	bg.g.SetEdge(bg.g.NewEdge(gnode{id: fn.gid}, gnode{id: tn.gid}))
	fn.DepIds = append(fn.DepIds, to)
	tn.DependentIds = append(tn.DependentIds, from)
	atomic.AddInt32(&fn.pendingDeps, 1)
	bg.validated = false
	return nil
}

// reaches reports whether there is a path from src to dst in the current
// graph (DFS). Callers must hold bg.mu.
func (bg *Graph) reaches(src, dst int64) bool {
	if src == dst {
		return true
	}
	visited := make(map[int64]bool)
	stack := []int64{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if cur == dst {
			return true
		}
		for it := bg.g.From(cur); it.Next(); {
			stack = append(stack, it.Node().ID())
		}
	}
	return false
}

// findPathLocked returns a human-readable cycle path from `from` back to
// `to` for diagnostics. Callers must hold bg.mu.
func (bg *Graph) findPathLocked(from, to buildforge.TargetId) []buildforge.TargetId {
	fromId, toId := bg.ids[from], bg.ids[to]
	parent := map[int64]int64{fromId: -1}
	queue := []int64{fromId}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == toId {
			break
		}
		for it := bg.g.From(cur); it.Next(); {
			nxt := it.Node().ID()
			if _, seen := parent[nxt]; !seen {
				parent[nxt] = cur
				queue = append(queue, nxt)
			}
		}
	}
	var path []buildforge.TargetId
	for cur, ok := toId, true; ok; cur, ok = parent[cur] {
		path = append([]buildforge.TargetId{bg.revIds[cur]}, path...)
		if cur == fromId {
			break
		}
		if _, ok2 := parent[cur]; !ok2 {
			break
		}
	}
	path = append(path, from)
	return path
}

// Validate checks the DAG invariant across the whole graph via topological
// sort, returning a *berrors.Error with GraphCycle and a diagnostic path if
// a cycle exists. Deferred-mode graphs must call this before scheduling.
func (bg *Graph) Validate() error {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if _, err := topo.Sort(bg.g); err != nil {
		unorderable, ok := err.(topo.Unorderable)
		if !ok || len(unorderable) == 0 {
			return berrors.Wrap(berrors.GraphCycle, "depgraph: validate", err)
		}
		var path []buildforge.TargetId
		for _, n := range unorderable[0] {
			path = append(path, bg.revIds[n.ID()])
		}
		if len(path) > 0 {
			path = append(path, path[0])
		}
		return berrors.Newf(berrors.GraphCycle, "depgraph: cycle detected: %v", path)
	}
	bg.validated = true
	return nil
}

// TopologicalSort returns targets in dependency order (a dependency always
// precedes its dependents).
func (bg *Graph) TopologicalSort() ([]buildforge.TargetId, error) {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	sorted, err := topo.Sort(bg.g)
	if err != nil {
		return nil, berrors.Wrap(berrors.GraphCycle, "depgraph: topological sort", err)
	}
	// gonum's topo.Sort orders such that edges point from earlier to later;
	// our edges point dependent->dependency, so reverse to get dependency-first.
	out := make([]buildforge.TargetId, len(sorted))
	for i, n := range sorted {
		out[len(sorted)-1-i] = bg.revIds[n.ID()]
	}
	return out, nil
}

// Node returns the BuildNode for id, if present.
func (bg *Graph) Node(id buildforge.TargetId) (*BuildNode, bool) {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	n, ok := bg.nodes[id]
	return n, ok
}

// SetStatus atomically updates id's status, returning NodeNotFound if id is unknown.
func (bg *Graph) SetStatus(id buildforge.TargetId, status Status) error {
	n, ok := bg.Node(id)
	if !ok {
		return berrors.Newf(berrors.GraphNodeNotFound, "depgraph: node %s not found", id)
	}
	n.SetStatus(status)
	return nil
}

// Targets returns every target id in the graph, in no particular order.
func (bg *Graph) Targets() []buildforge.TargetId {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	out := make([]buildforge.TargetId, 0, len(bg.nodes))
	for id := range bg.nodes {
		out = append(out, id)
	}
	return out
}

// Len reports the number of targets in the graph.
func (bg *Graph) Len() int {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	return len(bg.nodes)
}

// CriticalPath returns the longest chain of dependents starting at `from`
// (the node itself followed by its longest-depth dependent chain). If from
// is the zero value, it returns the single longest chain anywhere in the
// graph. Depths are memoized so repeated calls (e.g. once per scheduler
// tick) are cheap.
func (bg *Graph) CriticalPath(from buildforge.TargetId) []buildforge.TargetId {
	bg.mu.RLock()
	defer bg.mu.RUnlock()

	var zero buildforge.TargetId
	if from == zero {
		var best buildforge.TargetId
		bestDepth := -1
		for id := range bg.nodes {
			if d := bg.criticalDepthLocked(id); d > bestDepth {
				bestDepth = d
				best = id
			}
		}
		from = best
	}
	if _, ok := bg.nodes[from]; !ok {
		return nil
	}

	path := []buildforge.TargetId{from}
	cur := from
	for {
		n := bg.nodes[cur]
		var next buildforge.TargetId
		bestDepth := -1
		for _, d := range n.DependentIds {
			if depth := bg.criticalDepthLocked(d); depth > bestDepth {
				bestDepth = depth
				next = d
			}
		}
		if bestDepth < 0 {
			break
		}
		path = append(path, next)
		cur = next
	}
	return path
}

// CriticalDepth returns the memoized longest-chain-of-dependents length for
// id, used by the scheduler to order the ready queue (SPEC_FULL.md §4.G:
// "ready nodes are ordered by critical-path length descending").
func (bg *Graph) CriticalDepth(id buildforge.TargetId) int {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	return bg.criticalDepthLocked(id)
}

// criticalDepthLocked computes (and memoizes) the longest path from id to
// any terminal (a node with no dependents). Callers must hold bg.mu (at
// least RLock); the memo itself has its own lock since it is written from a
// read-locked path.
func (bg *Graph) criticalDepthLocked(id buildforge.TargetId) int {
	bg.criticalMu.Lock()
	defer bg.criticalMu.Unlock()
	if bg.criticalDepth == nil {
		bg.criticalDepth = make(map[buildforge.TargetId]int)
	}
	return bg.depthMemo(id, make(map[buildforge.TargetId]bool))
}

func (bg *Graph) depthMemo(id buildforge.TargetId, visiting map[buildforge.TargetId]bool) int {
	if d, ok := bg.criticalDepth[id]; ok {
		return d
	}
	if visiting[id] {
		return 0 // guard against cycles in an unvalidated graph
	}
	visiting[id] = true
	n, ok := bg.nodes[id]
	if !ok {
		return 0
	}
	best := 0
	for _, dep := range n.DependentIds {
		if d := bg.depthMemo(dep, visiting) + 1; d > best {
			best = d
		}
	}
	bg.criticalDepth[id] = best
	return best
}

// Print renders the graph, one line per target and its dependencies, in the
// style of internal/batch/batch.go's dry-run package listing.
func (bg *Graph) Print(w interface{ WriteString(string) (int, error) }) error {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	for id, n := range bg.nodes {
		if _, err := w.WriteString(id.String() + "\n"); err != nil {
			return err
		}
		for _, d := range n.DepIds {
			if _, err := w.WriteString("  -> " + d.String() + "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ graph.Directed = (*simple.DirectedGraph)(nil)

// ErrNotValidated identifies a Deferred-mode graph that has not been
// validated. No function in this package returns it.
var ErrNotValidated = xerrors.New("depgraph: graph not validated")
