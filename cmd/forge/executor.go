package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildforge/buildforge/internal/autoscaler"
	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/buildservices"
	"github.com/buildforge/buildforge/internal/coordinator"
	"github.com/buildforge/buildforge/internal/depgraph"
	"github.com/buildforge/buildforge/internal/fingerprint"
	"github.com/buildforge/buildforge/internal/handler"
	"github.com/buildforge/buildforge/internal/wire"
)

// registryExecutor implements scheduler.Executor by looking up a target's
// language handler in a Registry and invoking it, translating the
// handler's black-box result into the scheduler's (outputHash, error)
// contract and feeding the action cache from the handler's per-file Record
// callback.
type registryExecutor struct {
	svc           *buildservices.Services
	registry      *handler.Registry
	workspaceRoot string
}

func (e *registryExecutor) Execute(ctx context.Context, n *depgraph.BuildNode) (string, error) {
	t := n.Target
	caps, ok := e.registry.Lookup(t.Lang)
	if !ok {
		return "", berrors.Newf(berrors.LangUnsupportedLanguage, "no handler registered for language %q (target %s)", t.Lang, t.Id)
	}

	bctx := handler.BuildContext{
		Target:        t,
		WorkspaceRoot: e.workspaceRoot,
		Env:           t.Env,
		Record: func(subId string, inputs, outputs []string, success bool) {
			if e.svc == nil || e.svc.ActionCache == nil {
				return
			}
			hashes := make(map[string]fingerprint.Hash, len(inputs))
			for _, in := range inputs {
				if h, err := fingerprint.HashFile(filepath.Join(e.workspaceRoot, in)); err == nil {
					hashes[in] = h
				}
			}
			e.svc.ActionCache.Update(t.Id.String()+"#"+subId, hashes, nil, success)
		},
	}

	res, err := caps.Build(ctx, bctx)
	if err != nil {
		return "", berrors.Wrap(berrors.BuildFailed, "execute "+t.Id.String(), err)
	}
	if !res.Success {
		return "", berrors.Newf(berrors.BuildFailed, "target %s: %s", t.Id, res.Error)
	}
	return res.OutputHash, nil
}

// coordinatorExecutor implements scheduler.Executor by submitting each ready
// node to an embedded coordinator.Coordinator and blocking until a remote
// `forge worker` process reports its result, bridging the scheduler's
// synchronous Execute call onto the coordinator's async
// Submit/SubmitResult pair (§4.G/§4.H).
type coordinatorExecutor struct {
	coord *coordinator.Coordinator
	graph *depgraph.Graph

	mu      sync.Mutex
	waiters map[string]chan wire.ActionResult
	seq     int64
}

func newCoordinatorExecutor(g *depgraph.Graph) *coordinatorExecutor {
	return &coordinatorExecutor{graph: g, waiters: make(map[string]chan wire.ActionResult)}
}

// onResult is the coordinator.ResultHandler that wakes up whichever Execute
// call is waiting on this action.
func (e *coordinatorExecutor) onResult(result wire.ActionResult) {
	e.mu.Lock()
	ch, ok := e.waiters[result.ActionId]
	if ok {
		delete(e.waiters, result.ActionId)
	}
	e.mu.Unlock()
	if ok {
		ch <- result
	}
}

func (e *coordinatorExecutor) Execute(ctx context.Context, n *depgraph.BuildNode) (string, error) {
	actionId := fmt.Sprintf("%s#%d", n.Target.Id, atomic.AddInt64(&e.seq, 1))
	ch := make(chan wire.ActionResult, 1)
	e.mu.Lock()
	e.waiters[actionId] = ch
	e.mu.Unlock()

	req := wire.ActionRequest{
		ActionId: actionId,
		TargetId: n.Target.Id.String(),
		Command:  n.Target.Sources,
		Env:      n.Target.Env,
	}
	e.coord.Submit(n, req, e.graph.CriticalDepth(n.Target.Id))

	select {
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.waiters, actionId)
		e.mu.Unlock()
		return "", ctx.Err()
	case res := <-ch:
		if !res.Success {
			return "", berrors.Newf(berrors.BuildFailed, "target %s: %s", n.Target.Id, res.Error)
		}
		return res.OutputHash, nil
	}
}

// coordinatorMetricsSource feeds the autoscaler from the embedded
// coordinator's own bookkeeping: queue depth directly, utilization as the
// mean of registered workers' load factors.
type coordinatorMetricsSource struct {
	coord *coordinator.Coordinator
}

func (s *coordinatorMetricsSource) Sample(ctx context.Context) (autoscaler.Metrics, error) {
	loads := s.coord.WorkerLoads()
	var util float64
	if len(loads) > 0 {
		var sum float64
		for _, wl := range loads {
			sum += wl.LoadFactor
		}
		util = sum / float64(len(loads))
	}
	return autoscaler.Metrics{QueueDepth: float64(s.coord.QueueDepth()), Utilization: util}, nil
}

// logProvisioner stands in for a real cloud Provisioner (§4.J names one as
// an injectable collaborator; spinning up/tearing down actual compute is
// out of scope for this binary). It only logs the decision; `forge worker`
// processes are expected to be started and stopped by whatever operates
// this cluster.
type logProvisioner struct {
	logger *log.Logger
}

func (p *logProvisioner) Provision(ctx context.Context, n int) ([]string, error) {
	p.logger.Printf("autoscaler: would provision %d worker(s) (no Provisioner wired)", n)
	return nil, nil
}

func (p *logProvisioner) Deprovision(ctx context.Context, workerIds []string) error {
	p.logger.Printf("autoscaler: would deprovision %v (no Provisioner wired)", workerIds)
	return nil
}

// autoscalerSampleInterval is how often runAutoscaler samples the
// coordinator's load, distinct from the worker's own heartbeatInterval.
const autoscalerSampleInterval = 5 * time.Second

// runAutoscaler drives autoscaler.Run against coord's live load until ctx
// is cancelled, using logProvisioner since real compute provisioning is out
// of scope for this binary. §4.J's smoothing/trend/cooldown decision logic
// still runs against live cluster data rather than staying unreachable.
func runAutoscaler(ctx context.Context, coord *coordinator.Coordinator, logger *log.Logger) error {
	as := autoscaler.New(logger, autoscaler.DefaultThresholds, 1)
	src := &coordinatorMetricsSource{coord: coord}
	prov := &logProvisioner{logger: logger}
	return autoscaler.Run(ctx, as, src, coord, prov, autoscalerSampleInterval)
}
