// Package autoscaler implements the predictive worker-pool autoscaler
// (SPEC_FULL.md §4.J): exponential smoothing over observed cluster metrics,
// a linear-regression trend, and a clamp-and-cooldown scale decision,
// grounded on internal/trace/trace.go's ticker-driven CPU/mem sampling loop
// (CPUEvents/MemEvents) generalized from "read a /proc counter every
// second" into "smooth an arbitrary signal every tick and decide". As with
// the Scheduler and Worker, cloud specifics are kept out: provisioning is an
// injectable Provisioner, exactly as SPEC_FULL.md §4.J specifies.
package autoscaler

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

// windowSize is the number of recent samples kept per signal for both the
// exponential-smoothing state and the trend regression, per SPEC_FULL.md
// §4.J ("a window of ~10 samples").
const windowSize = 10

// alpha is the exponential-smoothing factor: S_t = alpha*X_t + (1-alpha)*S_{t-1}.
const alpha = 0.3

// Metrics is one sample of the cluster's observed load, gathered externally
// (by the Coordinator and Workers) and fed to Observe.
type Metrics struct {
	QueueDepth  float64
	Utilization float64
	LatencyMs   float64
}

var (
	predictedUtilGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildforge_autoscaler_predicted_util",
		Help: "Exponentially-smoothed predicted worker-pool utilization.",
	})
	trendGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildforge_autoscaler_trend",
		Help: "Linear-regression slope of utilization over the sample window.",
	})
	workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buildforge_autoscaler_workers",
		Help: "Current target worker-pool size.",
	})
)

// signal tracks one metric's exponential-smoothing state and a bounded
// history used for the trend regression.
type signal struct {
	smoothed    float64
	initialized bool
	history     []float64 // ring, oldest first, capped at windowSize
}

func (s *signal) observe(x float64) {
	if !s.initialized {
		s.smoothed = x
		s.initialized = true
	} else {
		s.smoothed = alpha*x + (1-alpha)*s.smoothed
	}
	s.history = append(s.history, s.smoothed)
	if len(s.history) > windowSize {
		s.history = s.history[len(s.history)-windowSize:]
	}
}

// trend returns the linear-regression slope of this signal's smoothed
// history against sample index, or 0 if fewer than two samples have been
// observed yet.
func (s *signal) trend() float64 {
	n := len(s.history)
	if n < 2 {
		return 0
	}
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, s.history, nil, false)
	if math.IsNaN(beta) {
		return 0
	}
	return beta
}

// Thresholds and factors from SPEC_FULL.md §4.J. Exported so callers may
// tune a particular deployment without forking the decision function.
type Thresholds struct {
	ScaleUpThreshold   float64 // predictedUtil above this triggers scale-up
	ScaleDownThreshold float64 // predictedUtil below this (with a falling trend) triggers scale-down
	TrendUp            float64 // trend above this alone also triggers scale-up
	TrendDown          float64 // trend below this is required (with low util) to scale down
	ScaleUpFactor      float64
	ScaleDownFactor    float64
	MinWorkers         int
	MaxWorkers         int
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration
}

// DefaultThresholds uses the utilization thresholds, trend bounds and
// cooldowns named in SPEC_FULL.md §4.J; the scale factors and worker bounds
// are this package's own defaults.
var DefaultThresholds = Thresholds{
	ScaleUpThreshold:   0.75,
	ScaleDownThreshold: 0.25,
	TrendUp:            0.1,
	TrendDown:          -0.05,
	ScaleUpFactor:      0.5,
	ScaleDownFactor:    0.5,
	MinWorkers:         1,
	MaxWorkers:         64,
	ScaleUpCooldown:    30 * time.Second,
	ScaleDownCooldown:  2 * time.Minute,
}

// Action is the outcome of one Observe call.
type Action int

const (
	ActionNone Action = iota
	ActionScaleUp
	ActionScaleDown
)

func (a Action) String() string {
	switch a {
	case ActionScaleUp:
		return "scale-up"
	case ActionScaleDown:
		return "scale-down"
	default:
		return "none"
	}
}

// Decision is what Observe decided, and why.
type Decision struct {
	Action          Action
	Delta           int // positive = workers to add, negative = workers to remove
	TargetWorkers   int
	PredictedUtil   float64
	Trend           float64
	CooldownBlocked bool
}

// Autoscaler holds the per-signal smoothing state, the current worker
// count, and cooldown bookkeeping. It is not safe for concurrent use; the
// caller (Run, or a hand-rolled loop) serializes Observe calls.
type Autoscaler struct {
	log *log.Logger
	t   Thresholds

	util  signal
	queue signal
	lat   signal

	workers       int
	lastScaleUp   time.Time
	lastScaleDown time.Time
}

// New constructs an Autoscaler starting at initialWorkers, clamped into
// [t.MinWorkers, t.MaxWorkers].
func New(logger *log.Logger, t Thresholds, initialWorkers int) *Autoscaler {
	if logger == nil {
		logger = log.Default()
	}
	w := clamp(initialWorkers, t.MinWorkers, t.MaxWorkers)
	workersGauge.Set(float64(w))
	return &Autoscaler{log: logger, t: t, workers: w}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Workers reports the autoscaler's current target worker count.
func (a *Autoscaler) Workers() int { return a.workers }

// Observe folds one Metrics sample into the smoothing state and returns the
// resulting scale Decision (which may be ActionNone, including when a
// cooldown suppresses an otherwise-warranted scale).
func (a *Autoscaler) Observe(now time.Time, m Metrics) Decision {
	a.util.observe(m.Utilization)
	a.queue.observe(m.QueueDepth)
	a.lat.observe(m.LatencyMs)

	predictedUtil := a.util.smoothed
	trend := a.util.trend()
	predictedUtilGauge.Set(predictedUtil)
	trendGauge.Set(trend)

	d := Decision{PredictedUtil: predictedUtil, Trend: trend, TargetWorkers: a.workers}

	switch {
	case predictedUtil > a.t.ScaleUpThreshold || trend > a.t.TrendUp:
		d.Action = ActionScaleUp
	case predictedUtil < a.t.ScaleDownThreshold && trend < a.t.TrendDown:
		d.Action = ActionScaleDown
	default:
		return d
	}

	if d.Action == ActionScaleUp && now.Sub(a.lastScaleUp) < a.t.ScaleUpCooldown {
		d.CooldownBlocked = true
		d.Action = ActionNone
		return d
	}
	if d.Action == ActionScaleDown && now.Sub(a.lastScaleDown) < a.t.ScaleDownCooldown {
		d.CooldownBlocked = true
		d.Action = ActionNone
		return d
	}

	if d.Action == ActionScaleUp {
		trendMultiplier := 1 + math.Max(0, trend)
		delta := int(math.Floor(float64(a.workers) * a.t.ScaleUpFactor * trendMultiplier))
		if delta < 1 {
			delta = 1
		}
		target := clamp(a.workers+delta, a.t.MinWorkers, a.t.MaxWorkers)
		d.Delta = target - a.workers
		d.TargetWorkers = target
		a.workers = target
		a.lastScaleUp = now
	} else {
		delta := int(math.Floor(float64(a.workers) * a.t.ScaleDownFactor * 0.5))
		if delta < 1 {
			delta = 1
		}
		target := clamp(a.workers-delta, a.t.MinWorkers, a.t.MaxWorkers)
		d.Delta = target - a.workers
		d.TargetWorkers = target
		a.workers = target
		a.lastScaleDown = now
	}
	workersGauge.Set(float64(a.workers))
	if d.Delta != 0 {
		a.log.Printf("autoscaler: %s workers %d -> %d (predictedUtil=%.2f trend=%.3f)",
			d.Action, a.workers-d.Delta, a.workers, predictedUtil, trend)
	}
	return d
}

// MetricsSource supplies one Metrics sample per tick, e.g. backed by the
// Coordinator's queue depth and the registered Workers' load factors.
type MetricsSource interface {
	Sample(ctx context.Context) (Metrics, error)
}

// WorkerLoad is one worker's identity and its SPEC_FULL.md §3 load factor
// (0.7*(queueSize/queueCapacity) + 0.3*(executing?1:0)/maxConcurrent),
// as reported by the ClusterView.
type WorkerLoad struct {
	WorkerId   string
	LoadFactor float64
}

// ClusterView is the autoscaler's narrow view of the live worker pool: who
// is running, how loaded each one is, and how to drain one out before
// deprovisioning it. The Coordinator satisfies this directly.
type ClusterView interface {
	WorkerLoads() []WorkerLoad
	// Drain marks workerId as draining: the coordinator stops assigning it
	// new work but lets any in-flight action finish.
	Drain(workerId string)
	// QueueEmpty reports whether workerId currently has no in-flight or
	// queued work, i.e. it is safe to deprovision.
	QueueEmpty(workerId string) bool
	// Unregister drops workerId from the pool's bookkeeping.
	Unregister(workerId string)
}

// Provisioner is the cloud-specific collaborator: the autoscaler only knows
// "grow by n" / "shrink by these ids", per SPEC_FULL.md §4.J.
type Provisioner interface {
	Provision(ctx context.Context, n int) ([]string, error)
	Deprovision(ctx context.Context, workerIds []string) error
}

// drainTimeout bounds how long ScaleDown waits for a draining worker's
// queue to empty before deprovisioning it anyway.
const drainTimeout = 30 * time.Second

// drainPoll is how often ScaleDown rechecks a draining worker's queue.
const drainPoll = 200 * time.Millisecond

// ScaleDown drains and deprovisions the n least-utilized workers known to
// view, per SPEC_FULL.md §4.J ("select the least-utilized workers, mark as
// draining, wait until their queues empty or a timeout fires, then
// deprovision and unregister").
func ScaleDown(ctx context.Context, n int, view ClusterView, prov Provisioner, logger *log.Logger) error {
	if n <= 0 {
		return nil
	}
	loads := view.WorkerLoads()
	sort.Slice(loads, func(i, j int) bool { return loads[i].LoadFactor < loads[j].LoadFactor })
	if n > len(loads) {
		n = len(loads)
	}
	victims := make([]string, 0, n)
	for _, wl := range loads[:n] {
		victims = append(victims, wl.WorkerId)
		view.Drain(wl.WorkerId)
	}

	deadline := time.Now().Add(drainTimeout)
	pending := append([]string(nil), victims...)
	for len(pending) > 0 && time.Now().Before(deadline) {
		remaining := pending[:0]
		for _, id := range pending {
			if !view.QueueEmpty(id) {
				remaining = append(remaining, id)
			}
		}
		pending = remaining
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
	if len(pending) > 0 && logger != nil {
		logger.Printf("autoscaler: draining %d worker(s) timed out, deprovisioning anyway", len(pending))
	}

	if err := prov.Deprovision(ctx, victims); err != nil {
		return err
	}
	for _, id := range victims {
		view.Unregister(id)
	}
	return nil
}

// ScaleUp provisions n new workers via prov. The autoscaler does not
// register them with view itself: a newly-provisioned worker registers
// with the Coordinator on its own startup path, the same as any other
// worker (SPEC_FULL.md §4.H Register).
func ScaleUp(ctx context.Context, n int, prov Provisioner) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return prov.Provision(ctx, n)
}

// Run ticks every interval, sampling source and applying the resulting
// Decision against view/prov, until ctx is cancelled.
func Run(ctx context.Context, a *Autoscaler, source MetricsSource, view ClusterView, prov Provisioner, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m, err := source.Sample(ctx)
			if err != nil {
				a.log.Printf("autoscaler: sample failed: %v", err)
				continue
			}
			d := a.Observe(now, m)
			switch d.Action {
			case ActionScaleUp:
				if _, err := ScaleUp(ctx, d.Delta, prov); err != nil {
					a.log.Printf("autoscaler: scale-up failed: %v", err)
				}
			case ActionScaleDown:
				if err := ScaleDown(ctx, -d.Delta, view, prov, a.log); err != nil {
					a.log.Printf("autoscaler: scale-down failed: %v", err)
				}
			}
		}
	}
}
