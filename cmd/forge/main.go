// Command forge is the execution core's CLI entrypoint: a verb-dispatch
// map built on the standard flag package exactly like
// cmd/distri/distri.go's verbs := map[string]cmd{...}. CLI argument
// parsing and terminal rendering are out of scope per SPEC_FULL.md §1, so
// this stays a thin shell around the internal/ packages that do the real
// work.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/actioncache"
	"github.com/buildforge/buildforge/internal/buildcache"
	"github.com/buildforge/buildforge/internal/buildservices"
	"github.com/buildforge/buildforge/internal/cas"
	"github.com/buildforge/buildforge/internal/checkpoint"
	"github.com/buildforge/buildforge/internal/config"
	"github.com/buildforge/buildforge/internal/coordinator"
	"github.com/buildforge/buildforge/internal/depgraph"
	"github.com/buildforge/buildforge/internal/events"
	"github.com/buildforge/buildforge/internal/graphcache"
	"github.com/buildforge/buildforge/internal/handler"
	"github.com/buildforge/buildforge/internal/integrity"
	"github.com/buildforge/buildforge/internal/manifest"
	"github.com/buildforge/buildforge/internal/oninterrupt"
	"github.com/buildforge/buildforge/internal/scheduler"
)

var (
	mode        = flag.String("mode", "auto", "event rendering mode: auto, interactive, plain, verbose, quiet")
	manifestArg = flag.String("manifest", "", "path to the target manifest (default: <workspace root>/forge.manifest.json)")
	jobsArg     = flag.Int("jobs", 0, "scheduler concurrency (0: use BUILDER_JOBS or detect)")

	coordinatorListen = flag.String("coordinator-listen", "", "build verb: listen address for remote forge workers; when set, dispatch is delegated to connected workers instead of an in-process executor")
	coordinatorAddr   = flag.String("coordinator-addr", "", "worker verb: coordinator address to dial")
	workerIdArg       = flag.String("worker-id", "", "worker verb: id to register as (default: hostname)")
	workerCapacity    = flag.Int("worker-capacity", 1, "worker verb: capacity to advertise to the coordinator")
	stealListen       = flag.String("steal-listen", "", "worker verb: address to serve peer steal requests on")
)

// exitCritical is the SPEC_FULL.md §6 exit code for a critical internal
// error (unreachable state, corrupt invariant) as opposed to an ordinary
// build failure.
const exitCritical = 139

func manifestPath(cfg config.Config) string {
	if *manifestArg != "" {
		return *manifestArg
	}
	return filepath.Join(cfg.WorkspaceRoot, "forge.manifest.json")
}

func checkpointPath(cfg config.Config) string {
	return filepath.Join(cfg.CacheDir, "checkpoint.bin")
}

func graphCachePath(cfg config.Config) string {
	return filepath.Join(cfg.CacheDir, "graph.bin")
}

// services bundles everything openServices constructs so commands can
// close/flush it deterministically instead of relying solely on atexit.
type services struct {
	svc *buildservices.Services
	cas *cas.Store
	bc  *buildcache.Cache
	ac  *actioncache.Cache
}

func openServices(cfg config.Config, logger *log.Logger) (*services, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, err
	}
	store, err := cas.Open(filepath.Join(cfg.CacheDir, "cas"))
	if err != nil {
		return nil, err
	}
	bc, err := buildcache.Open(filepath.Join(cfg.CacheDir, "cache.bin"), cfg.WorkspaceRoot, buildcache.Config{
		MaxSize:    cfg.CacheMaxSize,
		MaxEntries: cfg.CacheMaxEntries,
		MaxAge:     cfg.CacheMaxAge,
	})
	if err != nil {
		return nil, err
	}
	ac, err := actioncache.Open(filepath.Join(cfg.CacheDir, "actions.bin"), cfg.WorkspaceRoot, actioncache.Config{})
	if err != nil {
		return nil, err
	}

	svc := &buildservices.Services{
		CAS:          store,
		BuildCache:   bc,
		ActionCache:  ac,
		Log:          logger,
		Config:       cfg,
		IntegrityKey: integrity.DeriveKey(cfg.WorkspaceRoot),
	}

	buildforge.RegisterAtExit(func() error { return bc.Close() })
	buildforge.RegisterAtExit(func() error { return ac.Close() })

	return &services{svc: svc, cas: store, bc: bc, ac: ac}, nil
}

// buildGraph loads the manifest and, when useCache is true, tries the
// graph cache first (§4.N): analysis is skipped on a key match.
func buildGraph(cfg config.Config, useCache bool) (*depgraph.Graph, error) {
	mpath := manifestPath(cfg)
	data, err := os.ReadFile(mpath)
	if err != nil {
		return nil, err
	}
	key := graphcache.Key([]string{string(data)})

	if useCache {
		if g, ok := graphcache.Load(graphCachePath(cfg), cfg.WorkspaceRoot, key); ok {
			return g, nil
		}
	}

	f, err := manifest.Parse(mpath)
	if err != nil {
		return nil, err
	}
	g, err := manifest.Build(f)
	if err != nil {
		return nil, err
	}
	if useCache {
		if err := graphcache.Store(graphCachePath(cfg), cfg.WorkspaceRoot, key, g); err != nil {
			log.Printf("forge: graph cache store failed: %v", err)
		}
	}
	return g, nil
}

// buildExecutor picks the scheduler.Executor for a build: the in-process
// registryExecutor by default, or — when --coordinator-listen is set — a
// coordinatorExecutor backed by an embedded coordinator.Coordinator that
// remote `forge worker` processes dial into. The returned stop func (nil in
// the in-process case) tears down the listener and liveness sweep.
func buildExecutor(g *depgraph.Graph, svcs *services, cfg config.Config, logger *log.Logger) (scheduler.Executor, func(), error) {
	if *coordinatorListen == "" {
		registry := handler.NewRegistry()
		registry.Register("default", &contentAddressedHandler{cas: svcs.cas})
		for _, id := range g.Targets() {
			if n, ok := g.Node(id); ok && n.Target.Lang == "" {
				n.Target.Lang = "default"
			}
		}
		return &registryExecutor{svc: svcs.svc, registry: registry, workspaceRoot: cfg.WorkspaceRoot}, nil, nil
	}

	ce := newCoordinatorExecutor(g)
	coord := coordinator.New(logger, ce.onResult)
	ce.coord = coord

	ln, err := net.Listen("tcp", *coordinatorListen)
	if err != nil {
		return nil, nil, err
	}
	stop := make(chan struct{})
	asCtx, cancelAs := context.WithCancel(context.Background())
	go coord.Serve(ln)
	go coord.RunLiveness(stop)
	go func() {
		if err := runAutoscaler(asCtx, coord, logger); err != nil && err != context.Canceled {
			logger.Printf("autoscaler: stopped: %v", err)
		}
	}()
	logger.Printf("listening for workers at %s", *coordinatorListen)

	return ce, func() { cancelAs(); close(stop); ln.Close() }, nil
}

func cmdBuild(ctx context.Context, args []string) error {
	cfg := config.Load()
	logger := log.New(os.Stderr, "forge: ", log.LstdFlags)

	g, err := buildGraph(cfg, true)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		id, err := buildforge.ParseTargetId(args[0])
		if err != nil {
			return err
		}
		g, err = subgraph(g, id)
		if err != nil {
			return err
		}
	}

	svcs, err := openServices(cfg, logger)
	if err != nil {
		return err
	}

	exec, stopDistributed, err := buildExecutor(g, svcs, cfg, logger)
	if err != nil {
		return err
	}
	if stopDistributed != nil {
		defer stopDistributed()
	}

	jobs := *jobsArg
	if jobs <= 0 {
		jobs = cfg.Jobs
	}
	sched := scheduler.New(g, svcs.svc, exec, jobs)

	stream := events.NewStream()
	sched.SetEvents(stream)
	renderDone := make(chan struct{})
	go func() { renderEvents(*mode, stream); close(renderDone) }()

	oninterrupt.Register(func() {
		cp := checkpoint.Capture(cfg.WorkspaceRoot, g)
		if err := checkpoint.Write(checkpointPath(cfg), cp); err != nil {
			logger.Printf("checkpoint write on interrupt failed: %v", err)
		}
	})

	stats, runErr := sched.Run(ctx)
	stream.Close()
	<-renderDone

	cp := checkpoint.Capture(cfg.WorkspaceRoot, g)
	if err := checkpoint.Write(checkpointPath(cfg), cp); err != nil {
		logger.Printf("checkpoint write failed: %v", err)
	}

	logger.Printf("build finished: %d succeeded, %d cached, %d failed, %d total", stats.Succeeded, stats.Cached, stats.Failed, stats.Total)
	return runErr
}

// subgraph returns a new Graph containing only id and its transitive
// dependencies, for the `build [target]`/`graph [target]` case where the
// rest of the manifest should never even enter the schedule.
func subgraph(g *depgraph.Graph, id buildforge.TargetId) (*depgraph.Graph, error) {
	if _, ok := g.Node(id); !ok {
		return nil, fmt.Errorf("forge: target %s not found", id)
	}

	keep := make(map[buildforge.TargetId]bool)
	var walk func(buildforge.TargetId)
	walk = func(cur buildforge.TargetId) {
		if keep[cur] {
			return
		}
		keep[cur] = true
		cn, ok := g.Node(cur)
		if !ok {
			return
		}
		for _, d := range cn.DepIds {
			walk(d)
		}
	}
	walk(id)

	sub := depgraph.New(depgraph.Deferred)
	for tid := range keep {
		tn, _ := g.Node(tid)
		if err := sub.AddTarget(tn.Target); err != nil {
			return nil, err
		}
	}
	for tid := range keep {
		tn, _ := g.Node(tid)
		for _, d := range tn.DepIds {
			if err := sub.AddDependency(tid, d); err != nil {
				return nil, err
			}
		}
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

func cmdClean(ctx context.Context, args []string) error {
	cfg := config.Load()
	if cfg.CacheDir == "" || cfg.CacheDir == "/" {
		return fmt.Errorf("forge: refusing to clean cache dir %q", cfg.CacheDir)
	}
	if err := os.RemoveAll(cfg.CacheDir); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", cfg.CacheDir)
	return nil
}

func cmdGraph(ctx context.Context, args []string) error {
	cfg := config.Load()
	g, err := buildGraph(cfg, false)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		id, err := buildforge.ParseTargetId(args[0])
		if err != nil {
			return err
		}
		sub, err := subgraph(g, id)
		if err != nil {
			return err
		}
		return sub.Print(os.Stdout)
	}
	return g.Print(os.Stdout)
}

func cmdResume(ctx context.Context, args []string) error {
	cfg := config.Load()
	logger := log.New(os.Stderr, "forge: ", log.LstdFlags)

	cp, stale, err := checkpoint.Load(checkpointPath(cfg))
	if err != nil {
		return fmt.Errorf("forge: no checkpoint to resume from: %w", err)
	}
	if stale {
		logger.Printf("checkpoint is older than 24h; resuming anyway")
	}

	g, err := buildGraph(cfg, true)
	if err != nil {
		return err
	}
	if err := checkpoint.Validate(cp, g); err != nil {
		return err
	}
	checkpoint.Merge(cp, g)

	svcs, err := openServices(cfg, logger)
	if err != nil {
		return err
	}
	exec, stopDistributed, err := buildExecutor(g, svcs, cfg, logger)
	if err != nil {
		return err
	}
	if stopDistributed != nil {
		defer stopDistributed()
	}

	jobs := *jobsArg
	if jobs <= 0 {
		jobs = cfg.Jobs
	}
	sched := scheduler.New(g, svcs.svc, exec, jobs)
	stream := events.NewStream()
	sched.SetEvents(stream)
	renderDone := make(chan struct{})
	go func() { renderEvents(*mode, stream); close(renderDone) }()

	stats, runErr := sched.Run(ctx)
	stream.Close()
	<-renderDone

	newCp := checkpoint.Capture(cfg.WorkspaceRoot, g)
	if err := checkpoint.Write(checkpointPath(cfg), newCp); err != nil {
		logger.Printf("checkpoint write failed: %v", err)
	}
	logger.Printf("resume finished: %d succeeded, %d cached, %d failed, %d total", stats.Succeeded, stats.Cached, stats.Failed, stats.Total)
	return runErr
}

// cmdQuery answers "stats" (aggregate CacheStats/CASStats, §3) or a target
// id (its graph node state and critical-path depth).
func cmdQuery(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("forge: query requires an expression (\"stats\" or a target id)")
	}
	cfg := config.Load()
	expr := args[0]

	if expr == "stats" {
		logger := log.New(os.Stderr, "forge: ", log.LstdFlags)
		svcs, err := openServices(cfg, logger)
		if err != nil {
			return err
		}
		fmt.Printf("cas:    %+v\n", svcs.cas.Stats())
		fmt.Printf("build:  %+v\n", svcs.bc.GetStats())
		fmt.Printf("action: %+v\n", svcs.ac.GetStats())
		return nil
	}

	g, err := buildGraph(cfg, false)
	if err != nil {
		return err
	}
	id, err := buildforge.ParseTargetId(expr)
	if err != nil {
		return err
	}
	n, ok := g.Node(id)
	if !ok {
		return fmt.Errorf("forge: target %s not found", id)
	}
	fmt.Printf("id:            %s\n", id)
	fmt.Printf("status:        %s\n", n.Status())
	fmt.Printf("output hash:   %s\n", n.OutputHash())
	fmt.Printf("retry count:   %d\n", n.RetryCount())
	fmt.Printf("critical depth: %d\n", g.CriticalDepth(id))
	fmt.Printf("deps:          %v\n", n.DepIds)
	fmt.Printf("dependents:    %v\n", n.DependentIds)
	return nil
}

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

var verbs = map[string]cmd{
	"build":  {cmdBuild},
	"clean":  {cmdClean},
	"graph":  {cmdGraph},
	"resume": {cmdResume},
	"query":  {cmdQuery},
	"worker": {cmdWorker},
}

func funcmain() (int, error) {
	flag.Parse()

	args := flag.Args()
	verb := "build"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintln(os.Stderr, "usage: forge [--mode=auto|interactive|plain|verbose|quiet] <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: build [target], clean, graph [target], resume, query <expr>, worker")
		fmt.Fprintln(os.Stderr, "build --coordinator-listen=addr dispatches to workers started with: forge worker --coordinator-addr=addr")
		return 2, nil
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "forge: unknown command %q\n", verb)
		return 2, nil
	}

	ctx, canc := buildforge.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, args); err != nil {
		return 1, err
	}
	return 0, buildforge.RunAtExit()
}

func main() {
	// A panic here means an invariant the rest of the engine assumes (e.g.
	// a validated graph turning out cyclic at schedule time) did not hold;
	// that is the one case §6 assigns its own exit code rather than the
	// ordinary build-failure code.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "forge: internal error: %v\n", r)
			os.Exit(exitCritical)
		}
	}()
	code, err := funcmain()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
