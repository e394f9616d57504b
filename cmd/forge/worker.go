package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/buildforge/buildforge/internal/cas"
	"github.com/buildforge/buildforge/internal/config"
	"github.com/buildforge/buildforge/internal/wire"
	"github.com/buildforge/buildforge/internal/worker"
)

// wireExecutor implements worker.Executor, the remote-worker side of
// coordinatorExecutor's Submit/SubmitResult bridge: it content-addresses the
// sources an ActionRequest names into its own CAS, the same black-box
// handler contentAddressedHandler runs in-process for local builds.
type wireExecutor struct {
	cas           *cas.Store
	workspaceRoot string
}

func (e *wireExecutor) Execute(ctx context.Context, req wire.ActionRequest) wire.ActionResult {
	start := time.Now()
	fail := func(err error) wire.ActionResult {
		return wire.ActionResult{ActionId: req.ActionId, Success: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	var outputs []string
	var combined []byte
	for _, src := range req.Command {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		abs := filepath.Join(e.workspaceRoot, src)
		data, err := os.ReadFile(abs)
		if err != nil {
			return fail(err)
		}
		h, err := e.cas.PutBlob(data)
		if err != nil {
			return fail(err)
		}
		e.cas.AddRef(h)
		outputs = append(outputs, string(h))
		combined = append(combined, []byte(h)...)
	}

	outHash, err := e.cas.PutBlob(combined)
	if err != nil {
		return fail(err)
	}
	e.cas.AddRef(outHash)
	return wire.ActionResult{
		ActionId:   req.ActionId,
		Success:    true,
		OutputHash: string(outHash),
		OutputKeys: outputs,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// cmdWorker runs a remote build worker that dials --coordinator-addr,
// registers, and pulls work until ctx is cancelled — the counterpart to
// cmdBuild's --coordinator-listen mode.
func cmdWorker(ctx context.Context, args []string) error {
	cfg := config.Load()
	logger := log.New(os.Stderr, "forge: ", log.LstdFlags)

	if *coordinatorAddr == "" {
		return fmt.Errorf("forge: worker requires --coordinator-addr")
	}
	id := *workerIdArg
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return err
		}
		id = host
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return err
	}
	store, err := cas.Open(filepath.Join(cfg.CacheDir, "cas"))
	if err != nil {
		return err
	}

	coord, err := worker.DialCoordinator(id, *coordinatorAddr)
	if err != nil {
		return err
	}
	stealXprt := worker.NewNetStealTransport(id)
	exec := &wireExecutor{cas: store, workspaceRoot: cfg.WorkspaceRoot}
	w := worker.New(id, *workerCapacity, coord, stealXprt, exec)

	if *stealListen != "" {
		ln, err := net.Listen("tcp", *stealListen)
		if err != nil {
			return err
		}
		defer ln.Close()
		go w.ServeSteals(ln)
	}

	logger.Printf("worker %s dialing coordinator at %s", id, *coordinatorAddr)
	return w.Run(ctx)
}
