package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/cas"
	"github.com/buildforge/buildforge/internal/handler"
)

// contentAddressedHandler is the one concrete handler.Capabilities this
// binary registers. Real per-language handlers exec an external compiler
// (rustc, javac, tsc) and are explicitly out of scope (§1: "the build
// engine treats each handler as a black-box function"); this one instead
// content-addresses each source file straight into the CAS, so `forge
// build` has real work to schedule, cache and retry without linking any
// actual toolchain.
type contentAddressedHandler struct {
	cas *cas.Store
}

func (h *contentAddressedHandler) Build(ctx context.Context, bctx handler.BuildContext) (handler.LanguageBuildResult, error) {
	var outputs []string
	var combined []byte
	for _, src := range bctx.Target.Sources {
		if err := ctx.Err(); err != nil {
			return handler.LanguageBuildResult{}, err
		}
		abs := filepath.Join(bctx.WorkspaceRoot, src)
		data, err := os.ReadFile(abs)
		if err != nil {
			return handler.LanguageBuildResult{Success: false, Error: err.Error()}, nil
		}
		blobHash, err := h.cas.PutBlob(data)
		if err != nil {
			return handler.LanguageBuildResult{}, err
		}
		h.cas.AddRef(blobHash)
		outputs = append(outputs, string(blobHash))
		combined = append(combined, []byte(blobHash)...)
		if bctx.Record != nil {
			subId := filepath.Base(src)
			bctx.Record(subId, []string{src}, []string{string(blobHash)}, true)
		}
	}

	outHash, err := h.cas.PutBlob(combined)
	if err != nil {
		return handler.LanguageBuildResult{}, err
	}
	h.cas.AddRef(outHash)
	return handler.LanguageBuildResult{Success: true, OutputHash: string(outHash), Outputs: outputs}, nil
}

func (h *contentAddressedHandler) AnalyzeImports(sourceFile string, searchPaths []string) ([]string, error) {
	return nil, nil
}

func (h *contentAddressedHandler) GetOutputs(t *buildforge.Target) []string {
	if t.OutputHint != "" {
		return []string{t.OutputHint}
	}
	return nil
}
