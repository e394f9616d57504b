// Package handler models the per-language build handler as the black-box
// external collaborator SPEC_FULL.md §1/§6 describes: the engine never
// implements rustc/javac/tsc wrappers itself, only the capability surface a
// handler must expose and a tag-keyed registry selecting an implementation,
// the same polymorphism-by-capability-set design note §9 calls for in place
// of language-specific subclassing.
package handler

import (
	"context"

	"github.com/buildforge/buildforge"
)

// BuildContext carries everything a handler needs to build one target: the
// target itself, the workspace root, environment overrides, and a recorder
// callback the handler invokes per compiled file so the engine can populate
// the Action Cache at file granularity even though the handler itself is a
// black box.
type BuildContext struct {
	Target        *buildforge.Target
	WorkspaceRoot string
	Env           map[string]string

	// Record is called by the handler once per sub-action (e.g. once per
	// source file compiled) so the engine's Action Cache stays in sync with
	// work the handler chose to do internally.
	Record func(subId string, inputs []string, outputs []string, success bool)
}

// LanguageBuildResult is what a handler reports back after Build returns.
type LanguageBuildResult struct {
	Success    bool
	Error      string
	OutputHash string
	Outputs    []string
}

// Capabilities is the per-language capability set a handler registers under
// its language tag (SPEC_FULL.md §9 "Polymorphism"): varying only in Build,
// AnalyzeImports and GetOutputs rather than needing a language-specific
// engine subtype.
type Capabilities interface {
	// Build invokes the external tool for ctx.Target and reports its outcome.
	// The handler is pure from the engine's perspective: all side effects are
	// the declared file I/O of ctx.Target's inputs/outputs.
	Build(ctx context.Context, bctx BuildContext) (LanguageBuildResult, error)

	// AnalyzeImports returns the files sourceFile directly imports/includes,
	// searched for under searchPaths. This is the dependency-analyzer
	// interface §6 names as a separate external collaborator, exposed here
	// per-language since each handler knows its own import syntax.
	AnalyzeImports(sourceFile string, searchPaths []string) ([]string, error)

	// GetOutputs returns the output paths a successful build of t would
	// produce, without actually invoking the tool (used for dry-run/graph
	// queries).
	GetOutputs(t *buildforge.Target) []string
}

// Registry maps a language tag (as recorded in Target.Lang) to the
// Capabilities implementation handling it.
type Registry struct {
	byLang map[string]Capabilities
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byLang: make(map[string]Capabilities)}
}

// Register associates lang with capabilities. A later call for the same tag
// replaces the earlier one.
func (r *Registry) Register(lang string, capabilities Capabilities) {
	r.byLang[lang] = capabilities
}

// Lookup returns the Capabilities registered for lang, if any.
func (r *Registry) Lookup(lang string) (Capabilities, bool) {
	c, ok := r.byLang[lang]
	return c, ok
}

// IsExternalDependency reports whether name looks like a third-party package
// reference rather than a same-workspace source path — the
// isExternalDependency half of the §6 dependency-analyzer interface.
// Handlers may override this via their own AnalyzeImports logic; this default
// implementation treats any import without a workspace-relative prefix as
// external.
func IsExternalDependency(name string, workspacePrefixes []string) bool {
	for _, p := range workspacePrefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return false
		}
	}
	return true
}
