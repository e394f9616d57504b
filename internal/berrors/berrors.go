// Package berrors implements the engine's error taxonomy (SPEC_FULL.md §7):
// a stable code per error kind, an ordered stack of context frames, and
// optional actionable suggestions, all wrapped with golang.org/x/xerrors
// exactly as the teacher repository wraps errors throughout
// internal/build/build.go and internal/batch/batch.go.
package berrors

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Code identifies an error's kind. Each kind occupies its own
// thousand-range, per SPEC_FULL.md §7.
type Code int

const (
	// Build: 1000s
	BuildTargetNotFound Code = 1000 + iota
	BuildHandlerNotFound
	BuildOutputMissing
	BuildFailed
	BuildTimeout
	BuildCancelled
)

const (
	// Cache: 2000s
	CacheLoadFailed Code = 2000 + iota
	CacheSaveFailed
	CacheCorrupted
	CacheMiss
	CacheUnauthorized
	CacheTooLarge
	CacheTimeout
	CacheInUse
	CacheGCFailed
)

const (
	// Graph: 3000s
	GraphDuplicateTarget Code = 3000 + iota
	GraphCycle
	GraphInvalidEdge
	GraphNodeNotFound
)

const (
	// IO: 4000s
	IONotFound Code = 4000 + iota
	IOReadFailed
	IOWriteFailed
	IOPermissionDenied
)

const (
	// Process: 5000s
	ProcessSpawnFailed Code = 5000 + iota
	ProcessTimeout
	ProcessCrashed
	ProcessOutOfMemory
)

const (
	// Network / Distributed: 6000s
	NetCoordinatorUnreachable Code = 6000 + iota
	NetWorkerTimeout
	NetWorkerFailed
	NetArtifactTransferFailed
)

const (
	// Language: 7000s
	LangSyntax Code = 7000 + iota
	LangCompilationFailed
	LangUnsupportedLanguage
	LangMissingCompiler
)

const (
	// System: 8000s
	SystemInitFailed Code = 8000 + iota
	SystemNotSupported
	SystemNotImplemented
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

var codeNames = map[Code]string{
	BuildTargetNotFound:  "build.target-not-found",
	BuildHandlerNotFound: "build.handler-not-found",
	BuildOutputMissing:   "build.output-missing",
	BuildFailed:          "build.build-failed",
	BuildTimeout:         "build.timeout",
	BuildCancelled:       "build.cancelled",

	CacheLoadFailed:   "cache.load-failed",
	CacheSaveFailed:   "cache.save-failed",
	CacheCorrupted:    "cache.corrupted",
	CacheMiss:         "cache.miss",
	CacheUnauthorized: "cache.unauthorized",
	CacheTooLarge:     "cache.too-large",
	CacheTimeout:      "cache.timeout",
	CacheInUse:        "cache.in-use",
	CacheGCFailed:     "cache.gc-failed",

	GraphDuplicateTarget: "graph.duplicate-target",
	GraphCycle:           "graph.cycle",
	GraphInvalidEdge:     "graph.invalid-edge",
	GraphNodeNotFound:    "graph.node-not-found",

	IONotFound:         "io.not-found",
	IOReadFailed:       "io.read-failed",
	IOWriteFailed:      "io.write-failed",
	IOPermissionDenied: "io.permission-denied",

	ProcessSpawnFailed:  "process.spawn-failed",
	ProcessTimeout:      "process.timeout",
	ProcessCrashed:      "process.crashed",
	ProcessOutOfMemory:  "process.out-of-memory",

	NetCoordinatorUnreachable: "net.coordinator-unreachable",
	NetWorkerTimeout:          "net.worker-timeout",
	NetWorkerFailed:           "net.worker-failed",
	NetArtifactTransferFailed: "net.artifact-transfer-failed",

	LangSyntax:              "lang.syntax",
	LangCompilationFailed:   "lang.compilation-failed",
	LangUnsupportedLanguage: "lang.unsupported-language",
	LangMissingCompiler:     "lang.missing-compiler",

	SystemInitFailed:      "system.init-failed",
	SystemNotSupported:    "system.not-supported",
	SystemNotImplemented:  "system.not-implemented",
}

// Frame is one entry in an Error's context stack: the operation that added
// it, free-form details, and an optional source location.
type Frame struct {
	Operation string
	Details   string
	Location  string
}

// Error is the engine-wide error type. It always carries a stable Code and
// may carry a chain of context Frames (innermost first, i.e. the frame
// closest to the original failure comes first) plus actionable Suggestions.
type Error struct {
	Code        Code
	Message     string
	Frames      []Frame
	Suggestions []string
	cause       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	for _, f := range e.Frames {
		fmt.Fprintf(&b, "\n  in %s: %s", f.Operation, f.Details)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a fresh *Error with no frames yet.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches code/msg to cause, preserving cause in the error chain via
// golang.org/x/xerrors so errors.Is/errors.As keep working against cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: xerrors.Errorf("%s: %w", msg, cause)}
}

// WithFrame pushes a context frame describing the operation currently
// handling (and re-raising) this error, mirroring the "op: %w" wrapping
// idiom used throughout the teacher repository but keeping the frames
// available as structured data instead of just a formatted string.
func (e *Error) WithFrame(operation, details, location string) *Error {
	cp := *e
	cp.Frames = append(append([]Frame(nil), e.Frames...), Frame{
		Operation: operation,
		Details:   details,
		Location:  location,
	})
	return &cp
}

// WithSuggestion appends an actionable suggestion shown to the user.
func (e *Error) WithSuggestion(s string) *Error {
	cp := *e
	cp.Suggestions = append(append([]string(nil), e.Suggestions...), s)
	return &cp
}

// recoverable lists the codes SPEC_FULL.md §7 marks retry-eligible.
var recoverable = map[Code]bool{
	CacheTimeout:              true,
	NetCoordinatorUnreachable: true,
	NetWorkerTimeout:          true,
	NetWorkerFailed:           true,
	NetArtifactTransferFailed: true,
	ProcessTimeout:            true,
	IOReadFailed:              true,
	IOWriteFailed:             true,
}

// Recoverable reports whether err (or any *Error in its chain) is
// retry-eligible per the §7 taxonomy.
func Recoverable(err error) bool {
	var be *Error
	if xerrors.As(err, &be) {
		return recoverable[be.Code]
	}
	return false
}

// CodeOf extracts the Code from err if it (or something in its chain) is a
// *Error, and ok=false otherwise.
func CodeOf(err error) (code Code, ok bool) {
	var be *Error
	if xerrors.As(err, &be) {
		return be.Code, true
	}
	return 0, false
}
