// Package buildservices bundles the shared collaborators every execution
// component needs — the Scheduler, the Coordinator and Workers — and
// threads them through constructors explicitly instead of reaching for
// package globals. SPEC_FULL.md §9 calls this out directly: earlier designs
// used process-wide singletons for the shutdown coordinator, SIMD dispatch
// and the retry orchestrator; the target design wires these as explicit
// dependencies on this context struct.
package buildservices

import (
	"log"

	"github.com/buildforge/buildforge/internal/actioncache"
	"github.com/buildforge/buildforge/internal/buildcache"
	"github.com/buildforge/buildforge/internal/cas"
	"github.com/buildforge/buildforge/internal/config"
)

// Services is the BuildServices context struct passed explicitly to the
// Scheduler, Coordinator and Worker constructors.
type Services struct {
	CAS          *cas.Store
	BuildCache   *buildcache.Cache
	ActionCache  *actioncache.Cache
	Log          *log.Logger
	Config       config.Config
	IntegrityKey [32]byte
}
