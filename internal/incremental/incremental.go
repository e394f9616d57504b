// Package incremental computes the minimal set of source-level actions that
// must rerun given a changed-files set and a persisted source dependency
// cache (SPEC_FULL.md §4.F). It generalizes the
// glob-then-resolve split internal/build/build.go performs when collecting a
// package's sources (Glob) versus its transitive build-time dependencies
// (Builddeps) into a single affected-set closure walk over already-loaded
// maps, which is why it needs no third-party library of its own (see
// DESIGN.md).
package incremental

// Strategy selects how aggressively the incremental engine schedules work.
type Strategy int

const (
	// Full always recompiles every source, ignoring the changed set.
	Full Strategy = iota
	// Incremental reruns every source transitively affected by a changed file.
	Incremental
	// Minimal reruns only sources that were themselves directly changed.
	Minimal
)

// DepCache maps a source file to the direct dependencies (includes/imports)
// collected for it by the language analyzer. It is the persistent
// "dependency cache" §4.F refers to; callers load/save it around a build.
type DepCache map[string][]string

// Plan is the result of computing an affected set: which sources must
// rerun and which can be satisfied from the action cache.
type Plan struct {
	Affected   []string
	Unaffected []string
}

// Compute determines the minimal rebuild set for sources given changed (the
// set of files known to have changed since the last build) and cache (the
// source dependency closure cache), under strategy. Determinism requirement
// (§4.F): the same (sources, changed, cache) always yields the same Plan —
// achieved here by a pure, side-effect-free closure walk with no
// non-deterministic iteration order leaking into Affected's content (only
// membership is used downstream; ordering mirrors the input `sources` slice).
func Compute(sources []string, changed map[string]bool, cache DepCache, strategy Strategy) Plan {
	var plan Plan
	switch strategy {
	case Full:
		plan.Affected = append(plan.Affected, sources...)
		return plan
	case Minimal:
		for _, s := range sources {
			if changed[s] {
				plan.Affected = append(plan.Affected, s)
			} else {
				plan.Unaffected = append(plan.Unaffected, s)
			}
		}
		return plan
	default: // Incremental
		for _, s := range sources {
			if isAffected(s, changed, cache) {
				plan.Affected = append(plan.Affected, s)
			} else {
				plan.Unaffected = append(plan.Unaffected, s)
			}
		}
		return plan
	}
}

// isAffected reports whether source or any file in its transitive
// dependency closure is in the changed set.
func isAffected(source string, changed map[string]bool, cache DepCache) bool {
	if changed[source] {
		return true
	}
	visited := make(map[string]bool)
	return reachesChanged(source, changed, cache, visited)
}

func reachesChanged(source string, changed map[string]bool, cache DepCache, visited map[string]bool) bool {
	if visited[source] {
		return false
	}
	visited[source] = true
	for _, dep := range cache[source] {
		if changed[dep] {
			return true
		}
		if reachesChanged(dep, changed, cache, visited) {
			return true
		}
	}
	return false
}

// TransitiveClosure returns the full set of files source depends on
// (directly or transitively) per cache, used by callers that want the
// closure itself rather than an affected/unaffected split.
func TransitiveClosure(source string, cache DepCache) []string {
	visited := make(map[string]bool)
	var walk func(string)
	var out []string
	walk = func(s string) {
		for _, dep := range cache[s] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(source)
	return out
}
