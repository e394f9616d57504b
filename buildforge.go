// Package buildforge contains the small set of domain types shared across
// every execution-core component (the dependency graph, the caches, the
// scheduler, the distributed layer) so that none of them needs to import
// one another just to see a TargetId.
package buildforge
