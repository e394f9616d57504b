package incremental

import (
	"reflect"
	"sort"
	"testing"
)

func TestComputeIncrementalTransitiveInvalidation(t *testing.T) {
	// a.c includes b.h, b.h includes c.h
	cache := DepCache{
		"a.c": {"b.h"},
		"b.h": {"c.h"},
	}
	changed := map[string]bool{"c.h": true}
	plan := Compute([]string{"a.c", "b.h", "other.c"}, changed, cache, Incremental)

	sort.Strings(plan.Affected)
	if want := []string{"a.c", "b.h"}; !reflect.DeepEqual(plan.Affected, want) {
		t.Fatalf("Affected = %v, want %v", plan.Affected, want)
	}
	if want := []string{"other.c"}; !reflect.DeepEqual(plan.Unaffected, want) {
		t.Fatalf("Unaffected = %v, want %v", plan.Unaffected, want)
	}
}

func TestComputeMinimalOnlyDirectChanges(t *testing.T) {
	cache := DepCache{"a.c": {"b.h"}}
	changed := map[string]bool{"b.h": true}
	plan := Compute([]string{"a.c", "b.h"}, changed, cache, Minimal)

	if len(plan.Affected) != 1 || plan.Affected[0] != "b.h" {
		t.Fatalf("Affected = %v, want only b.h (minimal strategy ignores transitive closure)", plan.Affected)
	}
}

func TestComputeFullAlwaysRebuildsEverything(t *testing.T) {
	plan := Compute([]string{"a.c", "b.c"}, nil, nil, Full)
	if len(plan.Affected) != 2 || len(plan.Unaffected) != 0 {
		t.Fatalf("Full strategy should mark every source affected, got %+v", plan)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	cache := DepCache{"a.c": {"b.h"}, "b.h": {"c.h"}}
	changed := map[string]bool{"c.h": true}
	p1 := Compute([]string{"a.c", "b.h", "z.c"}, changed, cache, Incremental)
	p2 := Compute([]string{"a.c", "b.h", "z.c"}, changed, cache, Incremental)
	if !reflect.DeepEqual(p1, p2) {
		t.Fatalf("Compute is not deterministic: %+v != %+v", p1, p2)
	}
}

func TestNoCycleInfiniteLoop(t *testing.T) {
	// a.c <-> b.h cyclic include; must terminate.
	cache := DepCache{"a.c": {"b.h"}, "b.h": {"a.c"}}
	changed := map[string]bool{"other.c": true}
	plan := Compute([]string{"a.c", "b.h"}, changed, cache, Incremental)
	if len(plan.Affected) != 0 {
		t.Fatalf("expected nothing affected, got %v", plan.Affected)
	}
}
