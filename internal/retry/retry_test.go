package retry

import (
	"testing"
	"time"
)

func TestDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second}
	d := Delay(p, 10) // 100ms * 2^9 would be ~51s without capping
	if d > p.MaxDelay {
		t.Fatalf("Delay(%d) = %v, exceeds MaxDelay %v", 10, d, p.MaxDelay)
	}
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Hour}
	d1 := Delay(p, 1)
	d2 := Delay(p, 2)
	d3 := Delay(p, 3)
	if d1 != 10*time.Millisecond {
		t.Fatalf("Delay(1) = %v, want 10ms", d1)
	}
	if d2 != 20*time.Millisecond {
		t.Fatalf("Delay(2) = %v, want 20ms", d2)
	}
	if d3 != 40*time.Millisecond {
		t.Fatalf("Delay(3) = %v, want 40ms", d3)
	}
}

func TestCompileFailureIsNotRetried(t *testing.T) {
	p := DefaultPolicies[ClassCompileFailure]
	if p.MaxAttempts != 1 {
		t.Fatalf("compile failure MaxAttempts = %d, want 1 (no retry)", p.MaxAttempts)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker opened before threshold (failure %d)", i+1)
		}
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open after reaching threshold")
	}
	time.Sleep(60 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should close again after cooldown")
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker(2, time.Second)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("breaker should still be closed: success reset the consecutive counter")
	}
}
