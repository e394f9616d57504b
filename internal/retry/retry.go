// Package retry implements the per-error-class retry policy table
// (SPEC_FULL.md §4.K/§7): exponential backoff with jitter driven by
// github.com/cenkalti/backoff/v5 (the pack's standard retry library, per the
// manifests cited in DESIGN.md), plus an optional per-tool circuit breaker.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/buildforge/buildforge/internal/berrors"
)

// Policy is the retry configuration for one error class.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter, if true, adds uniform jitter in [0, delay/2] to every computed
	// delay, per SPEC_FULL.md §4.K.
	Jitter bool
}

// Class identifies an error class from the §7 taxonomy that the retry layer
// treats as a distinct policy bucket.
type Class int

const (
	ClassTransientNetwork Class = iota
	ClassTransientIO
	ClassWorkerTimeout
	ClassWorkerCrash
	ClassCacheMissRemote
	ClassCompileFailure
	ClassSandboxViolation
	ClassCycle
)

// DefaultPolicies is the §4.K/§7 policy table: most classes get bounded
// exponential backoff; compile failures, sandbox violations and cycles are
// never retried.
var DefaultPolicies = map[Class]Policy{
	ClassTransientNetwork: {MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: true},
	ClassTransientIO:      {MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true},
	ClassWorkerTimeout:    {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: true},
	ClassWorkerCrash:      {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: true},
	ClassCacheMissRemote:  {MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: true},
	ClassCompileFailure:   {MaxAttempts: 1},
	ClassSandboxViolation: {MaxAttempts: 1},
	ClassCycle:            {MaxAttempts: 1},
}

// ClassOf maps a berrors.Code to the retry Class that governs it.
func ClassOf(code berrors.Code) Class {
	switch code {
	case berrors.NetCoordinatorUnreachable, berrors.NetArtifactTransferFailed:
		return ClassTransientNetwork
	case berrors.IOReadFailed, berrors.IOWriteFailed, berrors.CacheTimeout:
		return ClassTransientIO
	case berrors.NetWorkerTimeout, berrors.ProcessTimeout:
		return ClassWorkerTimeout
	case berrors.NetWorkerFailed, berrors.ProcessCrashed:
		return ClassWorkerCrash
	case berrors.CacheMiss:
		return ClassCacheMissRemote
	case berrors.LangCompilationFailed, berrors.LangSyntax:
		return ClassCompileFailure
	case berrors.GraphCycle:
		return ClassCycle
	default:
		return ClassCompileFailure // conservative default: don't retry unknown errors
	}
}

// Delay computes the backoff duration for the given attempt number
// (1-indexed) under p: min(baseDelay*2^(attempt-1), maxDelay), plus uniform
// jitter in [0, delay/2] when p.Jitter is set.
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	return d
}

// newExponentialBackOff builds a backoff.ExponentialBackOff matching p's
// base and max delays, used to drive the between-attempt sleep via the
// library rather than a hand-rolled ticker. It applies no randomization of
// its own; Do adds p's jitter on top of each interval.
func newExponentialBackOff(p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// Do executes op, retrying recoverable failures with exponential backoff.
// Unlike a single fixed Policy, resolve is consulted before every attempt
// (called with nil on the first) so a class discovered only from the first
// attempt's error — the common case, since the caller doesn't know which
// §7 error class it's dealing with until op returns once — can grant
// attempts 2..MaxAttempts a real backoff schedule instead of silently
// inheriting whatever policy happened to be in scope before the first
// call. It never retries an error wrapped by Permanent, and it
// yields (sleeps) between attempts rather than spinning, per
// SPEC_FULL.md §4.K.
func Do(ctx context.Context, resolve func(err error) Policy, op func(ctx context.Context) error) error {
	var (
		lastErr error
		b       *backoff.ExponentialBackOff
		cur     Policy
	)
	for attempt := 1; ; attempt++ {
		p := resolve(lastErr)
		if b == nil || p != cur {
			cur = p
			b = newExponentialBackOff(p)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		maxAttempts := cur.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		if attempt >= maxAttempts {
			return err
		}

		d := b.NextBackOff()
		if d == backoff.Stop {
			return err
		}
		if cur.Jitter && d > 0 {
			d += time.Duration(rand.Int63n(int64(d)/2 + 1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// permanentError marks its cause as non-retryable regardless of policy.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable regardless of policy, for callers
// (e.g. a compile-failure handler result) that already know retrying is
// pointless.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Breaker is an optional per-tool circuit breaker (SPEC_FULL.md §4.K): after
// threshold consecutive failures it opens, rejecting calls for cooldown
// before closing again. No library in the retrieval pack covers circuit
// breaking specifically (see DESIGN.md); this is a small enough state
// machine that hand-rolling it doesn't forgo any ecosystem idiom.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	consecutive int
	openUntil   time.Time
}

// NewBreaker returns a Breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call should proceed (the breaker is closed or its
// cooldown has elapsed).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	return time.Now().After(b.openUntil)
}

// RecordSuccess resets the consecutive-failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.openUntil = time.Time{}
}

// RecordFailure bumps the consecutive-failure counter, opening the breaker
// for cooldown once threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
}
