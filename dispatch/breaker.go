package dispatch

import (
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// BreakerState enumerates the circuit breaker states.
type BreakerState string

const (
	// BreakerClosed lets dispatches through and counts failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails dispatches fast until the cool-down elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a limited number of probe dispatches to test
	// whether the capability recovered.
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a per-capability circuit breaker. Consecutive retryable
// dispatch failures open it; after the cool-down a bounded number of probes
// decide whether it closes again.
type Breaker struct {
	mu          sync.Mutex
	policy      core.BreakerPolicy
	clock       func() time.Time
	state       BreakerState
	consecutive int
	openedAt    time.Time
	probes      int
}

// NewBreaker constructs a closed breaker with the given policy.
func NewBreaker(policy core.BreakerPolicy, clock func() time.Time) *Breaker {
	if policy.HalfOpenProbes < 1 {
		policy.HalfOpenProbes = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{policy: policy, clock: clock, state: BreakerClosed}
}

// Allow reports whether a dispatch may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.policy.CoolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		fallthrough
	default: // BreakerHalfOpen
		if b.probes < b.policy.HalfOpenProbes {
			b.probes++
			return true
		}
		return false
	}
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
}

// RecordFailure counts a retryable failure. A half-open breaker re-opens
// immediately; a closed one opens once the streak reaches the threshold.
// A zero threshold disables the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	switch {
	case b.state == BreakerHalfOpen:
		b.open()
	case b.state == BreakerClosed && b.policy.FailureThreshold > 0 && b.consecutive >= b.policy.FailureThreshold:
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.clock()
	b.consecutive = 0
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
