package core

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how failed task attempts are retried. All fields are
// explicit so a policy can be declared in a definition file without any
// dynamic option bags.
//
// The delay before attempt n+1 is computed as
//
//	delay = BaseDelay * Multiplier^(n-1), capped at MaxDelay
//
// where n is the number of failed attempts so far. When Jitter is set the
// delay is scaled by a uniform random factor in [0.5, 1.5) to avoid
// synchronized retry storms.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget for a step. A step configured
	// with MaxAttempts=N fails permanently after exactly N failed attempts.
	// Zero or one means no retries.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// Multiplier is the exponential growth factor. Values below 1 are
	// treated as 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Jitter enables randomized scaling of the computed delay.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy is a conservative production default: three attempts,
// one second base delay doubling per attempt, capped at thirty seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Multiplier:  2,
	MaxDelay:    30 * time.Second,
	Jitter:      true,
}

// Exhausted reports whether the given number of failed attempts has consumed
// the policy's budget.
func (p RetryPolicy) Exhausted(failedAttempts int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return failedAttempts >= max
}

// Delay returns the backoff delay to apply after the given failed attempt
// count (1-based).
func (p RetryPolicy) Delay(failedAttempts int) time.Duration {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(base)
	for i := 1; i < failedAttempts; i++ {
		d *= mult
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// FailureAction enumerates what the engine does once a step's retry budget is
// exhausted.
type FailureAction string

const (
	// FailureAbort transitions the instance to Failed immediately.
	FailureAbort FailureAction = "abort"
	// FailureSkip marks the step failed but keeps evaluating independent
	// branches. Branches depending on the failed step become unreachable.
	FailureSkip FailureAction = "skip"
	// FailureCompensate runs the designated compensating step once, without
	// retries, then transitions the instance to Failed.
	FailureCompensate FailureAction = "compensate"
)

// ErrorPolicy selects the failure action applied when a step fails
// permanently.
type ErrorPolicy struct {
	OnFailure FailureAction `json:"on_failure" yaml:"on_failure"`
	// CompensationStep names the step to run when OnFailure is
	// FailureCompensate. The step must exist in the definition and is
	// excluded from normal evaluation.
	CompensationStep string `json:"compensation_step,omitempty" yaml:"compensation_step,omitempty"`
}

// BreakerPolicy configures the per-capability circuit breaker used by the
// dispatcher. Repeated transient/capacity failures for a capability trip the
// breaker, short-circuiting new dispatches for the cool-down window instead
// of queuing indefinitely.
type BreakerPolicy struct {
	// FailureThreshold is the number of consecutive retryable dispatch
	// failures that opens the breaker. Zero disables the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// CoolDown is how long dispatches fail fast once the breaker is open.
	CoolDown time.Duration `json:"cool_down" yaml:"cool_down"`
	// HalfOpenProbes is the number of trial dispatches allowed after the
	// cool-down before the breaker decides to close or re-open. Defaults
	// to 1.
	HalfOpenProbes int `json:"half_open_probes" yaml:"half_open_probes"`
}

// DefaultBreakerPolicy trips after five consecutive failures and cools down
// for thirty seconds.
var DefaultBreakerPolicy = BreakerPolicy{
	FailureThreshold: 5,
	CoolDown:         30 * time.Second,
	HalfOpenProbes:   1,
}
