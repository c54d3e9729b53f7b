package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across store and engine implementations.
var (
	// ErrVersionMismatch signals a failed compare-and-swap: the record was
	// modified concurrently. Callers must re-read and retry the transition,
	// never blindly overwrite.
	ErrVersionMismatch = errors.New("state store: version mismatch")

	// ErrNotFound signals that a requested record does not exist.
	ErrNotFound = errors.New("state store: record not found")

	// ErrBusClosed signals publish/subscribe against a closed event bus.
	ErrBusClosed = errors.New("event bus: closed")
)

// Category classifies a task failure and drives the retry decision.
type Category string

const (
	// CategoryTransient covers recoverable failures such as network blips or
	// a busy agent. Retried with exponential backoff.
	CategoryTransient Category = "transient"
	// CategoryTimeout covers steps or tasks that exceeded their allotted
	// time. Retried up to the policy limit, then escalated.
	CategoryTimeout Category = "timeout"
	// CategoryCapacity covers dispatch failures where no eligible agent
	// exists or the pending queue is full. Retried with backoff; sustained
	// capacity failures trip the capability circuit breaker.
	CategoryCapacity Category = "capacity"
	// CategoryPermanent covers invalid input or schema mismatches. Never
	// retried; fails the step immediately.
	CategoryPermanent Category = "permanent"
	// CategoryBusiness covers agent-reported domain validation failures.
	// Never retried; surfaced to the caller as instance failure detail.
	CategoryBusiness Category = "business"
)

// Retryable reports whether failures of this category are subject to the
// step's retry policy.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryTimeout, CategoryCapacity:
		return true
	default:
		return false
	}
}

// TaskError is the structured failure detail attached to a failed task or a
// failed workflow instance. It is safe to serialize and return to callers;
// it never wraps raw internal exceptions.
type TaskError struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
}

// NewTaskError constructs a TaskError with the given category and message.
func NewTaskError(category Category, format string, args ...any) *TaskError {
	return &TaskError{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Retryable reports whether the error's category is retryable.
func (e *TaskError) Retryable() bool { return e.Category.Retryable() }
