package exchange

import (
	"errors"
	"fmt"
)

// Cancellation causes. Exactly one of these is the cause of an
// exchange's context once its output has completed; handlers can
// distinguish a clean end from an abrupt disconnect via CloseReason.
var (
	// ErrCompleted means the output stream ended normally.
	ErrCompleted = errors.New("exchange: output completed")

	// ErrClientGone means the client disconnected before completion.
	ErrClientGone = errors.New("exchange: client disconnected")

	// ErrHardClosed means the exchange was forcibly terminated during
	// connection draining.
	ErrHardClosed = errors.New("exchange: hard-closed")
)

// LifecycleError wraps a failure from a deferred or teardown task with
// exchange context for debugging.
type LifecycleError struct {
	ExchangeID string
	Op         string // Operation that failed
	Err        error  // Underlying error
}

// Error returns the error message with exchange context.
func (e *LifecycleError) Error() string {
	if e.ExchangeID == "" {
		return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("exchange: %s: %s: %v", e.ExchangeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// TaskPanicError wraps a panic recovered from a deferred or teardown
// task so that a panicking task cannot abort the rest of the queue.
type TaskPanicError struct {
	ExchangeID string
	Panic      any
	Stack      []byte
}

// Error returns the error message.
func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("exchange: task panic in %s: %v", e.ExchangeID, e.Panic)
}
