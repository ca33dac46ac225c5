// Package engine implements the distributed task engine: submission onto
// JetStream work queues, the per-queue worker loops, prerequisite
// resolution against the KV result backend, and retry/deadline policy.
package engine

import (
	"errors"
	"fmt"
)

// MaxAttempts is the total execution budget per task (1 run + 2 retries).
const MaxAttempts = 3

// PrerequisiteError reports that a sibling task this step depends on
// reached a failed terminal state. It is fatal for the current task:
// re-running cannot recover a failed prerequisite, so no retry happens.
type PrerequisiteError struct {
	Step   string
	Prereq string
	Reason string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("step %s: prerequisite %s failed: %s", e.Step, e.Prereq, e.Reason)
}

// PrereqTimeoutError reports that a prerequisite did not reach a terminal
// state within the wait ceiling. Unlike a failed prerequisite this is
// retryable — the sibling may finish before the next attempt.
type PrereqTimeoutError struct {
	Step   string
	Prereq string
}

func (e *PrereqTimeoutError) Error() string {
	return fmt.Sprintf("step %s: timed out waiting for prerequisite %s", e.Step, e.Prereq)
}

// retryableError marks an error whose task should be redelivered.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps an error to request redelivery of the task.
func Retryable(err error) error {
	return &retryableError{err: err}
}

// IsRetryable reports whether the worker asked for redelivery.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// IsPrerequisiteFailure reports whether err is a fatal prerequisite failure.
func IsPrerequisiteFailure(err error) bool {
	var p *PrerequisiteError
	return errors.As(err, &p)
}

// ErrRecordNotFound is returned by the backend when no record exists for
// a task id.
var ErrRecordNotFound = errors.New("task record not found")

// ErrAwaitTimeout is returned by Backend.Await when the record did not
// reach a terminal state within the given ceiling.
var ErrAwaitTimeout = errors.New("await: task not terminal before deadline")
