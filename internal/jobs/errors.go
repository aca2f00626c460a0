package jobs

import "errors"

// ErrNotFound is returned by Store.Get (and anything built on it) when
// no job exists for the given id.
var ErrNotFound = errors.New("jobs: not found")

// ErrUnsupportedAction is returned for control operations the engine
// does not support (pause/resume).
var ErrUnsupportedAction = errors.New("jobs: unsupported action")

// ErrTerminal is returned when a control operation targets a job whose
// status can no longer be changed.
var ErrTerminal = errors.New("jobs: job is in a terminal state")

// ErrNotRetryable is returned by Retry when the job isn't in a failed
// state or has exhausted its retry budget.
var ErrNotRetryable = errors.New("jobs: job is not retryable")
