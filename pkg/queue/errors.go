package queue

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	// ErrBrokerNil is returned when a nil broker is provided
	ErrBrokerNil = errors.New("broker cannot be nil")

	// ErrProcessorNil is returned when a worker is created without a processor
	ErrProcessorNil = errors.New("processor cannot be nil")

	// ErrPayloadNil is returned when a job has no payload to decode
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrPayloadMarshal is returned when payload marshaling fails
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")

	// ErrInvalidQueueName is returned for empty or malformed queue names
	ErrInvalidQueueName = errors.New("invalid queue name")

	// ErrUnknownQueue is returned when a queue name is not in the allowed set
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrJobNameRequired is returned when a job is added without a name
	ErrJobNameRequired = errors.New("job name is required")

	// ErrInvalidPriority is returned when priority is outside valid range
	ErrInvalidPriority = errors.New("priority must be between 0 and 2097152")

	// ErrInvalidAttempts is returned when attempts is lower than one
	ErrInvalidAttempts = errors.New("attempts must be at least 1")

	// ErrInvalidBackoff is returned for unknown backoff types or negative delays
	ErrInvalidBackoff = errors.New("invalid backoff")

	// ErrInvalidDelay is returned for negative delays
	ErrInvalidDelay = errors.New("delay cannot be negative")

	// ErrInvalidRepeat is returned when a repeat definition has no usable schedule
	ErrInvalidRepeat = errors.New("invalid repeat options")

	// ErrInvalidState is returned when an operation gets a state it does not support
	ErrInvalidState = errors.New("invalid job state")

	// ErrNoItemsToEnqueue is returned when batch enqueue is called with empty items
	ErrNoItemsToEnqueue = errors.New("no items to enqueue")

	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotActive is returned when progress or logs are reported outside of processing
	ErrJobNotActive = errors.New("job is not active")

	// ErrJobNotFailed is returned when retrying a job that is not in the failed state
	ErrJobNotFailed = errors.New("job is not failed")

	// ErrNoJobAvailable is returned by Lease when nothing can be leased
	ErrNoJobAvailable = errors.New("no job available")

	// ErrLockMismatch is returned when the caller no longer owns the job lease
	ErrLockMismatch = errors.New("job lock is missing or owned by another worker")

	// ErrQueueHasActiveJobs is returned by Obliterate without force while jobs are active
	ErrQueueHasActiveJobs = errors.New("queue has active jobs")

	// ErrRepeatNotFound is returned when a repeat definition does not exist
	ErrRepeatNotFound = errors.New("repeat definition not found")

	// ErrHandlerNotFound is returned when no processor is registered for a job name
	ErrHandlerNotFound = errors.New("no processor registered for job name")

	// ErrWorkerRunning is returned when starting a worker twice
	ErrWorkerRunning = errors.New("worker already started")

	// ErrWorkerNotRunning is returned when stopping a worker that was never started
	ErrWorkerNotRunning = errors.New("worker not started")

	// ErrWorkerNotFound is returned when no worker is registered for a queue
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrManagerClosed is returned after the manager has been shut down
	ErrManagerClosed = errors.New("manager is closed")

	// ErrEmptyFlow is returned when a flow node has no name
	ErrEmptyFlow = errors.New("flow node must have a name")

	// ErrChildHasParent is the failure of a flow parent whose child id is already owned by another parent
	ErrChildHasParent = errors.New("job already belongs to another parent")
)

// maxReasonLength bounds stored failure reasons
const maxReasonLength = 1024

// UnrecoverableError makes the worker fail the job without further attempts.
type UnrecoverableError struct {
	Err error
}

// Unrecoverable wraps err so that remaining attempts are skipped
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

func (e *UnrecoverableError) Error() string {
	return e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// IsUnrecoverable reports whether err carries an UnrecoverableError
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}

// BulkError reports which AddBulk entries were rejected. Nothing is persisted when it is returned.
type BulkError struct {
	Failures []BulkFailure
}

// BulkFailure describes one rejected entry
type BulkFailure struct {
	Index int
	Name  string
	Err   error
}

func (e *BulkError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("#%d %q: %v", f.Index, f.Name, f.Err))
	}
	return "bulk add rejected: " + strings.Join(parts, "; ")
}

func (e *BulkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// failureReason turns an error into a bounded single-line summary.
func failureReason(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if msg == "" {
		msg = "unknown error"
	}
	if len(msg) > maxReasonLength {
		msg = msg[:maxReasonLength]
	}
	return msg
}
