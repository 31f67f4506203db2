package queue

import (
	"context"
	"encoding/json"
	"time"
)

// QueueRepository defines the producer and administrative side of the broker
type QueueRepository interface {
	// AddJobs persists all jobs or none. IDs are assigned to jobs that have none,
	// and a job whose ID already exists is replaced in the slice by the stored copy.
	AddJobs(ctx context.Context, jobs []*Job) error

	// GetJob returns ErrJobNotFound when the job does not exist
	GetJob(ctx context.Context, queue, id string) (*Job, error)

	// RemoveJob deletes a job in any state; removing a missing job is not an error
	RemoveJob(ctx context.Context, queue, id string) error

	// GetJobs reads the inclusive range [start, end] of jobs in state; end < 0 means to the last
	GetJobs(ctx context.Context, queue string, state State, start, end int) ([]*Job, error)

	// Counts returns the number of jobs per state
	Counts(ctx context.Context, queue string) (map[State]int, error)

	SetPaused(ctx context.Context, queue string, paused bool) error
	IsPaused(ctx context.Context, queue string) (bool, error)

	// Clean removes up to limit jobs in state older than the cutoff and returns their ids
	Clean(ctx context.Context, queue string, state State, olderThan time.Time, limit int) ([]string, error)

	// Drain removes waiting jobs, and delayed ones when includeDelayed is set
	Drain(ctx context.Context, queue string, includeDelayed bool) error

	// Obliterate deletes the queue with all its jobs, logs and repeat definitions
	Obliterate(ctx context.Context, queue string, force bool) error

	// RetryJob moves a failed job back to waiting with a fresh attempt budget
	RetryJob(ctx context.Context, queue, id string) error

	GetLogs(ctx context.Context, queue, id string, start, end int) ([]string, error)

	// QueueNames lists queues the broker holds any data for
	QueueNames(ctx context.Context) ([]string, error)
}

// WorkerRepository defines the interface for worker operations
type WorkerRepository interface {
	// Lease atomically promotes due delayed jobs and moves the next waiting job to active
	// under a lock owned by token. Returns ErrNoJobAvailable when nothing can be leased,
	// including while the queue is paused.
	Lease(ctx context.Context, queue, token string, lockDuration time.Duration) (*Job, error)

	// ExtendLock renews the lease lock of an active job
	ExtendLock(ctx context.Context, queue, id, token string, lockDuration time.Duration) error

	// Complete stores the result, applies the retention policy and releases gated parents
	Complete(ctx context.Context, job *Job, token string, result json.RawMessage) error

	// Retry moves the job to delayed until runAt, keeping reason as its last error
	Retry(ctx context.Context, job *Job, token string, runAt time.Time, reason string) error

	// Fail moves the job to failed, applies the retention policy and fails gated parents
	Fail(ctx context.Context, job *Job, token, reason string) error

	UpdateProgress(ctx context.Context, queue, id string, progress json.RawMessage) error
	AddLog(ctx context.Context, queue, id, line string) (int, error)

	// PromoteDelayed moves delayed jobs whose run time has passed to waiting
	PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error)

	// NextDelayedAt returns the earliest delayed run time, zero when there is none
	NextDelayedAt(ctx context.Context, queue string) (time.Time, error)

	// RecoverStalled returns active jobs with expired locks to waiting, or fails them
	// once they stalled more than maxStalled times or used all attempts.
	RecoverStalled(ctx context.Context, queue string, now time.Time, maxStalled int) (StalledResult, error)

	// Subscribe returns a channel that receives a signal whenever jobs may have become available.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context, queue string) (<-chan struct{}, error)
}

// RepeatRepository stores repeat definitions
type RepeatRepository interface {
	SaveRepeat(ctx context.Context, def *RepeatDefinition) error
	GetRepeat(ctx context.Context, queue, key string) (*RepeatDefinition, error)
	ListRepeats(ctx context.Context, queue string) ([]*RepeatDefinition, error)

	// RemoveRepeat returns ErrRepeatNotFound when the key is unknown
	RemoveRepeat(ctx context.Context, queue, key string) error

	// ClaimDueRepeats atomically takes definitions whose next run is at or before now.
	// A claimed definition is skipped by other callers until it is saved again.
	ClaimDueRepeats(ctx context.Context, queue string, now time.Time) ([]*RepeatDefinition, error)
}

// Broker is the durable store backing queues
type Broker interface {
	QueueRepository
	WorkerRepository
	RepeatRepository
}

// StalledResult lists the ids touched by a stalled check
type StalledResult struct {
	Recovered []string
	Failed    []string
}

// StalledReason is stored on jobs failed by the stalled checker
const StalledReason = "job stalled more than allowable limit"

// ChildFailedReason builds the failure reason of a parent whose child failed terminally
func ChildFailedReason(childKey, reason string) string {
	return failureReason(&childFailedError{child: childKey, reason: reason})
}

type childFailedError struct {
	child  string
	reason string
}

func (e *childFailedError) Error() string {
	return "child " + e.child + " failed: " + e.reason
}

// CountsToMetrics folds per-state counts into Metrics; paused is always zero because pausing is a queue flag
func CountsToMetrics(counts map[State]int) Metrics {
	m := Metrics{
		Waiting:         counts[StateWaiting],
		Active:          counts[StateActive],
		Completed:       counts[StateCompleted],
		Failed:          counts[StateFailed],
		Delayed:         counts[StateDelayed],
		WaitingChildren: counts[StateWaitingChildren],
	}
	m.Total = m.Waiting + m.Active + m.Completed + m.Failed + m.Delayed + m.WaitingChildren
	return m
}

// WaitScore orders waiting jobs by priority first, then by enqueue sequence
func WaitScore(p Priority, seq int64) float64 {
	return float64(int64(p)<<31 + seq%(1<<31))
}
