package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultQueueName is the default queue name used when no queue is specified
const DefaultQueueName = "default"

// State represents the lifecycle state of a job
type State string

const (
	StateWaiting         State = "waiting"
	StateDelayed         State = "delayed"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateWaitingChildren State = "waiting-children"
)

// States lists every job state in display order.
var States = []State{
	StateWaiting,
	StateActive,
	StateCompleted,
	StateFailed,
	StateDelayed,
	StateWaitingChildren,
}

// Valid reports whether s is a known job state
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StateWaitingChildren:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected from s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority orders waiting jobs; lower values are leased first.
// Any value in [0, MaxPriority] is accepted, the named levels are a convenience.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5

	PriorityDefault = PriorityNormal

	// MaxPriority keeps priority*2^31+seq exactly representable as a float64 sorted-set score.
	// Only the low 31 bits of seq enter the score, so FIFO order within one priority
	// wraps once after 2^31 enqueues on a queue. Obliterate resets the counter.
	MaxPriority Priority = 1 << 21
)

// Valid checks if the priority is within valid range
func (p Priority) Valid() bool {
	return p >= 0 && p <= MaxPriority
}

// BackoffType selects how retry delays grow
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the delay policy applied before retrying a failed attempt
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Retention controls when terminal jobs are removed.
// The zero value keeps every job forever.
type Retention struct {
	Remove bool          `json:"remove,omitempty"` // remove as soon as the job reaches the state
	Age    time.Duration `json:"age,omitempty"`    // remove jobs that finished longer ago than Age
	Count  int           `json:"count,omitempty"`  // keep at most Count most recent jobs
}

// RemoveImmediately returns a retention policy that drops the job record on its terminal transition
func RemoveImmediately() Retention {
	return Retention{Remove: true}
}

// KeepFor returns a retention policy bounded by age and count
func KeepFor(age time.Duration, count int) Retention {
	return Retention{Age: age, Count: count}
}

// IsZero reports whether the policy keeps every job
func (r Retention) IsZero() bool {
	return !r.Remove && r.Age <= 0 && r.Count <= 0
}

// RepeatOptions describes a recurring schedule: either a cron pattern or a fixed interval
type RepeatOptions struct {
	Key       string        `json:"key,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Every     time.Duration `json:"every,omitempty"`
	TZ        string        `json:"tz,omitempty"`
	Limit     int           `json:"limit,omitempty"`
	StartDate *time.Time    `json:"start_date,omitempty"`
	EndDate   *time.Time    `json:"end_date,omitempty"`
}

// JobOptions holds per-job settings
type JobOptions struct {
	JobID            string         `json:"job_id,omitempty"`
	Priority         Priority       `json:"priority"`
	Delay            time.Duration  `json:"delay,omitempty"`
	Attempts         int            `json:"attempts"`
	Backoff          Backoff        `json:"backoff"`
	RemoveOnComplete Retention      `json:"remove_on_complete"`
	RemoveOnFail     Retention      `json:"remove_on_fail"`
	Repeat           *RepeatOptions `json:"repeat,omitempty"`
}

// ParentRef points a flow child at its gated parent
type ParentRef struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

// Key returns the fully qualified parent key
func (p ParentRef) Key() string {
	return JobKey(p.Queue, p.ID)
}

// Job represents a unit of work in a queue
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Opts         JobOptions      `json:"opts"`
	State        State           `json:"state"`
	Seq          int64           `json:"seq"`
	AttemptsMade int             `json:"attempts_made"`
	StalledCount int             `json:"stalled_count,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Parent       *ParentRef      `json:"parent,omitempty"`
	Children     []string        `json:"children,omitempty"`
	RepeatKey    string          `json:"repeat_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	RunAt        time.Time       `json:"run_at"`
	ProcessedOn  *time.Time      `json:"processed_on,omitempty"`
	FinishedOn   *time.Time      `json:"finished_on,omitempty"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	LockToken    string          `json:"-"`

	reporter jobReporter
}

// jobReporter persists processor side effects for the job it is attached to
type jobReporter interface {
	reportProgress(ctx context.Context, job *Job, progress json.RawMessage) error
	appendLog(ctx context.Context, job *Job, line string) (int, error)
}

// JobKey builds the "queue:id" key used for cross-queue references
func JobKey(queue, id string) string {
	return queue + ":" + id
}

// Key returns the fully qualified job key
func (j *Job) Key() string {
	return JobKey(j.Queue, j.ID)
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return ErrPayloadNil
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.Key(), err)
	}
	return nil
}

// UpdateProgress stores a numeric or structured progress value while the job is active.
func (j *Job) UpdateProgress(ctx context.Context, progress any) error {
	if j.reporter == nil {
		return ErrJobNotActive
	}
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := j.reporter.reportProgress(ctx, j, raw); err != nil {
		return err
	}
	j.Progress = raw
	return nil
}

// Log appends a line to the job log and returns the new log length.
func (j *Job) Log(ctx context.Context, line string) (int, error) {
	if j.reporter == nil {
		return 0, ErrJobNotActive
	}
	return j.reporter.appendLog(ctx, j, line)
}

// Clone returns a deep enough copy for storage boundaries.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Data = cloneRaw(j.Data)
	c.Progress = cloneRaw(j.Progress)
	c.Result = cloneRaw(j.Result)
	c.Children = append([]string(nil), j.Children...)
	if j.Parent != nil {
		p := *j.Parent
		c.Parent = &p
	}
	if j.Opts.Repeat != nil {
		r := *j.Opts.Repeat
		c.Opts.Repeat = &r
	}
	c.ProcessedOn = cloneTime(j.ProcessedOn)
	c.FinishedOn = cloneTime(j.FinishedOn)
	c.LockedUntil = cloneTime(j.LockedUntil)
	c.reporter = nil
	return &c
}

// Metrics holds per-state job counts of a queue
type Metrics struct {
	Waiting         int `json:"waiting"`
	Active          int `json:"active"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Delayed         int `json:"delayed"`
	WaitingChildren int `json:"waiting_children"`
	Paused          int `json:"paused"`
	Total           int `json:"total"`
}

// BulkJob is a single entry of AddBulk
type BulkJob struct {
	Name string
	Data any
	Opts []JobOption
}

// RepeatDefinition is a template plus schedule that periodically materializes jobs
type RepeatDefinition struct {
	Key       string          `json:"key"`
	Queue     string          `json:"queue"`
	Name      string          `json:"name"`
	Pattern   string          `json:"pattern,omitempty"`
	Every     time.Duration   `json:"every,omitempty"`
	TZ        string          `json:"tz,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Opts      JobOptions      `json:"opts"`
	Limit     int             `json:"limit,omitempty"`
	Count     int             `json:"count"`
	StartDate *time.Time      `json:"start_date,omitempty"`
	EndDate   *time.Time      `json:"end_date,omitempty"`
	NextRunAt time.Time       `json:"next_run_at"`
	CreatedAt time.Time       `json:"created_at"`
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
