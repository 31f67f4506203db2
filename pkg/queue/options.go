package queue

import "time"

// JobOption is a functional option for configuring a job
type JobOption func(*JobOptions)

// DefaultJobOptions returns the options applied to jobs that do not override them
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Priority: PriorityDefault,
		Attempts: 3,
		Backoff: Backoff{
			Type:  BackoffExponential,
			Delay: time.Second,
		},
		RemoveOnComplete: KeepFor(24*time.Hour, 1000),
		RemoveOnFail:     KeepFor(7*24*time.Hour, 5000),
	}
}

// WithJobOptions replaces every option at once
func WithJobOptions(opts JobOptions) JobOption {
	return func(o *JobOptions) {
		*o = opts
	}
}

// WithJobID sets a custom job id; adding an id that already exists returns the existing job
func WithJobID(id string) JobOption {
	return func(o *JobOptions) {
		o.JobID = id
	}
}

// WithPriority sets the priority for the job
func WithPriority(priority Priority) JobOption {
	return func(o *JobOptions) {
		o.Priority = priority
	}
}

// WithDelay sets a delay before the job can be processed
func WithDelay(delay time.Duration) JobOption {
	return func(o *JobOptions) {
		o.Delay = delay
	}
}

// WithAttempts sets the maximum number of execution attempts
func WithAttempts(n int) JobOption {
	return func(o *JobOptions) {
		o.Attempts = n
	}
}

// WithBackoff sets the retry delay policy
func WithBackoff(t BackoffType, delay time.Duration) JobOption {
	return func(o *JobOptions) {
		o.Backoff = Backoff{Type: t, Delay: delay}
	}
}

// WithExponentialBackoff doubles the delay after every failed attempt
func WithExponentialBackoff(delay time.Duration) JobOption {
	return WithBackoff(BackoffExponential, delay)
}

// WithFixedBackoff waits the same delay after every failed attempt
func WithFixedBackoff(delay time.Duration) JobOption {
	return WithBackoff(BackoffFixed, delay)
}

// WithRemoveOnComplete sets the retention policy for completed jobs
func WithRemoveOnComplete(r Retention) JobOption {
	return func(o *JobOptions) {
		o.RemoveOnComplete = r
	}
}

// WithRemoveOnFail sets the retention policy for failed jobs
func WithRemoveOnFail(r Retention) JobOption {
	return func(o *JobOptions) {
		o.RemoveOnFail = r
	}
}

// WithRepeat registers the job as a repeat definition
func WithRepeat(r RepeatOptions) JobOption {
	return func(o *JobOptions) {
		o.Repeat = &r
	}
}

// WithCron repeats the job on a cron pattern
func WithCron(pattern string) JobOption {
	return WithRepeat(RepeatOptions{Pattern: pattern})
}

// WithEvery repeats the job at a fixed interval
func WithEvery(every time.Duration) JobOption {
	return WithRepeat(RepeatOptions{Every: every})
}

func buildJobOptions(defaults JobOptions, opts []JobOption) JobOptions {
	o := defaults
	if defaults.Repeat != nil {
		r := *defaults.Repeat
		o.Repeat = &r
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func validateJobOptions(o JobOptions) error {
	if !o.Priority.Valid() {
		return ErrInvalidPriority
	}
	if o.Attempts < 1 {
		return ErrInvalidAttempts
	}
	if o.Delay < 0 {
		return ErrInvalidDelay
	}
	if err := o.Backoff.validate(); err != nil {
		return err
	}
	if o.Repeat != nil {
		if _, err := ParseSchedule(o.Repeat.Pattern, o.Repeat.Every, o.Repeat.TZ); err != nil {
			return err
		}
	}
	return nil
}
