package queue

import (
	"strings"
	"time"
)

// Config holds the environment configuration for queues and workers
type Config struct {
	QueueNames          []string      `env:"QUEUE_NAMES" envSeparator:"," envDefault:"email,notification,file-processing,data-export,analytics,webhook,cleanup,default"`
	Concurrency         int           `env:"QUEUE_CONCURRENCY" envDefault:"10"`
	RateLimitMax        int           `env:"QUEUE_RATE_LIMIT_MAX" envDefault:"100"`
	RateLimitDuration   time.Duration `env:"QUEUE_RATE_LIMIT_DURATION" envDefault:"1s"`
	LockDuration        time.Duration `env:"QUEUE_LOCK_DURATION" envDefault:"30s"`
	StalledInterval     time.Duration `env:"QUEUE_STALLED_INTERVAL" envDefault:"30s"`
	MaxStalledCount     int           `env:"QUEUE_MAX_STALLED_COUNT" envDefault:"1"`
	PollInterval        time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	RepeatCheckInterval time.Duration `env:"QUEUE_REPEAT_CHECK_INTERVAL" envDefault:"1s"`
	ShutdownTimeout     time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RunSchedulers       bool          `env:"QUEUE_RUN_SCHEDULERS" envDefault:"true"`

	DefaultAttempts     int           `env:"QUEUE_DEFAULT_ATTEMPTS" envDefault:"3"`
	DefaultBackoffType  BackoffType   `env:"QUEUE_DEFAULT_BACKOFF_TYPE" envDefault:"exponential"`
	DefaultBackoffDelay time.Duration `env:"QUEUE_DEFAULT_BACKOFF_DELAY" envDefault:"1s"`
	KeepCompletedFor    time.Duration `env:"QUEUE_KEEP_COMPLETED_FOR" envDefault:"24h"`
	KeepCompletedCount  int           `env:"QUEUE_KEEP_COMPLETED_COUNT" envDefault:"1000"`
	KeepFailedFor       time.Duration `env:"QUEUE_KEEP_FAILED_FOR" envDefault:"168h"`
	KeepFailedCount     int           `env:"QUEUE_KEEP_FAILED_COUNT" envDefault:"5000"`
}

// JobOptions returns the default job options described by the config
func (c Config) JobOptions() JobOptions {
	opts := DefaultJobOptions()
	if c.DefaultAttempts > 0 {
		opts.Attempts = c.DefaultAttempts
	}
	if c.DefaultBackoffType != "" {
		opts.Backoff.Type = c.DefaultBackoffType
	}
	if c.DefaultBackoffDelay > 0 {
		opts.Backoff.Delay = c.DefaultBackoffDelay
	}
	opts.RemoveOnComplete = KeepFor(c.KeepCompletedFor, c.KeepCompletedCount)
	opts.RemoveOnFail = KeepFor(c.KeepFailedFor, c.KeepFailedCount)
	return opts
}

// WorkerOptions returns worker defaults described by the config.
// The rate limit is per worker process; pass WithRateLimiter for a shared limit.
func (c Config) WorkerOptions() []WorkerOption {
	return []WorkerOption{
		WithConcurrency(c.Concurrency),
		WithRateLimit(c.RateLimitMax, c.RateLimitDuration),
		WithLockDuration(c.LockDuration),
		WithStalledInterval(c.StalledInterval),
		WithMaxStalledCount(c.MaxStalledCount),
		WithPollInterval(c.PollInterval),
		WithShutdownTimeout(c.ShutdownTimeout),
	}
}

// ManagerOptions returns the manager options described by the config
func (c Config) ManagerOptions() []ManagerOption {
	names := make([]string, 0, len(c.QueueNames))
	for _, name := range c.QueueNames {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return []ManagerOption{
		WithAllowedQueues(names...),
		WithSchedulers(c.RunSchedulers),
		WithManagerShutdownTimeout(c.ShutdownTimeout),
		WithQueueOptions(
			WithDefaultJobOptions(c.JobOptions()),
			WithRepeatCheckInterval(c.RepeatCheckInterval),
		),
		WithWorkerDefaults(c.WorkerOptions()...),
	}
}
