package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
	"github.com/dmitrymomot/jobqueue/pkg/ratelimiter"
)

// RateLimiter caps how many jobs a worker may lease; ratelimiter.Bucket satisfies it
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*ratelimiter.Result, error)
	Status(ctx context.Context, key string) (*ratelimiter.Result, error)
}

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	concurrency     int
	lockDuration    time.Duration
	stalledInterval time.Duration
	maxStalledCount int
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	autorun         bool
	limiter         RateLimiter
	limiterKey      string
	events          broadcast.Broadcaster[Event]
	logger          *slog.Logger
}

func defaultWorkerOptions() *workerOptions {
	return &workerOptions{
		concurrency:     1,
		lockDuration:    30 * time.Second,
		stalledInterval: 30 * time.Second,
		maxStalledCount: 1,
		pollInterval:    5 * time.Second,
		shutdownTimeout: 30 * time.Second,
		autorun:         true,
		logger:          slog.Default(),
	}
}

// WithConcurrency sets the maximum number of jobs processed at once
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLockDuration sets the lease lock duration; locks are renewed at half this interval
func WithLockDuration(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockDuration = d
		}
	}
}

// WithStalledInterval sets how often expired leases are recovered
func WithStalledInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.stalledInterval = d
		}
	}
}

// WithMaxStalledCount sets how many times a job may stall before it is failed
func WithMaxStalledCount(n int) WorkerOption {
	return func(o *workerOptions) {
		if n >= 0 {
			o.maxStalledCount = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits without a broker signal
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long Run waits for active jobs on shutdown
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithAutorun controls whether the manager starts the worker on registration
func WithAutorun(autorun bool) WorkerOption {
	return func(o *workerOptions) {
		o.autorun = autorun
	}
}

// WithRateLimit allows at most max leases per period using an in-process token bucket
func WithRateLimit(max int, per time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if max <= 0 || per <= 0 {
			return
		}
		bucket, err := ratelimiter.NewBucket(
			ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0)),
			ratelimiter.Config{Capacity: max, RefillRate: max, RefillInterval: per},
		)
		if err == nil {
			o.limiter = bucket
		}
	}
}

// WithRateLimiter uses a shared limiter, e.g. a Redis backed bucket limiting all processes at once
func WithRateLimiter(l RateLimiter) WorkerOption {
	return func(o *workerOptions) {
		o.limiter = l
	}
}

// WithRateLimitKey overrides the limiter key, by default "queue:<name>"
func WithRateLimitKey(key string) WorkerOption {
	return func(o *workerOptions) {
		o.limiterKey = key
	}
}

// WithWorkerEvents publishes job events to the broadcaster
func WithWorkerEvents(events broadcast.Broadcaster[Event]) WorkerOption {
	return func(o *workerOptions) {
		o.events = events
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
