package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

const (
	// minIdleWait keeps an idle worker from spinning on a delayed job that is due right now
	minIdleWait = 10 * time.Millisecond

	// maxErrorBackoff caps the wait after consecutive broker failures
	maxErrorBackoff = 30 * time.Second
)

// Worker leases jobs from one queue and runs them through a processor
type Worker struct {
	repo      WorkerRepository
	queue     string
	processor Processor
	workerID  uuid.UUID
	opts      *workerOptions
	sem       chan struct{}
	wg        sync.WaitGroup // in-flight jobs
	loops     sync.WaitGroup // lease and stalled-check loops
	mu        sync.Mutex
	logger    *slog.Logger
	publisher

	// State management
	cancel   context.CancelFunc
	paused   atomic.Bool
	resumeCh chan struct{}

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// WorkerMetrics is a snapshot of a worker's state
type WorkerMetrics struct {
	Name        string `json:"name"`
	WorkerID    string `json:"worker_id"`
	Running     bool   `json:"is_running"`
	Paused      bool   `json:"is_paused"`
	Concurrency int    `json:"concurrency"`
	Active      int    `json:"active"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}

// NewWorker creates a worker for the named queue
func NewWorker(repo WorkerRepository, queue string, processor Processor, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrBrokerNil
	}
	if processor == nil {
		return nil, ErrProcessorNil
	}
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}

	options := defaultWorkerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.limiterKey == "" {
		options.limiterKey = "queue:" + queue
	}

	workerID := uuid.New()
	log := options.logger.With(
		logger.WorkerID(workerID.String()),
		logger.Queue(queue))

	return &Worker{
		repo:      repo,
		queue:     queue,
		processor: processor,
		workerID:  workerID,
		opts:      options,
		sem:       make(chan struct{}, options.concurrency),
		logger:    log,
		publisher: publisher{events: options.events, logger: log},
		resumeCh:  make(chan struct{}, 1),
	}, nil
}

// Start begins leasing jobs in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrWorkerRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	wake, err := w.repo.Subscribe(loopCtx, w.queue)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to queue %q: %w", w.queue, err)
	}
	w.cancel = cancel

	w.loops.Add(2)
	go w.run(loopCtx, wake)
	go w.checkStalled(loopCtx)

	w.logger.Info("worker started",
		slog.Int("concurrency", cap(w.sem)),
		slog.Duration("lock_duration", w.opts.lockDuration))

	return nil
}

// Close stops leasing and waits for in-flight jobs until ctx is done.
// Jobs still running after that keep their leases until the locks expire.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.loops.Wait()

	w.logger.Info("worker stopping, waiting for active jobs to complete",
		slog.Int64("active", w.active.Load()))

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("worker shutdown timed out, active jobs are left to lock expiry",
			slog.Int64("active", w.active.Load()))
		return ctx.Err()
	}
}

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.opts.shutdownTimeout)
		defer cancel()
		return w.Close(shutdownCtx)
	}
}

// Pause stops leasing new jobs; in-flight jobs are not affected
func (w *Worker) Pause() {
	if !w.paused.Swap(true) {
		w.logger.Info("worker paused")
	}
}

// Resume restarts leasing after Pause
func (w *Worker) Resume() {
	if w.paused.Swap(false) {
		select {
		case w.resumeCh <- struct{}{}:
		default:
		}
		w.logger.Info("worker resumed")
	}
}

// IsPaused reports whether the worker is paused
func (w *Worker) IsPaused() bool {
	return w.paused.Load()
}

// IsRunning reports whether the worker has been started and not closed
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Queue returns the name of the queue the worker leases from
func (w *Worker) Queue() string {
	return w.queue
}

// Metrics returns a snapshot of the worker state
func (w *Worker) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Name:        w.queue,
		WorkerID:    w.workerID.String(),
		Running:     w.IsRunning(),
		Paused:      w.IsPaused(),
		Concurrency: cap(w.sem),
		Active:      int(w.active.Load()),
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
	}
}

// WorkerInfo returns information about the worker
func (w *Worker) WorkerInfo() (id string, hostname string, pid int) {
	hostname, _ = os.Hostname()
	return w.workerID.String(), hostname, os.Getpid()
}

// run is the main leasing loop. It suspends at lease capacity, at rate-limit
// capacity and when no job is eligible, and resumes on broker signals.
func (w *Worker) run(ctx context.Context, wake <-chan struct{}) {
	defer w.loops.Done()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if w.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-w.resumeCh:
			}
			continue
		}

		// Acquire a slot
		select {
		case <-ctx.Done():
			return
		case w.sem <- struct{}{}:
		}

		if wait := w.throttle(ctx); wait > 0 {
			<-w.sem
			w.sleep(ctx, wait, nil)
			continue
		}

		// Pause may land while blocked on a full slot set
		if w.paused.Load() {
			<-w.sem
			continue
		}

		job, err := w.repo.Lease(ctx, w.queue, w.leaseToken(), w.opts.lockDuration)
		if err != nil {
			<-w.sem
			if errors.Is(err, ErrNoJobAvailable) {
				failures = 0
				w.idle(ctx, wake)
				continue
			}
			if ctx.Err() != nil {
				return
			}

			failures++
			delay := min(time.Duration(failures)*time.Second, maxErrorBackoff)
			w.logger.Error("failed to lease job",
				logger.Error(err),
				slog.Duration("retry_in", delay))
			w.sleep(ctx, delay, nil)
			continue
		}

		failures = 0
		w.consumeRateLimit(ctx)

		w.wg.Add(1)
		go w.handle(job)
	}
}

// idle waits for a broker signal, the poll interval or the next delayed job, whichever comes first
func (w *Worker) idle(ctx context.Context, wake <-chan struct{}) {
	wait := w.opts.pollInterval
	if next, err := w.repo.NextDelayedAt(ctx, w.queue); err == nil && !next.IsZero() {
		wait = min(wait, max(time.Until(next), minIdleWait))
	}
	w.sleep(ctx, wait, wake)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// throttle returns how long to wait before the limiter admits another lease
func (w *Worker) throttle(ctx context.Context) time.Duration {
	if w.opts.limiter == nil {
		return 0
	}
	res, err := w.opts.limiter.Status(ctx, w.opts.limiterKey)
	if err != nil {
		// Fail open: a broken limiter store should not stop processing
		w.logger.Warn("rate limiter status failed", logger.Error(err))
		return 0
	}
	if res.Remaining >= 1 {
		return 0
	}
	return max(time.Until(res.ResetAt), minIdleWait)
}

func (w *Worker) consumeRateLimit(ctx context.Context) {
	if w.opts.limiter == nil {
		return
	}
	if _, err := w.opts.limiter.Allow(ctx, w.opts.limiterKey); err != nil {
		w.logger.Warn("rate limiter consume failed", logger.Error(err))
	}
}

func (w *Worker) leaseToken() string {
	return w.workerID.String() + ":" + uuid.NewString()
}

// handle processes one leased job and resolves it
func (w *Worker) handle(job *Job) {
	defer w.wg.Done()
	defer func() { <-w.sem }() // Release slot

	w.active.Add(1)
	defer w.active.Add(-1)

	log := w.logger.With(
		logger.JobID(job.ID),
		logger.JobName(job.Name),
		logger.Attempt(job.AttemptsMade),
		slog.Int("max_attempts", job.Opts.Attempts))

	// Not tied to the worker lifecycle so that graceful shutdown lets jobs finish
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job.reporter = w
	w.publish(ctx, jobEvent(EventActive, job))
	log.Debug("job leased")

	go w.renewLock(ctx, job, log)

	start := time.Now()
	result, err := w.invoke(ctx, job, log)
	cancel()

	w.settle(job, result, err, time.Since(start), log)
}

// invoke calls the processor, converting a panic into a failed attempt
func (w *Worker) invoke(ctx context.Context, job *Job, log *slog.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in processor: %v", r)
			log.Error("processor panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	return w.processor.Process(ctx, job)
}

// settle resolves an attempt: complete, retry with backoff, or fail for good
func (w *Worker) settle(job *Job, result any, execErr error, duration time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.lockDuration)
	defer cancel()

	if execErr == nil {
		raw, err := marshalResult(result)
		if err == nil {
			w.complete(ctx, job, raw, duration, log)
			return
		}
		execErr = Unrecoverable(err)
	}

	reason := failureReason(execErr)

	if !IsUnrecoverable(execErr) && job.AttemptsMade < job.Opts.Attempts {
		delay := job.Opts.Backoff.Next(job.AttemptsMade)
		if err := w.repo.Retry(ctx, job, job.LockToken, time.Now().Add(delay), reason); err != nil {
			w.logResolveError(log, "retry", err)
			return
		}

		log.Warn("job attempt failed, retrying",
			logger.Duration(duration),
			slog.Duration("retry_in", delay),
			slog.String("error", reason))

		e := jobEvent(EventRetrying, job)
		e.Reason = reason
		e.Delay = delay
		w.publish(ctx, e)
		return
	}

	if err := w.repo.Fail(ctx, job, job.LockToken, reason); err != nil {
		w.logResolveError(log, "fail", err)
		return
	}
	w.failed.Add(1)

	log.Error("job failed",
		logger.Duration(duration),
		slog.String("error", reason))

	e := jobEvent(EventFailed, job)
	e.Reason = reason
	w.publish(ctx, e)
}

func (w *Worker) complete(ctx context.Context, job *Job, result json.RawMessage, duration time.Duration, log *slog.Logger) {
	if err := w.repo.Complete(ctx, job, job.LockToken, result); err != nil {
		w.logResolveError(log, "complete", err)
		return
	}
	w.processed.Add(1)

	log.Info("job completed", logger.Duration(duration))

	e := jobEvent(EventCompleted, job)
	e.Result = result
	w.publish(ctx, e)
}

func (w *Worker) logResolveError(log *slog.Logger, op string, err error) {
	if errors.Is(err, ErrLockMismatch) {
		// Removed, obliterated or recovered as stalled while running
		log.Warn("job lease lost, outcome discarded", slog.String("op", op))
		return
	}
	log.Error("failed to resolve job", slog.String("op", op), logger.Error(err))
}

// renewLock extends the lease at half the lock duration until ctx is done
func (w *Worker) renewLock(ctx context.Context, job *Job, log *slog.Logger) {
	ticker := time.NewTicker(w.opts.lockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.repo.ExtendLock(ctx, job.Queue, job.ID, job.LockToken, w.opts.lockDuration)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrLockMismatch) {
				log.Warn("job lock lost while processing")
				return
			}
			log.Error("failed to renew job lock", logger.Error(err))
		}
	}
}

// checkStalled periodically recovers jobs whose leases expired
func (w *Worker) checkStalled(ctx context.Context) {
	defer w.loops.Done()

	ticker := time.NewTicker(w.opts.stalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.recoverStalled(ctx)
		}
	}
}

func (w *Worker) recoverStalled(ctx context.Context) {
	res, err := w.repo.RecoverStalled(ctx, w.queue, time.Now(), w.opts.maxStalledCount)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("stalled job check failed", logger.Error(err))
		}
		return
	}

	for _, id := range res.Recovered {
		w.logger.Warn("job stalled, moved back to waiting", logger.JobID(id))
		w.publish(ctx, Event{Type: EventStalled, Queue: w.queue, JobID: id})
	}
	for _, id := range res.Failed {
		w.logger.Error("job stalled too many times, failed", logger.JobID(id))
		w.publish(ctx, Event{Type: EventStalled, Queue: w.queue, JobID: id})
		w.publish(ctx, Event{Type: EventFailed, Queue: w.queue, JobID: id, Reason: StalledReason})
	}
}

// reportProgress implements jobReporter
func (w *Worker) reportProgress(ctx context.Context, job *Job, progress json.RawMessage) error {
	if err := w.repo.UpdateProgress(ctx, job.Queue, job.ID, progress); err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", job.Key(), err)
	}
	e := jobEvent(EventProgress, job)
	e.Progress = progress
	w.publish(ctx, e)
	return nil
}

// appendLog implements jobReporter
func (w *Worker) appendLog(ctx context.Context, job *Job, line string) (int, error) {
	n, err := w.repo.AddLog(ctx, job.Queue, job.ID, line)
	if err != nil {
		return 0, fmt.Errorf("failed to append log to job %s: %w", job.Key(), err)
	}
	return n, nil
}

func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job result of type %T: %w", result, err)
	}
	return b, nil
}
