package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// queueNamePattern keeps names safe for broker keys and URL paths
var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateQueueName reports ErrInvalidQueueName for names unusable as broker keys
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	return nil
}

// Queue is a named, durable priority list of jobs
type Queue struct {
	name           string
	broker         Broker
	defaults       JobOptions
	repeatInterval time.Duration
	logger         *slog.Logger
	publisher
}

// NewQueue creates a handle for the named queue
func NewQueue(broker Broker, name string, opts ...QueueOption) (*Queue, error) {
	if broker == nil {
		return nil, ErrBrokerNil
	}
	if err := ValidateQueueName(name); err != nil {
		return nil, err
	}

	options := &queueOptions{
		defaults:       DefaultJobOptions(),
		repeatInterval: time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	log := options.logger.With(logger.Queue(name))
	return &Queue{
		name:           name,
		broker:         broker,
		defaults:       options.defaults,
		repeatInterval: options.repeatInterval,
		logger:         log,
		publisher:      publisher{events: options.events, logger: log},
	}, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Add inserts a new job. A delay makes it delayed; repeat options register a
// repeat definition and return the first materialized job.
func (q *Queue) Add(ctx context.Context, name string, data any, opts ...JobOption) (*Job, error) {
	job, err := q.buildJob(name, data, opts)
	if err != nil {
		return nil, err
	}

	if job.Opts.Repeat != nil {
		_, first, err := q.upsertRepeat(ctx, job)
		return first, err
	}

	// The broker swaps in the stored job when the custom id already exists.
	batch := []*Job{job}
	if err := q.broker.AddJobs(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to add job %q to queue %q: %w", name, q.name, err)
	}
	if batch[0] != job {
		return batch[0], nil
	}

	q.publish(ctx, jobEvent(EventAdded, job))
	q.logger.DebugContext(ctx, "job added",
		logger.JobID(job.ID),
		logger.JobName(job.Name),
		slog.String("state", string(job.State)))

	return job, nil
}

// AddBulk validates every entry first and persists all of them in one atomic broker call.
// A *BulkError lists every rejected entry; in that case nothing is stored.
func (q *Queue) AddBulk(ctx context.Context, items []BulkJob) ([]*Job, error) {
	if len(items) == 0 {
		return nil, ErrNoItemsToEnqueue
	}

	jobs := make([]*Job, 0, len(items))
	var bulkErr BulkError
	for i, item := range items {
		job, err := q.buildJob(item.Name, item.Data, item.Opts)
		if err == nil && job.Opts.Repeat != nil {
			err = fmt.Errorf("%w: repeat is not supported in bulk", ErrInvalidRepeat)
		}
		if err != nil {
			bulkErr.Failures = append(bulkErr.Failures, BulkFailure{Index: i, Name: item.Name, Err: err})
			continue
		}
		jobs = append(jobs, job)
	}
	if len(bulkErr.Failures) > 0 {
		return nil, &bulkErr
	}

	built := slices.Clone(jobs)
	if err := q.broker.AddJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to add %d jobs to queue %q: %w", len(jobs), q.name, err)
	}

	for i, job := range jobs {
		if job == built[i] {
			q.publish(ctx, jobEvent(EventAdded, job))
		}
	}
	return jobs, nil
}

// GetJob returns ErrJobNotFound when the job does not exist
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.broker.GetJob(ctx, q.name, id)
}

// RemoveJob deletes the job regardless of its state. An active job keeps running;
// its completion is discarded.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	if err := q.broker.RemoveJob(ctx, q.name, id); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", JobKey(q.name, id), err)
	}
	q.publish(ctx, Event{Type: EventRemoved, Queue: q.name, JobID: id})
	return nil
}

// GetJobs reads jobs in state within the inclusive range [start, end]; end < 0 reads to the last job
func (q *Queue) GetJobs(ctx context.Context, state State, start, end int) ([]*Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return q.broker.GetJobs(ctx, q.name, state, start, end)
}

// GetJobLogs returns log lines in the inclusive range [start, end]
func (q *Queue) GetJobLogs(ctx context.Context, id string, start, end int) ([]string, error) {
	return q.broker.GetLogs(ctx, q.name, id, start, end)
}

// Metrics returns job counts per state; Paused is always zero because pausing is a queue flag
func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	counts, err := q.broker.Counts(ctx, q.name)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to count jobs in queue %q: %w", q.name, err)
	}
	return CountsToMetrics(counts), nil
}

// Pause stops workers from leasing new jobs; active jobs run to completion
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.broker.SetPaused(ctx, q.name, true); err != nil {
		return fmt.Errorf("failed to pause queue %q: %w", q.name, err)
	}
	q.publish(ctx, Event{Type: EventPaused, Queue: q.name})
	q.logger.InfoContext(ctx, "queue paused")
	return nil
}

// Resume lets workers lease jobs again
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.broker.SetPaused(ctx, q.name, false); err != nil {
		return fmt.Errorf("failed to resume queue %q: %w", q.name, err)
	}
	q.publish(ctx, Event{Type: EventResumed, Queue: q.name})
	q.logger.InfoContext(ctx, "queue resumed")
	return nil
}

// IsPaused reports the queue pause flag
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.broker.IsPaused(ctx, q.name)
}

// Clean removes up to limit jobs in state older than grace and returns their ids.
// Terminal jobs are aged by finish time, others by creation time. limit <= 0 removes all matches.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int, state State) ([]string, error) {
	if grace < 0 {
		grace = 0
	}
	ids, err := q.broker.Clean(ctx, q.name, state, time.Now().Add(-grace), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to clean %s jobs in queue %q: %w", state, q.name, err)
	}

	q.publish(ctx, Event{Type: EventCleaned, Queue: q.name, Count: len(ids), Reason: string(state)})
	q.logger.InfoContext(ctx, "queue cleaned",
		slog.String("state", string(state)),
		slog.Int("removed", len(ids)))

	return ids, nil
}

// Drain removes waiting jobs, and delayed ones when includeDelayed is set.
// Active and finished jobs are left untouched.
func (q *Queue) Drain(ctx context.Context, includeDelayed bool) error {
	if err := q.broker.Drain(ctx, q.name, includeDelayed); err != nil {
		return fmt.Errorf("failed to drain queue %q: %w", q.name, err)
	}
	q.publish(ctx, Event{Type: EventDrained, Queue: q.name})
	return nil
}

// Obliterate irreversibly deletes the queue and all of its jobs.
// Without force it refuses with ErrQueueHasActiveJobs while jobs are active.
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	if err := q.broker.Obliterate(ctx, q.name, force); err != nil {
		return fmt.Errorf("failed to obliterate queue %q: %w", q.name, err)
	}
	q.publish(ctx, Event{Type: EventObliterated, Queue: q.name})
	q.logger.WarnContext(ctx, "queue obliterated", slog.Bool("force", force))
	return nil
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	if err := q.broker.RetryJob(ctx, q.name, id); err != nil {
		return fmt.Errorf("failed to retry job %s: %w", JobKey(q.name, id), err)
	}
	q.publish(ctx, Event{Type: EventAdded, Queue: q.name, JobID: id})
	return nil
}

// buildJob applies defaults and validates a job before it reaches the broker
func (q *Queue) buildJob(name string, data any, opts []JobOption) (*Job, error) {
	if name == "" {
		return nil, ErrJobNameRequired
	}

	options := buildJobOptions(q.defaults, opts)
	if err := validateJobOptions(options); err != nil {
		return nil, err
	}

	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Job{
		ID:        options.JobID,
		Queue:     q.name,
		Name:      name,
		Data:      payload,
		Opts:      options,
		CreatedAt: now,
		RunAt:     now.Add(options.Delay),
	}, nil
}

// marshalPayload encodes data; raw JSON passes through unchanged
func marshalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrPayloadMarshal
		}
		return cloneRaw(v), nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrPayloadMarshal, fmt.Errorf("payload of type %T: %w", data, err))
	}
	return b, nil
}
