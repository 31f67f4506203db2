package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// AddRepeat registers or updates a repeat definition and materializes its next job.
// Registering the same schedule twice is idempotent.
func (q *Queue) AddRepeat(ctx context.Context, name string, data any, repeat RepeatOptions, opts ...JobOption) (*RepeatDefinition, error) {
	opts = append(opts, WithRepeat(repeat))
	tmpl, err := q.buildJob(name, data, opts)
	if err != nil {
		return nil, err
	}
	def, _, err := q.upsertRepeat(ctx, tmpl)
	return def, err
}

// ListRepeats returns the repeat definitions of the queue ordered by next run
func (q *Queue) ListRepeats(ctx context.Context) ([]*RepeatDefinition, error) {
	return q.broker.ListRepeats(ctx, q.name)
}

// RemoveRepeat deletes a repeat definition together with its pending job
func (q *Queue) RemoveRepeat(ctx context.Context, key string) error {
	def, err := q.broker.GetRepeat(ctx, q.name, key)
	if err != nil {
		return err
	}
	if err := q.broker.RemoveRepeat(ctx, q.name, key); err != nil {
		return err
	}
	if _, err := q.removePendingRepeatJob(ctx, def); err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "repeat removed", slog.String("repeat_key", key))
	return nil
}

// RunScheduler promotes due delayed jobs and materializes due repeat definitions
// until ctx is cancelled. It is the only place repeats are evaluated.
func (q *Queue) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(q.repeatInterval)
	defer ticker.Stop()

	q.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("scheduler shutting down")
			return nil
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick runs one scheduler pass
func (q *Queue) tick(ctx context.Context) {
	now := time.Now()

	if _, err := q.broker.PromoteDelayed(ctx, q.name, now); err != nil && ctx.Err() == nil {
		q.logger.ErrorContext(ctx, "failed to promote delayed jobs", logger.Error(err))
	}

	due, err := q.broker.ClaimDueRepeats(ctx, q.name, now)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "failed to claim due repeats", logger.Error(err))
		}
		return
	}

	for _, def := range due {
		q.advanceRepeat(ctx, def, now)
	}
}

// advanceRepeat materializes the job for the slot after the one that just became due
func (q *Queue) advanceRepeat(ctx context.Context, def *RepeatDefinition, now time.Time) {
	log := q.logger.With(slog.String("repeat_key", def.Key))

	next, ok, err := def.nextRun(later(now, def.NextRunAt))
	if err != nil || !ok {
		if err != nil {
			log.ErrorContext(ctx, "repeat definition is invalid, removing", logger.Error(err))
		} else {
			log.InfoContext(ctx, "repeat definition exhausted, removing", slog.Int("count", def.Count))
		}
		if err := q.broker.RemoveRepeat(ctx, q.name, def.Key); err != nil && !errors.Is(err, ErrRepeatNotFound) {
			log.ErrorContext(ctx, "failed to remove repeat definition", logger.Error(err))
		}
		return
	}

	created, job, err := q.materialize(ctx, def, next)
	if err != nil {
		log.ErrorContext(ctx, "failed to materialize repeat job", logger.Error(err))
		// Saving the unchanged definition releases the claim for the next tick
		if err := q.broker.SaveRepeat(ctx, def); err != nil {
			log.ErrorContext(ctx, "failed to release repeat claim", logger.Error(err))
		}
		return
	}
	if created {
		def.Count++
	}
	def.NextRunAt = next

	if err := q.broker.SaveRepeat(ctx, def); err != nil {
		log.ErrorContext(ctx, "failed to save repeat definition", logger.Error(err))
		return
	}

	log.DebugContext(ctx, "repeat job scheduled",
		logger.JobID(job.ID),
		slog.Time("run_at", next))
}

// upsertRepeat stores the definition built from tmpl and materializes its next slot
func (q *Queue) upsertRepeat(ctx context.Context, tmpl *Job) (*RepeatDefinition, *Job, error) {
	r := *tmpl.Opts.Repeat
	key := repeatKey(tmpl.Name, r)

	opts := tmpl.Opts
	opts.Repeat = nil
	opts.JobID = ""
	opts.Delay = 0

	now := time.Now()
	def := &RepeatDefinition{
		Key:       key,
		Queue:     q.name,
		Name:      tmpl.Name,
		Pattern:   r.Pattern,
		Every:     r.Every,
		TZ:        r.TZ,
		Data:      tmpl.Data,
		Opts:      opts,
		Limit:     r.Limit,
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
		CreatedAt: now,
	}

	existing, err := q.broker.GetRepeat(ctx, q.name, key)
	switch {
	case err == nil:
		def.Count = existing.Count
		def.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrRepeatNotFound):
		existing = nil
	default:
		return nil, nil, fmt.Errorf("failed to load repeat %q: %w", key, err)
	}

	next, ok, err := def.nextRun(now)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: schedule has no future runs", ErrInvalidRepeat)
	}

	if existing != nil && !existing.NextRunAt.Equal(next) {
		removed, err := q.removePendingRepeatJob(ctx, existing)
		if err != nil {
			return nil, nil, err
		}
		if removed {
			def.Count = max(def.Count-1, 0)
		}
	}

	created, job, err := q.materialize(ctx, def, next)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to schedule repeat %q: %w", key, err)
	}
	if created {
		def.Count++
	}
	def.NextRunAt = next

	if err := q.broker.SaveRepeat(ctx, def); err != nil {
		return nil, nil, fmt.Errorf("failed to save repeat %q: %w", key, err)
	}

	q.logger.InfoContext(ctx, "repeat registered",
		slog.String("repeat_key", key),
		logger.JobName(def.Name),
		slog.Time("next_run_at", next))

	return def, job, nil
}

// materialize adds the delayed job of one slot; created is false when the slot already had its job
func (q *Queue) materialize(ctx context.Context, def *RepeatDefinition, runAt time.Time) (bool, *Job, error) {
	job := &Job{
		ID:        repeatJobID(def.Key, runAt),
		Queue:     q.name,
		Name:      def.Name,
		Data:      cloneRaw(def.Data),
		Opts:      def.Opts,
		RepeatKey: def.Key,
		CreatedAt: time.Now(),
		RunAt:     runAt,
	}
	job.Opts.JobID = job.ID

	batch := []*Job{job}
	if err := q.broker.AddJobs(ctx, batch); err != nil {
		return false, nil, err
	}

	created := batch[0] == job
	if created {
		q.publish(ctx, jobEvent(EventAdded, job))
	}
	return created, batch[0], nil
}

// removePendingRepeatJob drops the not yet started job of the definition's current slot
func (q *Queue) removePendingRepeatJob(ctx context.Context, def *RepeatDefinition) (bool, error) {
	id := repeatJobID(def.Key, def.NextRunAt)
	job, err := q.broker.GetJob(ctx, q.name, id)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.State != StateDelayed && job.State != StateWaiting {
		return false, nil
	}
	if err := q.broker.RemoveJob(ctx, q.name, id); err != nil {
		return false, err
	}
	return true, nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
