package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// Source resolves queues and exposes their events; *queue.Manager satisfies it
type Source interface {
	Queue(name string) (*queue.Queue, error)
	Events() broadcast.Broadcaster[queue.Event]
}

// Archiver upserts finished jobs into a Store
type Archiver struct {
	source Source
	store  Store
	logger *slog.Logger
}

// Option configures an Archiver
type Option func(*Archiver)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(a *Archiver) {
		if log != nil {
			a.logger = log
		}
	}
}

// New creates an Archiver reading events of source
func New(source Source, store Store, opts ...Option) *Archiver {
	a := &Archiver{
		source: source,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logger.Component("archive"))
	return a
}

// Run archives jobs until ctx is done or the event stream closes.
// Store failures are logged and do not stop the loop.
func (a *Archiver) Run(ctx context.Context) error {
	events := a.source.Events()
	if events == nil {
		return ErrEventsUnavailable
	}

	sub := events.Subscribe(ctx)
	defer sub.Close()

	a.logger.InfoContext(ctx, "job archive started")
	for msg := range sub.Receive(ctx) {
		if err := a.Handle(ctx, msg.Data); err != nil {
			a.logger.ErrorContext(ctx, "failed to archive job",
				logger.Queue(msg.Data.Queue),
				logger.JobID(msg.Data.JobID),
				logger.Error(err))
		}
	}
	return nil
}

// Handle archives the job of a completed or failed event and ignores other events
func (a *Archiver) Handle(ctx context.Context, e queue.Event) error {
	if e.Type != queue.EventCompleted && e.Type != queue.EventFailed {
		return nil
	}

	rec, err := a.record(ctx, e)
	if err != nil {
		return err
	}
	if err := a.store.Upsert(ctx, rec); err != nil {
		return err
	}

	a.logger.DebugContext(ctx, "job archived",
		logger.Queue(rec.Queue),
		logger.JobID(rec.JobID),
		slog.String("state", string(rec.State)))
	return nil
}

// record loads the job, falling back to the event when retention already removed it
func (a *Archiver) record(ctx context.Context, e queue.Event) (Record, error) {
	q, err := a.source.Queue(e.Queue)
	if err != nil {
		return Record{}, err
	}

	job, err := q.GetJob(ctx, e.JobID)
	switch {
	case err == nil && job.State.Terminal():
		return RecordFromJob(job), nil
	case err != nil && !errors.Is(err, queue.ErrJobNotFound):
		return Record{}, err
	}

	state := queue.StateCompleted
	if e.Type == queue.EventFailed {
		state = queue.StateFailed
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		Queue:        e.Queue,
		JobID:        e.JobID,
		Name:         e.JobName,
		State:        state,
		AttemptsMade: e.AttemptsMade,
		Result:       e.Result,
		FailedReason: e.Reason,
		CreatedAt:    ts,
		FinishedOn:   &ts,
	}, nil
}
