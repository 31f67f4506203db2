package queue

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
)

// QueueOption is a functional option for configuring a Queue
type QueueOption func(*queueOptions)

type queueOptions struct {
	defaults       JobOptions
	repeatInterval time.Duration
	events         broadcast.Broadcaster[Event]
	logger         *slog.Logger
}

// WithDefaultJobOptions sets the options applied to every job added through the queue
func WithDefaultJobOptions(opts JobOptions) QueueOption {
	return func(o *queueOptions) {
		o.defaults = opts
	}
}

// WithRepeatCheckInterval sets how often repeat definitions and delayed jobs are evaluated
func WithRepeatCheckInterval(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		if d > 0 {
			o.repeatInterval = d
		}
	}
}

// WithQueueEvents publishes queue events to the broadcaster
func WithQueueEvents(events broadcast.Broadcaster[Event]) QueueOption {
	return func(o *queueOptions) {
		o.events = events
	}
}

// WithQueueLogger sets the logger for the queue
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(o *queueOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
