package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// EventType names a queue or job lifecycle transition
type EventType string

const (
	EventAdded       EventType = "added"
	EventActive      EventType = "active"
	EventProgress    EventType = "progress"
	EventCompleted   EventType = "completed"
	EventRetrying    EventType = "retrying"
	EventFailed      EventType = "failed"
	EventStalled     EventType = "stalled"
	EventRemoved     EventType = "removed"
	EventPaused      EventType = "paused"
	EventResumed     EventType = "resumed"
	EventCleaned     EventType = "cleaned"
	EventDrained     EventType = "drained"
	EventObliterated EventType = "obliterated"
	EventError       EventType = "error"
)

// Event is broadcast for every observable state change
type Event struct {
	Type         EventType       `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"job_id,omitempty"`
	JobName      string          `json:"job_name,omitempty"`
	AttemptsMade int             `json:"attempts_made,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Delay        time.Duration   `json:"delay,omitempty"`
	Count        int             `json:"count,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// publisher broadcasts events when a broadcaster is configured
type publisher struct {
	events broadcast.Broadcaster[Event]
	logger *slog.Logger
}

func (p publisher) publish(ctx context.Context, e Event) {
	if p.events == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := p.events.Broadcast(ctx, broadcast.Message[Event]{Data: e}); err != nil {
		p.logger.WarnContext(ctx, "failed to broadcast queue event",
			logger.EventType(string(e.Type)),
			logger.Queue(e.Queue),
			logger.Error(err))
	}
}

func jobEvent(t EventType, job *Job) Event {
	return Event{
		Type:         t,
		Queue:        job.Queue,
		JobID:        job.ID,
		JobName:      job.Name,
		AttemptsMade: job.AttemptsMade,
	}
}
