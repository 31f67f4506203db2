package logger

import "log/slog"

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// JobID records the job identifier under the key "job_id".
// If id is empty, it returns an empty Attr.
func JobID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("job_id", id)
}

// Queue records the queue name under the key "queue".
func Queue(name string) slog.Attr {
	return slog.String("queue", name)
}

// JobName records the job name under the key "job_name".
func JobName(name string) slog.Attr {
	return slog.String("job_name", name)
}

// Attempt records the attempt number under the key "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// WorkerID records the worker identifier under the key "worker_id".
// If id is empty, it returns an empty Attr.
func WorkerID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("worker_id", id)
}

// RequestID records the request identifier under the key "request_id".
// If id is empty, it returns an empty Attr.
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

// EventType records the event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
