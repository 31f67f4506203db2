package redisbroker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// jobFields returns the hash fields written when a job is added.
// State, seq and counters are owned by the scripts.
func jobFields(job *queue.Job) ([]any, error) {
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options of job %q: %w", job.Name, err)
	}

	fields := []any{
		"queue", job.Queue,
		"name", job.Name,
		"data", string(job.Data),
		"opts", string(opts),
		"priority", int64(job.Opts.Priority),
		"attempts", job.Opts.Attempts,
		"createdAt", job.CreatedAt.UnixMilli(),
		"runAt", job.RunAt.UnixMilli(),
	}
	fields = appendRetention(fields, "keepCompleted", job.Opts.RemoveOnComplete)
	fields = appendRetention(fields, "keepFailed", job.Opts.RemoveOnFail)

	if job.Parent != nil {
		fields = append(fields, "parentQueue", job.Parent.Queue, "parentId", job.Parent.ID)
	}
	if len(job.Children) > 0 {
		children, err := json.Marshal(job.Children)
		if err != nil {
			return nil, fmt.Errorf("failed to encode children of job %q: %w", job.Name, err)
		}
		fields = append(fields, "children", string(children))
	}
	if job.RepeatKey != "" {
		fields = append(fields, "repeatKey", job.RepeatKey)
	}
	return fields, nil
}

func appendRetention(fields []any, prefix string, r queue.Retention) []any {
	remove := 0
	if r.Remove {
		remove = 1
	}
	return append(fields,
		prefix+"Remove", remove,
		prefix+"Age", r.Age.Milliseconds(),
		prefix+"Count", r.Count,
	)
}

// hashFromReply converts a flat HGETALL reply returned by a script
func hashFromReply(reply []any) map[string]string {
	h := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		h[k] = v
	}
	return h
}

// decodeJob builds a job from its stored hash
func decodeJob(h map[string]string) (*queue.Job, error) {
	if len(h) == 0 || h["id"] == "" {
		return nil, queue.ErrJobNotFound
	}

	job := &queue.Job{
		ID:           h["id"],
		Queue:        h["queue"],
		Name:         h["name"],
		State:        queue.State(h["state"]),
		Seq:          parseInt(h["seq"]),
		AttemptsMade: int(parseInt(h["attemptsMade"])),
		StalledCount: int(parseInt(h["stalledCount"])),
		FailedReason: h["failedReason"],
		LastError:    h["lastError"],
		RepeatKey:    h["repeatKey"],
		LockToken:    h["lockToken"],
		CreatedAt:    parseMillis(h["createdAt"]),
		RunAt:        parseMillis(h["runAt"]),
		ProcessedOn:  optionalMillis(h["processedOn"]),
		FinishedOn:   optionalMillis(h["finishedOn"]),
		LockedUntil:  optionalMillis(h["lockedUntil"]),
	}

	if v := h["data"]; v != "" {
		job.Data = json.RawMessage(v)
	}
	if v := h["progress"]; v != "" {
		job.Progress = json.RawMessage(v)
	}
	if v := h["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := h["opts"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Opts); err != nil {
			return nil, fmt.Errorf("failed to decode options of job %s: %w", job.Key(), err)
		}
	}
	if v := h["children"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Children); err != nil {
			return nil, fmt.Errorf("failed to decode children of job %s: %w", job.Key(), err)
		}
	}
	if h["parentQueue"] != "" {
		job.Parent = &queue.ParentRef{Queue: h["parentQueue"], ID: h["parentId"]}
	}

	return job, nil
}

func parseInt(s string) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	// Script arithmetic may store numbers in float notation
	f, _ := strconv.ParseFloat(s, 64)
	return int64(f)
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(parseInt(s))
}

func optionalMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseMillis(s)
	return &t
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}
