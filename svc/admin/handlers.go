package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const (
	defaultCleanGrace = 24 * time.Hour
	defaultCleanLimit = 1000
	defaultPageSize   = 50
)

type handlers struct {
	reg    Registry
	logger *slog.Logger
}

// QueueStatus is one entry of GET /queues/status
type QueueStatus struct {
	Name     string               `json:"name"`
	IsPaused bool                 `json:"isPaused"`
	Metrics  *queue.Metrics       `json:"metrics"`
	Worker   *queue.WorkerMetrics `json:"worker,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// StatusResponse is the data of GET /queues/status
type StatusResponse struct {
	Queues    []QueueStatus `json:"queues"`
	Total     queue.Metrics `json:"total"`
	Timestamp time.Time     `json:"timestamp"`
}

// JobView is the public shape of a job
type JobView struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	State        queue.State     `json:"state"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	Attempts     int             `json:"attempts"`
	Priority     queue.Priority  `json:"priority"`
	Timestamp    time.Time       `json:"timestamp"`
	RunAt        time.Time       `json:"runAt"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	RepeatKey    string          `json:"repeatKey,omitempty"`
	Parent       string          `json:"parent,omitempty"`
	Logs         []string        `json:"logs,omitempty"`
}

func newJobView(job *queue.Job) JobView {
	v := JobView{
		ID:           job.ID,
		Queue:        job.Queue,
		Name:         job.Name,
		Data:         job.Data,
		State:        job.State,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		Attempts:     job.Opts.Attempts,
		Priority:     job.Opts.Priority,
		Timestamp:    job.CreatedAt,
		RunAt:        job.RunAt,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedOn,
		ReturnValue:  job.Result,
		FailedReason: job.FailedReason,
		RepeatKey:    job.RepeatKey,
	}
	if job.Parent != nil {
		v.Parent = job.Parent.Key()
	}
	return v
}

type actionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := StatusResponse{Queues: []QueueStatus{}, Timestamp: time.Now().UTC()}

	for _, name := range h.reg.QueueNames() {
		st := QueueStatus{Name: name}
		q, err := h.reg.Queue(name)
		if err == nil {
			var m queue.Metrics
			if m, err = q.Metrics(ctx); err == nil {
				st.Metrics = &m
				st.IsPaused, err = q.IsPaused(ctx)
			}
		}
		if err != nil {
			st.Error = err.Error()
			h.logger.WarnContext(ctx, "failed to read queue status", logger.Queue(name), logger.Error(err))
		}
		if wm, err := h.reg.WorkerMetrics(name); err == nil {
			st.Worker = &wm
		}

		if st.Metrics != nil {
			res.Total.Waiting += st.Metrics.Waiting
			res.Total.Active += st.Metrics.Active
			res.Total.Completed += st.Metrics.Completed
			res.Total.Failed += st.Metrics.Failed
			res.Total.Delayed += st.Metrics.Delayed
			res.Total.WaitingChildren += st.Metrics.WaitingChildren
			res.Total.Total += st.Metrics.Total
		}
		res.Queues = append(res.Queues, st)
	}

	writeData(w, res)
}

// queue resolves the {name} path parameter
func (h *handlers) queue(r *http.Request) (*queue.Queue, error) {
	name := chi.URLParam(r, "name")
	if name == "" {
		return nil, ErrQueueRequired
	}
	return h.reg.Queue(name)
}

// jobQueue resolves the ?queue= parameter of the job routes
func (h *handlers) jobQueue(r *http.Request) (*queue.Queue, error) {
	name := r.URL.Query().Get("queue")
	if name == "" {
		return nil, ErrQueueRequired
	}
	return h.reg.Queue(name)
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	q, err := h.queue(r)
	if err == nil {
		err = q.Pause(r.Context())
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to pause queue")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Queue %s paused", q.Name())})
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	q, err := h.queue(r)
	if err == nil {
		err = q.Resume(r.Context())
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to resume queue")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Queue %s resumed", q.Name())})
}

type drainRequest struct {
	Delayed bool `json:"delayed"`
}

func (h *handlers) drain(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	q, err := h.queue(r)
	if err == nil {
		err = q.Drain(r.Context(), req.Delayed)
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to drain queue")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Queue %s drained", q.Name())})
}

type cleanRequest struct {
	Grace  *int64      `json:"grace"` // milliseconds
	Limit  int         `json:"limit"`
	Status queue.State `json:"status"`
}

// CleanResponse is the data of POST /queues/{name}/clean
type CleanResponse struct {
	Success   bool     `json:"success"`
	QueueName string   `json:"queueName"`
	Cleaned   int      `json:"cleaned"`
	JobIDs    []string `json:"jobIds"`
}

func (h *handlers) clean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}
	grace := defaultCleanGrace
	if req.Grace != nil {
		grace = time.Duration(*req.Grace) * time.Millisecond
	}
	if req.Limit <= 0 {
		req.Limit = defaultCleanLimit
	}
	if req.Status == "" {
		req.Status = queue.StateCompleted
	}

	q, err := h.queue(r)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to clean queue")
		return
	}
	ids, err := q.Clean(r.Context(), grace, req.Limit, req.Status)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to clean queue")
		return
	}
	writeData(w, CleanResponse{Success: true, QueueName: q.Name(), Cleaned: len(ids), JobIDs: ids})
}

func (h *handlers) obliterate(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	q, err := h.queue(r)
	if err == nil {
		err = q.Obliterate(r.Context(), force)
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to obliterate queue")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Queue %s obliterated", q.Name())})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := queue.State(query.Get("status"))
	if state == "" {
		state = queue.StateWaiting
	}
	start, end, err := pageRange(query)
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}

	q, err := h.queue(r)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to list jobs")
		return
	}
	jobs, err := q.GetJobs(r.Context(), state, start, end)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to list jobs")
		return
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeData(w, views)
}

func (h *handlers) listRepeats(w http.ResponseWriter, r *http.Request) {
	q, err := h.queue(r)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to list repeat definitions")
		return
	}
	defs, err := q.ListRepeats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to list repeat definitions")
		return
	}
	if defs == nil {
		defs = []*queue.RepeatDefinition{}
	}
	writeData(w, defs)
}

func (h *handlers) removeRepeat(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, r, h.logger, HTTPError{Code: http.StatusBadRequest, Message: "Invalid repeat key"}, "")
		return
	}
	q, err := h.queue(r)
	if err == nil {
		err = q.RemoveRepeat(r.Context(), key)
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to remove repeat definition")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Repeat %s removed", key)})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, err := h.jobQueue(r)
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to fetch job")
		return
	}
	job, err := q.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to fetch job")
		return
	}

	view := newJobView(job)
	if view.Logs, err = q.GetJobLogs(ctx, job.ID, 0, -1); err != nil {
		h.logger.WarnContext(ctx, "failed to read job logs", logger.Queue(job.Queue), logger.JobID(job.ID), logger.Error(err))
	}
	writeData(w, view)
}

func (h *handlers) removeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := h.jobQueue(r)
	if err == nil {
		err = q.RemoveJob(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to remove job")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Job %s removed", id)})
}

func (h *handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := h.jobQueue(r)
	if err == nil {
		err = q.RetryJob(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, h.logger, err, "Failed to retry job")
		return
	}
	writeData(w, actionResult{Success: true, Message: fmt.Sprintf("Job %s queued for retry", id)})
}

// decodeOptional decodes a JSON body when one is present
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidBody, err)
}

// pageRange parses start and end, defaulting to the first page
func pageRange(query url.Values) (int, int, error) {
	start, end := 0, defaultPageSize-1
	var err error
	if s := query.Get("start"); s != "" {
		if start, err = strconv.Atoi(s); err != nil || start < 0 {
			return 0, 0, ErrInvalidRange
		}
		end = start + defaultPageSize - 1
	}
	if s := query.Get("end"); s != "" {
		if end, err = strconv.Atoi(s); err != nil || (end >= 0 && end < start) {
			return 0, 0, ErrInvalidRange
		}
	}
	return start, end, nil
}
