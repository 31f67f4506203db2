package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/file"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// Registry lists and resolves queues; *queue.Manager satisfies it
type Registry interface {
	Queues
	QueueNames() []string
}

// CheckFunc reports whether a dependency is usable
type CheckFunc func(ctx context.Context) error

// TaskPayload is the data of recurring maintenance jobs
type TaskPayload struct {
	Task string `json:"task"`
}

// CleanupResult is returned by daily-cleanup
type CleanupResult struct {
	Cleaned map[string]int `json:"cleaned"`
	Total   int            `json:"total"`
}

// AnalyticsResult is returned by hourly-analytics
type AnalyticsResult struct {
	Queues    map[string]queue.Metrics `json:"queues"`
	Totals    queue.Metrics            `json:"totals"`
	Timestamp time.Time                `json:"timestamp"`
}

// ExportResult is returned by weekly-export
type ExportResult struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// HealthResult is returned by health-check
type HealthResult struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// NewCleanupProcessor removes completed and failed jobs older than the configured
// grace periods from every queue of reg
func NewCleanupProcessor(reg Registry, cfg MaintenanceConfig) queue.Processor {
	return queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) (any, error) {
		res := CleanupResult{Cleaned: make(map[string]int)}
		var errs []error

		for _, name := range reg.QueueNames() {
			q, err := reg.Queue(name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for state, grace := range map[queue.State]time.Duration{
				queue.StateCompleted: cfg.CompletedGrace,
				queue.StateFailed:    cfg.FailedGrace,
			} {
				ids, err := q.Clean(ctx, grace, cfg.CleanLimit, state)
				if err != nil {
					errs = append(errs, fmt.Errorf("clean %s %s: %w", name, state, err))
					continue
				}
				res.Cleaned[name] += len(ids)
				res.Total += len(ids)
			}
		}

		_, _ = job.Log(ctx, fmt.Sprintf("Removed %d old jobs", res.Total))
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		return res, nil
	})
}

// NewAnalyticsProcessor aggregates per-state counts across all queues
func NewAnalyticsProcessor(reg Registry, log *slog.Logger) queue.Processor {
	if log == nil {
		log = slog.Default()
	}
	return queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) (any, error) {
		res, err := collectMetrics(ctx, reg)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "queue analytics",
			logger.JobID(job.ID),
			logger.Group("totals",
				slog.Int("waiting", res.Totals.Waiting),
				slog.Int("active", res.Totals.Active),
				slog.Int("completed", res.Totals.Completed),
				slog.Int("failed", res.Totals.Failed),
				slog.Int("delayed", res.Totals.Delayed)))
		return res, nil
	})
}

// NewExportProcessor writes a JSON snapshot of queue metrics and repeat
// definitions to exports/queues/ in store
func NewExportProcessor(reg Registry, store file.BlobStore) queue.Processor {
	return queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) (any, error) {
		metrics, err := collectMetrics(ctx, reg)
		if err != nil {
			return nil, err
		}

		repeats := make(map[string][]*queue.RepeatDefinition)
		for _, name := range reg.QueueNames() {
			q, err := reg.Queue(name)
			if err != nil {
				return nil, err
			}
			defs, err := q.ListRepeats(ctx)
			if err != nil {
				return nil, err
			}
			if len(defs) > 0 {
				repeats[name] = defs
			}
		}

		body, err := json.MarshalIndent(map[string]any{
			"generatedAt": metrics.Timestamp,
			"metrics":     metrics.Queues,
			"totals":      metrics.Totals,
			"repeats":     repeats,
		}, "", "  ")
		if err != nil {
			return nil, err
		}

		key := fmt.Sprintf("exports/queues/%s.json", metrics.Timestamp.Format("2006-01-02T15-04-05Z"))
		info, err := store.Put(ctx, key, bytes.NewReader(body), file.Metadata{ContentType: "application/json"})
		if err != nil {
			return nil, err
		}
		_, _ = job.Log(ctx, "Exported queue snapshot to "+info.Key)
		return ExportResult{Path: info.Key, Size: info.Size}, nil
	})
}

// NewHealthCheckProcessor runs every check and fails the job when any check fails
func NewHealthCheckProcessor(checks map[string]CheckFunc) queue.Processor {
	return queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) (any, error) {
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		var (
			mu   sync.Mutex
			wg   sync.WaitGroup
			res  = HealthResult{Healthy: true, Checks: make(map[string]string, len(names))}
			errs []error
		)
		for _, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := checks[name](ctx)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Healthy = false
					res.Checks[name] = err.Error()
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					return
				}
				res.Checks[name] = "ok"
			}()
		}
		wg.Wait()

		if !res.Healthy {
			return nil, errors.Join(errs...)
		}
		return res, nil
	})
}

// NotificationPayload is the data of a delayed-notification job.
// When Email is set the message is forwarded to the email queue.
type NotificationPayload struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Email   string `json:"email,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// NewNotificationProcessor delivers delayed notifications
func NewNotificationProcessor(qs Queues, log *slog.Logger) queue.Processor {
	if log == nil {
		log = slog.Default()
	}
	return queue.NewTypedProcessor(func(ctx context.Context, job *queue.Job, n NotificationPayload) (any, error) {
		if n.UserID == "" || n.Message == "" {
			return nil, queue.Unrecoverable(errors.New("userId and message are required"))
		}

		result := map[string]any{"delivered": true, "userId": n.UserID}
		if n.Email != "" {
			subject := n.Subject
			if subject == "" {
				subject = "Notification"
			}
			emailJob, err := SendEmail(ctx, qs, EmailPayload{
				SendTo:   n.Email,
				Subject:  subject,
				BodyText: n.Message,
				Tag:      "notification",
			})
			if err != nil {
				return nil, err
			}
			result["emailJobId"] = emailJob.ID
		}

		log.InfoContext(ctx, "notification delivered", logger.JobID(job.ID), slog.String("user_id", n.UserID))
		return result, nil
	})
}

func collectMetrics(ctx context.Context, reg Registry) (AnalyticsResult, error) {
	res := AnalyticsResult{Queues: make(map[string]queue.Metrics), Timestamp: time.Now().UTC()}
	for _, name := range reg.QueueNames() {
		q, err := reg.Queue(name)
		if err != nil {
			return res, err
		}
		m, err := q.Metrics(ctx)
		if err != nil {
			return res, fmt.Errorf("metrics of %s: %w", name, err)
		}
		res.Queues[name] = m
		res.Totals.Waiting += m.Waiting
		res.Totals.Active += m.Active
		res.Totals.Completed += m.Completed
		res.Totals.Failed += m.Failed
		res.Totals.Delayed += m.Delayed
		res.Totals.WaitingChildren += m.WaitingChildren
		res.Totals.Total += m.Total
	}
	return res, nil
}
