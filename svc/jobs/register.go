package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/email"
	"github.com/dmitrymomot/jobqueue/pkg/file"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/ratelimiter"
	"github.com/dmitrymomot/jobqueue/pkg/webhook"
)

// ErrMissingDependency is returned by Register when a required collaborator is nil
var ErrMissingDependency = errors.New("missing workload dependency")

// Deps are the collaborators of the workloads
type Deps struct {
	Email    email.EmailSender
	Webhooks *webhook.Sender
	Store    file.BlobStore

	// Dumper enables database-backup; nil leaves it unregistered
	Dumper Dumper

	// Checks are run by health-check
	Checks map[string]CheckFunc

	// RateLimits backs per-queue lease limits. Use a Redis store to share
	// limits between processes; an in-process bucket is used when nil.
	RateLimits ratelimiter.Store

	Config Config
	Logger *slog.Logger
}

// WorkerRegistry registers workers; *queue.Manager satisfies it
type WorkerRegistry interface {
	Registry
	RegisterWorker(name string, processor queue.Processor, opts ...queue.WorkerOption) (*queue.Worker, error)
}

// Register starts one worker per queue with the concurrency and rate limit of its workload
func Register(m WorkerRegistry, deps Deps) error {
	if deps.Email == nil || deps.Webhooks == nil || deps.Store == nil {
		return ErrMissingDependency
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := deps.Config

	limits := deps.RateLimits
	if limits == nil {
		limits = ratelimiter.NewMemoryStore()
	}
	webhookLimit, err := limit(limits, 100, time.Second)
	if err != nil {
		return err
	}
	fileLimit, err := limit(limits, 10, time.Second)
	if err != nil {
		return err
	}

	cleanup := queue.NewRouter().
		Handle(JobDailyCleanup, NewCleanupProcessor(m, cfg.Maintenance))
	if deps.Dumper != nil {
		cleanup.Handle(JobDatabaseBackup, NewBackupProcessor(deps.Dumper, deps.Store, cfg.Backup, log))
	}

	workers := []struct {
		queue     string
		processor queue.Processor
		opts      []queue.WorkerOption
	}{
		{QueueEmail, queue.NewRouter().Handle(JobSendEmail, NewEmailProcessor(deps.Email)),
			[]queue.WorkerOption{queue.WithConcurrency(5)}},
		{QueueWebhook, queue.NewRouter().Handle(JobSendWebhook, NewWebhookProcessor(deps.Webhooks,
			WithSigningSecret(cfg.WebhookSigningSecret),
			WithDeliveryTimeout(cfg.WebhookTimeout),
			WithCircuits(webhook.NewCircuits(cfg.WebhookCircuitFailures, 1, cfg.WebhookCircuitRecovery)),
		)),
			[]queue.WorkerOption{queue.WithConcurrency(10), queue.WithRateLimiter(webhookLimit)}},
		{QueueFileProcessing, queue.NewRouter().Handle(JobProcessFile, NewFileProcessor(deps.Store)),
			[]queue.WorkerOption{queue.WithConcurrency(3), queue.WithRateLimiter(fileLimit)}},
		{QueueCleanup, cleanup,
			[]queue.WorkerOption{queue.WithConcurrency(1)}},
		{QueueAnalytics, queue.NewRouter().Handle(JobHourlyAnalytics, NewAnalyticsProcessor(m, log)), nil},
		{QueueDataExport, queue.NewRouter().Handle(JobWeeklyExport, NewExportProcessor(m, deps.Store)), nil},
		{QueueNotification, queue.NewRouter().Handle(JobDelayedNotification, NewNotificationProcessor(m, log)), nil},
		{QueueDefault, queue.NewRouter().Handle(JobHealthCheck, NewHealthCheckProcessor(deps.Checks)), nil},
	}

	for _, w := range workers {
		if _, err := m.RegisterWorker(w.queue, w.processor, w.opts...); err != nil {
			return fmt.Errorf("register %s worker: %w", w.queue, err)
		}
	}
	return nil
}

// limit builds a token bucket admitting n leases per period
func limit(store ratelimiter.Store, n int, per time.Duration) (queue.RateLimiter, error) {
	return ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: n, RefillRate: n, RefillInterval: per})
}

// Schedule describes one recurring job
type Schedule struct {
	Queue  string
	Name   string
	Data   any
	Repeat queue.RepeatOptions
	Opts   []queue.JobOption
}

// Schedules returns the recurring jobs of the service.
// Backup schedules are included only when withBackups is set.
func Schedules(withBackups bool) []Schedule {
	s := []Schedule{
		{QueueCleanup, JobDailyCleanup, TaskPayload{Task: "cleanup-old-data"},
			queue.RepeatOptions{Key: "daily-cleanup", Pattern: "0 2 * * *"},
			[]queue.JobOption{queue.WithPriority(queue.PriorityBackground)}},
		{QueueAnalytics, JobHourlyAnalytics, TaskPayload{Task: "aggregate-analytics"},
			queue.RepeatOptions{Key: "hourly-analytics", Pattern: "0 * * * *"}, nil},
		{QueueDataExport, JobWeeklyExport, TaskPayload{Task: "export-data"},
			queue.RepeatOptions{Key: "weekly-export", Pattern: "0 1 * * 0"}, nil},
		{QueueDefault, JobHealthCheck, TaskPayload{Task: "check-system-health"},
			queue.RepeatOptions{Key: "health-check", Every: 5 * time.Minute}, nil},
	}
	if withBackups {
		compress := true
		s = append(s,
			Schedule{QueueCleanup, JobDatabaseBackup,
				BackupPayload{Type: "full", ScheduledBy: "scheduled", RetentionDays: 30, Compress: &compress},
				queue.RepeatOptions{Key: "daily-database-backup", Pattern: "0 2 * * *"},
				[]queue.JobOption{queue.WithPriority(queue.PriorityHigh)}},
			Schedule{QueueCleanup, JobDatabaseBackup,
				BackupPayload{Type: "full", ScheduledBy: "weekly-schedule", RetentionDays: 90, Compress: &compress},
				queue.RepeatOptions{Key: "weekly-database-backup", Pattern: "0 3 * * 0"},
				[]queue.JobOption{queue.WithPriority(queue.PriorityCritical)}},
		)
	}
	return s
}

// ScheduleRecurring registers every schedule; registering twice is idempotent
func ScheduleRecurring(ctx context.Context, qs Queues, schedules []Schedule) error {
	for _, s := range schedules {
		q, err := qs.Queue(s.Queue)
		if err != nil {
			return err
		}
		if _, err := q.AddRepeat(ctx, s.Name, s.Data, s.Repeat, s.Opts...); err != nil {
			return fmt.Errorf("schedule %s on %s: %w", s.Name, s.Queue, err)
		}
	}
	return nil
}
