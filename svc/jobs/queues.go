package jobs

import (
	"context"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// Queue names served by this service
const (
	QueueEmail          = "email"
	QueueNotification   = "notification"
	QueueFileProcessing = "file-processing"
	QueueDataExport     = "data-export"
	QueueAnalytics      = "analytics"
	QueueWebhook        = "webhook"
	QueueCleanup        = "cleanup"
	QueueDefault        = queue.DefaultQueueName
)

// Job names
const (
	JobSendEmail           = "send-email"
	JobSendWebhook         = "send-webhook"
	JobProcessFile         = "process-file"
	JobDatabaseBackup      = "database-backup"
	JobDailyCleanup        = "daily-cleanup"
	JobHourlyAnalytics     = "hourly-analytics"
	JobWeeklyExport        = "weekly-export"
	JobHealthCheck         = "health-check"
	JobDelayedNotification = "delayed-notification"
)

// QueueNames lists every queue the service registers, in display order
var QueueNames = []string{
	QueueEmail,
	QueueNotification,
	QueueFileProcessing,
	QueueDataExport,
	QueueAnalytics,
	QueueWebhook,
	QueueCleanup,
	QueueDefault,
}

// Queues resolves queues by name; *queue.Manager satisfies it
type Queues interface {
	Queue(name string) (*queue.Queue, error)
}

func add(ctx context.Context, qs Queues, queueName, jobName string, data any, opts ...queue.JobOption) (*queue.Job, error) {
	q, err := qs.Queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.Add(ctx, jobName, data, opts...)
}

// SendEmail enqueues one email at high priority with three attempts
func SendEmail(ctx context.Context, qs Queues, msg EmailPayload) (*queue.Job, error) {
	return add(ctx, qs, QueueEmail, JobSendEmail, msg,
		queue.WithPriority(queue.PriorityHigh),
		queue.WithAttempts(3),
		queue.WithExponentialBackoff(2*time.Second),
	)
}

// SendBulkEmails enqueues all messages atomically at normal priority with two attempts
func SendBulkEmails(ctx context.Context, qs Queues, msgs []EmailPayload) ([]*queue.Job, error) {
	q, err := qs.Queue(QueueEmail)
	if err != nil {
		return nil, err
	}
	items := make([]queue.BulkJob, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, queue.BulkJob{
			Name: JobSendEmail,
			Data: msg,
			Opts: []queue.JobOption{queue.WithPriority(queue.PriorityNormal), queue.WithAttempts(2)},
		})
	}
	return q.AddBulk(ctx, items)
}

// SendWebhook enqueues a delivery retried up to five times starting at 5s
func SendWebhook(ctx context.Context, qs Queues, hook WebhookPayload) (*queue.Job, error) {
	return add(ctx, qs, QueueWebhook, JobSendWebhook, hook,
		queue.WithPriority(queue.PriorityHigh),
		queue.WithAttempts(5),
		queue.WithExponentialBackoff(5*time.Second),
	)
}

// ProcessFile enqueues file processing, optionally delayed
func ProcessFile(ctx context.Context, qs Queues, in FilePayload, delay time.Duration) (*queue.Job, error) {
	opts := []queue.JobOption{
		queue.WithPriority(queue.PriorityHigh),
		queue.WithAttempts(3),
		queue.WithExponentialBackoff(3 * time.Second),
	}
	if delay > 0 {
		opts = append(opts, queue.WithDelay(delay), queue.WithPriority(queue.PriorityNormal))
	}
	return add(ctx, qs, QueueFileProcessing, JobProcessFile, in, opts...)
}

// TriggerBackup enqueues a manual database backup ahead of everything else on the cleanup queue
func TriggerBackup(ctx context.Context, qs Queues, in BackupPayload) (*queue.Job, error) {
	if in.ScheduledBy == "" {
		in.ScheduledBy = "manual"
	}
	return add(ctx, qs, QueueCleanup, JobDatabaseBackup, in.withDefaults(),
		queue.WithPriority(queue.PriorityCritical),
		queue.WithAttempts(2),
		queue.WithExponentialBackoff(5*time.Second),
	)
}

// ScheduleNotification enqueues a notification delivered after delay
func ScheduleNotification(ctx context.Context, qs Queues, n NotificationPayload, delay time.Duration) (*queue.Job, error) {
	return add(ctx, qs, QueueNotification, JobDelayedNotification, n, queue.WithDelay(delay))
}
