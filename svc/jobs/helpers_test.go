package jobs_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/email"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/svc/jobs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T) *queue.Manager {
	t.Helper()

	m, err := queue.NewManager(queue.NewMemoryBroker(),
		queue.WithAllowedQueues(jobs.QueueNames...),
		queue.WithManagerLogger(discardLogger()),
		queue.WithWorkerDefaults(
			queue.WithPollInterval(20*time.Millisecond),
			queue.WithWorkerLogger(discardLogger()),
		),
		queue.WithQueueOptions(
			queue.WithRepeatCheckInterval(10*time.Millisecond),
			queue.WithQueueLogger(discardLogger()),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func getQueue(t *testing.T, m *queue.Manager, name string) *queue.Queue {
	t.Helper()
	q, err := m.Queue(name)
	require.NoError(t, err)
	return q
}

// waitFinished waits until the job completes or fails and returns it
func waitFinished(t *testing.T, q *queue.Queue, id string) *queue.Job {
	t.Helper()

	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := q.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

type mockEmailSender struct {
	mock.Mock
}

func (m *mockEmailSender) SendEmail(ctx context.Context, params email.SendEmailParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}
