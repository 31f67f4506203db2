package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/svc/jobs"
)

var welcome = jobs.EmailPayload{
	SendTo:   "user@example.com",
	Subject:  "Welcome!",
	BodyText: "Welcome to our service",
	BodyHTML: "<h1>Welcome!</h1>",
}

func TestEmailProcessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("sends and reports progress", func(t *testing.T) {
		t.Parallel()
		m := newManager(t)
		sender := &mockEmailSender{}
		sender.On("SendEmail", mock.Anything, welcome).Return("msg-42", nil).Once()

		_, err := m.RegisterWorker(jobs.QueueEmail, jobs.NewEmailProcessor(sender))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueEmail)
		job, err := q.Add(ctx, jobs.JobSendEmail, welcome)
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		require.Equal(t, queue.StateCompleted, done.State, done.FailedReason)

		var res jobs.EmailResult
		require.NoError(t, json.Unmarshal(done.Result, &res))
		assert.Equal(t, jobs.EmailResult{Sent: true, MessageID: "msg-42"}, res)
		assert.JSONEq(t, "100", string(done.Progress))
		sender.AssertExpectations(t)
	})

	t.Run("invalid message fails without retry", func(t *testing.T) {
		t.Parallel()
		m := newManager(t)
		sender := &mockEmailSender{}

		_, err := m.RegisterWorker(jobs.QueueEmail, jobs.NewEmailProcessor(sender))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueEmail)
		job, err := q.Add(ctx, jobs.JobSendEmail, jobs.EmailPayload{SendTo: "not-an-email", Subject: "x", BodyText: "y"},
			queue.WithAttempts(3))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		assert.Equal(t, queue.StateFailed, done.State)
		assert.Equal(t, 1, done.AttemptsMade)
		sender.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
	})

	t.Run("provider errors are retried", func(t *testing.T) {
		t.Parallel()
		m := newManager(t)
		sender := &mockEmailSender{}
		sender.On("SendEmail", mock.Anything, welcome).Return("", errors.New("provider unavailable")).Once()
		sender.On("SendEmail", mock.Anything, welcome).Return("msg-43", nil).Once()

		_, err := m.RegisterWorker(jobs.QueueEmail, jobs.NewEmailProcessor(sender))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueEmail)
		job, err := q.Add(ctx, jobs.JobSendEmail, welcome,
			queue.WithAttempts(2), queue.WithFixedBackoff(10*time.Millisecond))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		require.Equal(t, queue.StateCompleted, done.State, done.FailedReason)
		assert.Equal(t, 2, done.AttemptsMade)
		sender.AssertExpectations(t)
	})
}

func TestSendEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newManager(t)

	job, err := jobs.SendEmail(ctx, m, welcome)
	require.NoError(t, err)
	assert.Equal(t, jobs.QueueEmail, job.Queue)
	assert.Equal(t, jobs.JobSendEmail, job.Name)
	assert.Equal(t, queue.PriorityHigh, job.Opts.Priority)
	assert.Equal(t, 3, job.Opts.Attempts)
	assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second}, job.Opts.Backoff)

	bulk, err := jobs.SendBulkEmails(ctx, m, []jobs.EmailPayload{welcome, welcome})
	require.NoError(t, err)
	require.Len(t, bulk, 2)
	for _, j := range bulk {
		assert.Equal(t, queue.PriorityNormal, j.Opts.Priority)
		assert.Equal(t, 2, j.Opts.Attempts)
	}

	metrics, err := getQueue(t, m, jobs.QueueEmail).Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.Waiting)
}
