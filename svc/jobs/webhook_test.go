package jobs_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/webhook"
	"github.com/dmitrymomot/jobqueue/svc/jobs"
)

type capturedRequest struct {
	body    string
	headers http.Header
}

func TestWebhookProcessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("delivers signed payload", func(t *testing.T) {
		t.Parallel()
		received := make(chan capturedRequest, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			received <- capturedRequest{body: string(body), headers: r.Header.Clone()}
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, "ok")
		}))
		t.Cleanup(srv.Close)

		m := newManager(t)
		_, err := m.RegisterWorker(jobs.QueueWebhook, jobs.NewWebhookProcessor(webhook.NewSender(),
			jobs.WithSigningSecret("s3cret"),
			jobs.WithDeliveryTimeout(time.Second)))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueWebhook)
		job, err := q.Add(ctx, jobs.JobSendWebhook, jobs.WebhookPayload{
			URL:   srv.URL,
			Event: "user.created",
			Body:  json.RawMessage(`{"id":1}`),
		})
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		require.Equal(t, queue.StateCompleted, done.State, done.FailedReason)

		var res jobs.WebhookResult
		require.NoError(t, json.Unmarshal(done.Result, &res))
		assert.True(t, res.Success)
		assert.Equal(t, http.StatusAccepted, res.StatusCode)
		assert.Equal(t, 1, res.Attempt)
		assert.Equal(t, "ok", res.Response)

		req := <-received
		assert.JSONEq(t, `{"id":1}`, req.body)
		assert.Equal(t, "1", req.headers.Get("X-Webhook-Attempt"))
		assert.Equal(t, job.ID, req.headers.Get("X-Webhook-Job-ID"))
		sig, err := webhook.ExtractSignatureHeaders(req.headers)
		require.NoError(t, err)
		assert.NoError(t, webhook.VerifySignature("s3cret", []byte(req.body), sig, time.Minute))

		logs, err := q.GetJobLogs(ctx, job.ID, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"Sending user.created webhook to " + srv.URL,
			"Webhook delivered successfully (202)",
		}, logs)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(srv.Close)

		m := newManager(t)
		_, err := m.RegisterWorker(jobs.QueueWebhook, jobs.NewWebhookProcessor(webhook.NewSender()))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueWebhook)
		job, err := q.Add(ctx, jobs.JobSendWebhook, jobs.WebhookPayload{URL: srv.URL, Event: "ping"},
			queue.WithAttempts(5), queue.WithFixedBackoff(10*time.Millisecond))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		assert.Equal(t, queue.StateFailed, done.State)
		assert.Equal(t, 1, done.AttemptsMade)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("server errors are retried by the queue", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		m := newManager(t)
		_, err := m.RegisterWorker(jobs.QueueWebhook, jobs.NewWebhookProcessor(webhook.NewSender(),
			jobs.WithCircuits(webhook.NewCircuits(10, 1, time.Minute))))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueWebhook)
		job, err := q.Add(ctx, jobs.JobSendWebhook, jobs.WebhookPayload{URL: srv.URL, Event: "ping"},
			queue.WithAttempts(5), queue.WithFixedBackoff(10*time.Millisecond))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		require.Equal(t, queue.StateCompleted, done.State, done.FailedReason)
		assert.Equal(t, 3, done.AttemptsMade)

		var res jobs.WebhookResult
		require.NoError(t, json.Unmarshal(done.Result, &res))
		assert.Equal(t, 3, res.Attempt)
	})

	t.Run("invalid url fails immediately", func(t *testing.T) {
		t.Parallel()
		m := newManager(t)
		_, err := m.RegisterWorker(jobs.QueueWebhook, jobs.NewWebhookProcessor(webhook.NewSender()))
		require.NoError(t, err)

		q := getQueue(t, m, jobs.QueueWebhook)
		job, err := q.Add(ctx, jobs.JobSendWebhook, jobs.WebhookPayload{URL: "ftp://example.com", Event: "ping"},
			queue.WithAttempts(5))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		assert.Equal(t, queue.StateFailed, done.State)
		assert.Equal(t, 1, done.AttemptsMade)
		assert.Contains(t, done.FailedReason, "invalid webhook URL")
	})
}

func TestSendWebhook(t *testing.T) {
	t.Parallel()
	m := newManager(t)

	job, err := jobs.SendWebhook(context.Background(), m, jobs.WebhookPayload{URL: "https://example.com/hook", Event: "order.paid"})
	require.NoError(t, err)
	assert.Equal(t, 5, job.Opts.Attempts)
	assert.Equal(t, queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Second}, job.Opts.Backoff)
}
