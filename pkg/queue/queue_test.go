package queue_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, name string, opts ...queue.QueueOption) (*queue.Queue, *queue.MemoryBroker) {
	t.Helper()

	broker := queue.NewMemoryBroker()
	opts = append([]queue.QueueOption{queue.WithQueueLogger(discardLogger())}, opts...)
	q, err := queue.NewQueue(broker, name, opts...)
	require.NoError(t, err)
	return q, broker
}

// leaseAndComplete drives one job through a successful attempt without a worker
func leaseAndComplete(t *testing.T, broker *queue.MemoryBroker, queueName string) *queue.Job {
	t.Helper()

	job, err := broker.Lease(context.Background(), queueName, "tok", time.Minute)
	require.NoError(t, err)
	require.NoError(t, broker.Complete(context.Background(), job, job.LockToken, json.RawMessage(`"ok"`)))
	return job
}

func TestNewQueue(t *testing.T) {
	t.Parallel()

	t.Run("nil broker", func(t *testing.T) {
		t.Parallel()

		q, err := queue.NewQueue(nil, "email")
		assert.ErrorIs(t, err, queue.ErrBrokerNil)
		assert.Nil(t, q)
	})

	t.Run("invalid names", func(t *testing.T) {
		t.Parallel()

		for _, name := range []string{"", "has space", "colon:name", "-leading"} {
			_, err := queue.NewQueue(queue.NewMemoryBroker(), name)
			assert.ErrorIs(t, err, queue.ErrInvalidQueueName, name)
		}
	})

	t.Run("valid name", func(t *testing.T) {
		t.Parallel()

		q, err := queue.NewQueue(queue.NewMemoryBroker(), "file-processing")
		require.NoError(t, err)
		assert.Equal(t, "file-processing", q.Name())
	})
}

func TestQueue_Add(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("assigns sequential ids and waiting state", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "email")

		first, err := q.Add(ctx, "send-email", map[string]string{"to": "a@example.com"})
		require.NoError(t, err)
		second, err := q.Add(ctx, "send-email", nil)
		require.NoError(t, err)

		assert.Equal(t, "1", first.ID)
		assert.Equal(t, "2", second.ID)
		assert.Equal(t, queue.StateWaiting, first.State)
		assert.Equal(t, queue.PriorityNormal, first.Opts.Priority)
		assert.Equal(t, 3, first.Opts.Attempts)
		assert.Equal(t, 0, first.AttemptsMade)
		assert.JSONEq(t, `{"to":"a@example.com"}`, string(first.Data))

		stored, err := q.GetJob(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "send-email", stored.Name)
		assert.Equal(t, "email", stored.Queue)
	})

	t.Run("delay makes the job delayed", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "email")

		job, err := q.Add(ctx, "send-email", nil, queue.WithDelay(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, queue.StateDelayed, job.State)
		assert.WithinDuration(t, time.Now().Add(time.Hour), job.RunAt, time.Second)

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, m.Delayed)
		assert.Equal(t, 0, m.Waiting)
	})

	t.Run("custom id is deduplicated", func(t *testing.T) {
		t.Parallel()
		events := broadcast.NewMemoryBroadcaster[queue.Event](16)
		sub := events.Subscribe(ctx)
		defer func() { _ = sub.Close() }()
		q, _ := newTestQueue(t, "email", queue.WithQueueEvents(events))

		first, err := q.Add(ctx, "send-email", map[string]int{"n": 1}, queue.WithJobID("welcome-42"))
		require.NoError(t, err)
		second, err := q.Add(ctx, "send-reminder", map[string]int{"n": 2}, queue.WithJobID("welcome-42"))
		require.NoError(t, err)

		assert.Equal(t, "welcome-42", second.ID)
		assert.Equal(t, "send-email", second.Name)
		assert.Equal(t, queue.StateWaiting, second.State)
		assert.JSONEq(t, string(first.Data), string(second.Data))

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, m.Total)

		added := 0
		for len(sub.Receive(ctx)) > 0 {
			if msg := <-sub.Receive(ctx); msg.Data.Type == queue.EventAdded {
				added++
			}
		}
		assert.Equal(t, 1, added)
	})

	t.Run("validation errors", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "email")

		_, err := q.Add(ctx, "", nil)
		assert.ErrorIs(t, err, queue.ErrJobNameRequired)

		_, err = q.Add(ctx, "job", nil, queue.WithPriority(-1))
		assert.ErrorIs(t, err, queue.ErrInvalidPriority)

		_, err = q.Add(ctx, "job", nil, queue.WithPriority(queue.MaxPriority+1))
		assert.ErrorIs(t, err, queue.ErrInvalidPriority)

		_, err = q.Add(ctx, "job", nil, queue.WithAttempts(0))
		assert.ErrorIs(t, err, queue.ErrInvalidAttempts)

		_, err = q.Add(ctx, "job", nil, queue.WithDelay(-time.Second))
		assert.ErrorIs(t, err, queue.ErrInvalidDelay)

		_, err = q.Add(ctx, "job", nil, queue.WithBackoff("linear", time.Second))
		assert.ErrorIs(t, err, queue.ErrInvalidBackoff)

		_, err = q.Add(ctx, "job", make(chan int))
		assert.ErrorIs(t, err, queue.ErrPayloadMarshal)

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Total)
	})

	t.Run("raw json payload passes through", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "email")

		job, err := q.Add(ctx, "job", json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(job.Data))
	})
}

func TestQueue_AddBulk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("stores every job", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "webhook")

		jobs, err := q.AddBulk(ctx, []queue.BulkJob{
			{Name: "send-webhook", Data: map[string]string{"url": "https://a"}},
			{Name: "send-webhook", Data: map[string]string{"url": "https://b"}, Opts: []queue.JobOption{queue.WithDelay(time.Minute)}},
		})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, queue.StateWaiting, jobs[0].State)
		assert.Equal(t, queue.StateDelayed, jobs[1].State)
	})

	t.Run("one invalid entry rejects the batch", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "webhook")

		_, err := q.AddBulk(ctx, []queue.BulkJob{
			{Name: "ok"},
			{Name: "bad-priority", Opts: []queue.JobOption{queue.WithPriority(-5)}},
			{Name: ""},
		})
		require.Error(t, err)

		var bulkErr *queue.BulkError
		require.ErrorAs(t, err, &bulkErr)
		require.Len(t, bulkErr.Failures, 2)
		assert.Equal(t, 1, bulkErr.Failures[0].Index)
		assert.ErrorIs(t, bulkErr.Failures[0].Err, queue.ErrInvalidPriority)
		assert.Equal(t, 2, bulkErr.Failures[1].Index)
		assert.ErrorIs(t, err, queue.ErrJobNameRequired)

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Total)
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "webhook")

		_, err := q.AddBulk(ctx, nil)
		assert.ErrorIs(t, err, queue.ErrNoItemsToEnqueue)
	})
}

func TestQueue_PriorityOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, broker := newTestQueue(t, "analytics")

	ids := make(map[string]queue.Priority)
	for _, p := range []queue.Priority{5, 1, 3, 1, 5} {
		job, err := q.Add(ctx, "job", nil, queue.WithPriority(p))
		require.NoError(t, err)
		ids[job.ID] = p
	}

	var order []string
	for range 5 {
		job, err := broker.Lease(ctx, "analytics", "tok", time.Minute)
		require.NoError(t, err)
		order = append(order, job.ID)
	}

	// Priority first, then insertion order
	assert.Equal(t, []string{"2", "4", "3", "1", "5"}, order)

	_, err := broker.Lease(ctx, "analytics", "tok", time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobAvailable)
}

func TestQueue_GetJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t, "default")

	for _, p := range []queue.Priority{3, 1, 2} {
		_, err := q.Add(ctx, "job", nil, queue.WithPriority(p))
		require.NoError(t, err)
	}

	all, err := q.GetJobs(ctx, queue.StateWaiting, 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"2", "3", "1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	page, err := q.GetJobs(ctx, queue.StateWaiting, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "3", page[0].ID)

	none, err := q.GetJobs(ctx, queue.StateFailed, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = q.GetJobs(ctx, "paused", 0, -1)
	assert.ErrorIs(t, err, queue.ErrInvalidState)
}

func TestQueue_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, "default")

	_, err := q.GetJob(context.Background(), "404")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestQueue_RemoveJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing job is a no-op", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "default")
		assert.NoError(t, q.RemoveJob(ctx, "nope"))
	})

	t.Run("active job completion is discarded", func(t *testing.T) {
		t.Parallel()
		q, broker := newTestQueue(t, "default")

		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		leased, err := broker.Lease(ctx, "default", "tok", time.Minute)
		require.NoError(t, err)

		require.NoError(t, q.RemoveJob(ctx, leased.ID))

		err = broker.Complete(ctx, leased, leased.LockToken, nil)
		assert.ErrorIs(t, err, queue.ErrLockMismatch)

		_, err = q.GetJob(ctx, leased.ID)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func TestQueue_PauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, broker := newTestQueue(t, "email")

	_, err := q.Add(ctx, "job", nil)
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = broker.Lease(ctx, "email", "tok", time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoJobAvailable)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Waiting)
	assert.Equal(t, 0, m.Paused)

	require.NoError(t, q.Resume(ctx))
	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	job, err := broker.Lease(ctx, "email", "tok", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestQueue_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, broker := newTestQueue(t, "default")

	for range 3 {
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, "later", nil, queue.WithDelay(time.Hour))
	require.NoError(t, err)

	leaseAndComplete(t, broker, "default")
	_, err = broker.Lease(ctx, "default", "tok", time.Minute)
	require.NoError(t, err)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Metrics{
		Waiting:   1,
		Active:    1,
		Completed: 1,
		Delayed:   1,
		Total:     4,
	}, m)
}

func TestQueue_Clean(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, broker := newTestQueue(t, "cleanup")

	for range 3 {
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)
	}
	for range 3 {
		leaseAndComplete(t, broker, "cleanup")
	}
	time.Sleep(5 * time.Millisecond)

	t.Run("grace keeps recent jobs", func(t *testing.T) {
		ids, err := q.Clean(ctx, time.Hour, 0, queue.StateCompleted)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("limit bounds removal", func(t *testing.T) {
		ids, err := q.Clean(ctx, 0, 2, queue.StateCompleted)
		require.NoError(t, err)
		assert.Len(t, ids, 2)
	})

	t.Run("second clean is idempotent", func(t *testing.T) {
		ids, err := q.Clean(ctx, 0, 0, queue.StateCompleted)
		require.NoError(t, err)
		assert.Len(t, ids, 1)

		ids, err = q.Clean(ctx, 0, 0, queue.StateCompleted)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("active jobs cannot be cleaned", func(t *testing.T) {
		_, err := q.Clean(ctx, 0, 0, queue.StateActive)
		assert.ErrorIs(t, err, queue.ErrInvalidState)
	})
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("keeps delayed by default", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "default")

		_, err := q.Add(ctx, "now", nil)
		require.NoError(t, err)
		_, err = q.Add(ctx, "later", nil, queue.WithDelay(time.Hour))
		require.NoError(t, err)

		require.NoError(t, q.Drain(ctx, false))

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Waiting)
		assert.Equal(t, 1, m.Delayed)
	})

	t.Run("includes delayed when asked", func(t *testing.T) {
		t.Parallel()
		q, _ := newTestQueue(t, "default")

		_, err := q.Add(ctx, "now", nil)
		require.NoError(t, err)
		_, err = q.Add(ctx, "later", nil, queue.WithDelay(time.Hour))
		require.NoError(t, err)

		require.NoError(t, q.Drain(ctx, true))

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Total)
	})
}

func TestQueue_Obliterate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, broker := newTestQueue(t, "data-export")

	_, err := q.Add(ctx, "a", nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", nil)
	require.NoError(t, err)
	_, err = broker.Lease(ctx, "data-export", "tok", time.Minute)
	require.NoError(t, err)

	err = q.Obliterate(ctx, false)
	assert.ErrorIs(t, err, queue.ErrQueueHasActiveJobs)

	require.NoError(t, q.Obliterate(ctx, true))

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Total)
}

func TestQueue_RetryJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, broker := newTestQueue(t, "default")

	job, err := q.Add(ctx, "job", nil, queue.WithAttempts(1))
	require.NoError(t, err)

	err = q.RetryJob(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFailed)

	leased, err := broker.Lease(ctx, "default", "tok", time.Minute)
	require.NoError(t, err)
	require.NoError(t, broker.Fail(ctx, leased, leased.LockToken, "boom"))

	failed, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, failed.State)
	assert.Equal(t, "boom", failed.FailedReason)

	require.NoError(t, q.RetryJob(ctx, job.ID))

	retried, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, retried.State)
	assert.Equal(t, 0, retried.AttemptsMade)
	assert.Empty(t, retried.FailedReason)

	err = q.RetryJob(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}
