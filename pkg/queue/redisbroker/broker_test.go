package redisbroker_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/redisbroker"
)

func newTestBroker(t *testing.T) (*redisbroker.Broker, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b, err := redisbroker.New(rdb, redisbroker.WithPrefix("test"), redisbroker.WithLogger(discardLogger()))
	require.NoError(t, err)
	return b, rdb
}

func newTestQueue(t *testing.T, b *redisbroker.Broker, name string) *queue.Queue {
	t.Helper()

	q, err := queue.NewQueue(b, name, queue.WithQueueLogger(discardLogger()))
	require.NoError(t, err)
	return q
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := redisbroker.New(nil)
	assert.ErrorIs(t, err, redisbroker.ErrClientNil)
}

func TestBroker_AddJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("assigns sequential ids and stores fields", func(t *testing.T) {
		t.Parallel()
		b, rdb := newTestBroker(t)
		q := newTestQueue(t, b, "email")

		first, err := q.Add(ctx, "welcome", map[string]string{"to": "a@example.com"}, queue.WithPriority(queue.PriorityHigh))
		require.NoError(t, err)
		second, err := q.Add(ctx, "welcome", map[string]string{"to": "b@example.com"}, queue.WithDelay(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, "1", first.ID)
		assert.Equal(t, queue.StateWaiting, first.State)
		assert.Equal(t, "2", second.ID)
		assert.Equal(t, queue.StateDelayed, second.State)

		stored, err := q.GetJob(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "welcome", stored.Name)
		assert.Equal(t, queue.PriorityHigh, stored.Opts.Priority)
		assert.JSONEq(t, `{"to":"a@example.com"}`, string(stored.Data))
		assert.Equal(t, 3, stored.Opts.Attempts)

		exists, err := rdb.Exists(ctx, "test:email:job:1").Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, exists)

		names, err := b.QueueNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"email"}, names)
	})

	t.Run("existing id returns stored job", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")

		first, err := q.Add(ctx, "welcome", "one", queue.WithJobID("user-1"))
		require.NoError(t, err)
		second, err := q.Add(ctx, "other", "two", queue.WithJobID("user-1"))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "welcome", second.Name)

		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, m.Total)
	})

	t.Run("missing job", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)

		_, err := b.GetJob(ctx, "email", "404")
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})
}

func TestBroker_Lease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("priority first then insertion order", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")

		for _, p := range []queue.Priority{5, 1, 3, 1, 5} {
			_, err := q.Add(ctx, "job", nil, queue.WithPriority(p))
			require.NoError(t, err)
		}

		var order []string
		for {
			job, err := b.Lease(ctx, "email", "w:1", time.Minute)
			if err != nil {
				require.ErrorIs(t, err, queue.ErrNoJobAvailable)
				break
			}
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{"2", "4", "3", "1", "5"}, order)
	})

	t.Run("locks and counts the attempt", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		job, err := b.Lease(ctx, "email", "w:token", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, queue.StateActive, job.State)
		assert.Equal(t, 1, job.AttemptsMade)
		assert.Equal(t, "w:token", job.LockToken)
		require.NotNil(t, job.LockedUntil)
		require.NotNil(t, job.ProcessedOn)

		_, err = b.Lease(ctx, "email", "w:other", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobAvailable)
	})

	t.Run("paused queue", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		require.NoError(t, q.Pause(ctx))
		paused, err := q.IsPaused(ctx)
		require.NoError(t, err)
		assert.True(t, paused)

		_, err = b.Lease(ctx, "email", "w:1", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobAvailable)

		require.NoError(t, q.Resume(ctx))
		_, err = b.Lease(ctx, "email", "w:1", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("promotes due delayed jobs", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil, queue.WithDelay(20*time.Millisecond))
		require.NoError(t, err)

		_, err = b.Lease(ctx, "email", "w:1", time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobAvailable)

		next, err := b.NextDelayedAt(ctx, "email")
		require.NoError(t, err)
		assert.False(t, next.IsZero())

		time.Sleep(30 * time.Millisecond)
		job, err := b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "1", job.ID)
	})
}

func TestBroker_Settle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("complete stores result", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		job, err := b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)

		err = b.Complete(ctx, job, "w:other", json.RawMessage(`1`))
		assert.ErrorIs(t, err, queue.ErrLockMismatch)

		require.NoError(t, b.Complete(ctx, job, "w:1", json.RawMessage(`{"sent":true}`)))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateCompleted, stored.State)
		assert.JSONEq(t, `{"sent":true}`, string(stored.Result))
		assert.NotNil(t, stored.FinishedOn)
		assert.Empty(t, stored.LockToken)
	})

	t.Run("retry delays the job", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		job, err := b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Retry(ctx, job, "w:1", time.Now().Add(time.Hour), "smtp timeout"))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateDelayed, stored.State)
		assert.Equal(t, "smtp timeout", stored.LastError)

		n, err := b.PromoteDelayed(ctx, "email", time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("fail and retry job", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		assert.ErrorIs(t, q.RetryJob(ctx, "1"), queue.ErrJobNotFailed)
		assert.ErrorIs(t, q.RetryJob(ctx, "404"), queue.ErrJobNotFound)

		job, err := b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Fail(ctx, job, "w:1", "boom"))

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, stored.State)
		assert.Equal(t, "boom", stored.FailedReason)

		require.NoError(t, q.RetryJob(ctx, job.ID))
		stored, err = q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaiting, stored.State)
		assert.Zero(t, stored.AttemptsMade)
		assert.Empty(t, stored.FailedReason)
	})

	t.Run("extend lock", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		job, err := b.Lease(ctx, "email", "w:1", time.Second)
		require.NoError(t, err)

		require.NoError(t, b.ExtendLock(ctx, "email", job.ID, "w:1", time.Hour))
		assert.ErrorIs(t, b.ExtendLock(ctx, "email", job.ID, "w:2", time.Hour), queue.ErrLockMismatch)

		stored, err := q.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LockedUntil)
		assert.True(t, stored.LockedUntil.After(time.Now().Add(30*time.Minute)))
	})
}

func TestBroker_Retention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("remove immediately", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil, queue.WithRemoveOnComplete(queue.RemoveImmediately()))
		require.NoError(t, err)

		job, err := b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, job, "w:1", nil))

		_, err = q.GetJob(ctx, job.ID)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})

	t.Run("keeps the most recent count", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")

		for range 3 {
			_, err := q.Add(ctx, "job", nil, queue.WithRemoveOnComplete(queue.KeepFor(0, 2)))
			require.NoError(t, err)
			job, err := b.Lease(ctx, "email", "w:1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, b.Complete(ctx, job, "w:1", nil))
			time.Sleep(2 * time.Millisecond)
		}

		jobs, err := q.GetJobs(ctx, queue.StateCompleted, 0, -1)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "3", jobs[0].ID)
		assert.Equal(t, "2", jobs[1].ID)
	})
}

func TestBroker_RecoverStalled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBroker(t)
	q := newTestQueue(t, b, "email")
	_, err := q.Add(ctx, "again", nil, queue.WithAttempts(3))
	require.NoError(t, err)
	_, err = q.Add(ctx, "last", nil, queue.WithAttempts(1))
	require.NoError(t, err)

	_, err = b.Lease(ctx, "email", "w:1", time.Millisecond)
	require.NoError(t, err)
	_, err = b.Lease(ctx, "email", "w:1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := b.RecoverStalled(ctx, "email", time.Now(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Recovered)
	assert.Equal(t, []string{"2"}, res.Failed)

	recovered, err := q.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, recovered.State)
	assert.Equal(t, 1, recovered.StalledCount)

	failed, err := q.GetJob(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, failed.State)
	assert.Equal(t, queue.StalledReason, failed.FailedReason)
}

func TestBroker_Flows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newFlows := func(t *testing.T, b *redisbroker.Broker) *queue.FlowProducer {
		f, err := queue.NewFlowProducer(b, queue.WithFlowLogger(discardLogger()))
		require.NoError(t, err)
		return f
	}

	t.Run("parent waits for children across queues", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		node, err := newFlows(t, b).Add(ctx, queue.FlowJob{
			Name:  "report",
			Queue: "data-export",
			Children: []queue.FlowJob{
				{Name: "extract", Queue: "file-processing"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaitingChildren, node.Job.State)

		child, err := b.Lease(ctx, "file-processing", "w:1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, child, "w:1", nil))

		parent, err := b.GetJob(ctx, "data-export", node.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaiting, parent.State)
	})

	t.Run("failed child fails parent", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		node, err := newFlows(t, b).Add(ctx, queue.FlowJob{
			Name:  "report",
			Queue: "data-export",
			Children: []queue.FlowJob{
				{Name: "extract", Queue: "file-processing"},
			},
		})
		require.NoError(t, err)

		child, err := b.Lease(ctx, "file-processing", "w:1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Fail(ctx, child, "w:1", "disk full"))

		parent, err := b.GetJob(ctx, "data-export", node.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, parent.State)
		assert.Equal(t, queue.ChildFailedReason(child.Key(), "disk full"), parent.FailedReason)
	})

	t.Run("completed child id is not waited for", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "file-processing")
		_, err := q.Add(ctx, "extract", nil, queue.WithJobID("extract-1"))
		require.NoError(t, err)
		child, err := b.Lease(ctx, "file-processing", "w:1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Complete(ctx, child, "w:1", nil))

		node, err := newFlows(t, b).Add(ctx, queue.FlowJob{
			Name:  "report",
			Queue: "data-export",
			Children: []queue.FlowJob{
				{Name: "extract", Queue: "file-processing", Opts: []queue.JobOption{queue.WithJobID("extract-1")}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateCompleted, node.Children[0].Job.State)
		assert.Equal(t, queue.StateWaiting, node.Job.State)

		parent, err := b.GetJob(ctx, "data-export", node.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaiting, parent.State)
	})

	t.Run("pending child id is adopted", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "file-processing")
		_, err := q.Add(ctx, "extract", nil, queue.WithJobID("extract-2"))
		require.NoError(t, err)

		node, err := newFlows(t, b).Add(ctx, queue.FlowJob{
			Name:  "report",
			Queue: "data-export",
			Children: []queue.FlowJob{
				{Name: "extract", Queue: "file-processing", Opts: []queue.JobOption{queue.WithJobID("extract-2")}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaitingChildren, node.Job.State)

		child, err := b.Lease(ctx, "file-processing", "w:1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, child.Parent)
		assert.Equal(t, node.Job.ID, child.Parent.ID)
		require.NoError(t, b.Complete(ctx, child, "w:1", nil))

		parent, err := b.GetJob(ctx, "data-export", node.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaiting, parent.State)
	})

	t.Run("child id owned by another parent fails the parent", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		flows := newFlows(t, b)
		shared := queue.FlowJob{Name: "extract", Queue: "file-processing", Opts: []queue.JobOption{queue.WithJobID("shared")}}

		first, err := flows.Add(ctx, queue.FlowJob{Name: "report", Queue: "data-export", Children: []queue.FlowJob{shared}})
		require.NoError(t, err)
		second, err := flows.Add(ctx, queue.FlowJob{Name: "summary", Queue: "data-export", Children: []queue.FlowJob{shared}})
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, second.Job.State)

		parent, err := b.GetJob(ctx, "data-export", second.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, parent.State)
		assert.Equal(t, queue.ChildFailedReason("file-processing:shared", queue.ErrChildHasParent.Error()), parent.FailedReason)

		owner, err := b.GetJob(ctx, "data-export", first.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaitingChildren, owner.State)
	})
}

func TestBroker_Maintenance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("clean", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		for range 3 {
			_, err := q.Add(ctx, "job", nil)
			require.NoError(t, err)
		}
		time.Sleep(5 * time.Millisecond)

		removed, err := q.Clean(ctx, 0, 2, queue.StateWaiting)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, removed)

		_, err = q.Clean(ctx, 0, 0, queue.StateActive)
		assert.ErrorIs(t, err, queue.ErrInvalidState)
	})

	t.Run("drain", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "now", nil)
		require.NoError(t, err)
		_, err = q.Add(ctx, "later", nil, queue.WithDelay(time.Hour))
		require.NoError(t, err)

		require.NoError(t, q.Drain(ctx, false))
		m, err := q.Metrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, m.Waiting)
		assert.Equal(t, 1, m.Delayed)

		require.NoError(t, q.Drain(ctx, true))
		m, err = q.Metrics(ctx)
		require.NoError(t, err)
		assert.Zero(t, m.Total)
	})

	t.Run("obliterate", func(t *testing.T) {
		t.Parallel()
		b, rdb := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)
		_, err = q.Add(ctx, "job", nil)
		require.NoError(t, err)
		_, err = b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, q.Obliterate(ctx, false), queue.ErrQueueHasActiveJobs)
		require.NoError(t, q.Obliterate(ctx, true))

		keys, err := rdb.Keys(ctx, "test:email:*").Result()
		require.NoError(t, err)
		assert.Empty(t, keys)

		names, err := b.QueueNames(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("obliterate restarts ids and ordering", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		for range 3 {
			_, err := q.Add(ctx, "job", nil)
			require.NoError(t, err)
		}
		require.NoError(t, q.Obliterate(ctx, true))

		first, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)
		second, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)
		assert.Equal(t, "1", first.ID)
		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, int64(2), second.Seq)

		leased, err := b.Lease(ctx, "email", "w:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.ID, leased.ID)
	})

	t.Run("logs and progress", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		q := newTestQueue(t, b, "email")
		_, err := q.Add(ctx, "job", nil)
		require.NoError(t, err)

		n, err := b.AddLog(ctx, "email", "1", "first")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = b.AddLog(ctx, "email", "1", "second")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		logs, err := q.GetJobLogs(ctx, "1", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, logs)

		require.NoError(t, b.UpdateProgress(ctx, "email", "1", json.RawMessage(`50`)))
		job, err := q.GetJob(ctx, "1")
		require.NoError(t, err)
		assert.JSONEq(t, `50`, string(job.Progress))

		_, err = b.AddLog(ctx, "email", "404", "x")
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
		assert.ErrorIs(t, b.UpdateProgress(ctx, "email", "404", nil), queue.ErrJobNotFound)
	})
}

func TestBroker_Repeats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newTestBroker(t)
	now := time.Now()
	def := &queue.RepeatDefinition{
		Key:       "cleanup::1m0s:",
		Queue:     "cleanup",
		Name:      "cleanup",
		Every:     time.Minute,
		NextRunAt: now.Add(-time.Second),
		CreatedAt: now,
	}
	require.NoError(t, b.SaveRepeat(ctx, def))

	got, err := b.GetRepeat(ctx, "cleanup", def.Key)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.Every)

	claimed, err := b.ClaimDueRepeats(ctx, "cleanup", now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := b.ClaimDueRepeats(ctx, "cleanup", now)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed definition must be hidden until saved")

	claimed[0].NextRunAt = now.Add(-time.Millisecond)
	require.NoError(t, b.SaveRepeat(ctx, claimed[0]))
	again, err = b.ClaimDueRepeats(ctx, "cleanup", now)
	require.NoError(t, err)
	assert.Len(t, again, 1)

	defs, err := b.ListRepeats(ctx, "cleanup")
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NoError(t, b.RemoveRepeat(ctx, "cleanup", def.Key))
	assert.ErrorIs(t, b.RemoveRepeat(ctx, "cleanup", def.Key), queue.ErrRepeatNotFound)
	_, err = b.GetRepeat(ctx, "cleanup", def.Key)
	assert.ErrorIs(t, err, queue.ErrRepeatNotFound)
}

func TestBroker_Subscribe(t *testing.T) {
	t.Parallel()
	b, _ := newTestBroker(t)
	q := newTestQueue(t, b, "email")

	ctx, cancel := context.WithCancel(context.Background())
	wake, err := b.Subscribe(ctx, "email")
	require.NoError(t, err)

	_, err = q.Add(context.Background(), "job", nil)
	require.NoError(t, err)

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal after add")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-wake:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_WithWorker(t *testing.T) {
	t.Parallel()
	b, _ := newTestBroker(t)
	q := newTestQueue(t, b, "email")

	w, err := queue.NewWorker(b, "email", queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) (any, error) {
		if _, err := job.Log(ctx, "sending"); err != nil {
			return nil, err
		}
		return map[string]string{"status": "sent"}, nil
	}), queue.WithConcurrency(2), queue.WithPollInterval(20*time.Millisecond), queue.WithWorkerLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})

	ctx := context.Background()
	for range 5 {
		_, err := q.Add(ctx, "welcome", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		m, err := q.Metrics(ctx)
		return err == nil && m.Completed == 5
	}, 5*time.Second, 20*time.Millisecond)

	logs, err := q.GetJobLogs(ctx, "3", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"sending"}, logs)
}
