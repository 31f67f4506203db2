package queue_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func TestNewTypedProcessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := queue.NewTypedProcessor(func(ctx context.Context, job *queue.Job, payload emailPayload) (any, error) {
		return payload.To + "|" + payload.Subject, nil
	})

	t.Run("decodes payload", func(t *testing.T) {
		t.Parallel()

		res, err := p.Process(ctx, &queue.Job{Name: "send-email", Data: json.RawMessage(`{"to":"a@b.c","subject":"hi"}`)})
		require.NoError(t, err)
		assert.Equal(t, "a@b.c|hi", res)
	})

	t.Run("empty payload yields zero value", func(t *testing.T) {
		t.Parallel()

		res, err := p.Process(ctx, &queue.Job{Name: "send-email"})
		require.NoError(t, err)
		assert.Equal(t, "|", res)
	})

	t.Run("malformed payload is unrecoverable", func(t *testing.T) {
		t.Parallel()

		_, err := p.Process(ctx, &queue.Job{Name: "send-email", Queue: "email", ID: "1", Data: json.RawMessage(`[1,2]`)})
		require.Error(t, err)
		assert.True(t, queue.IsUnrecoverable(err))
	})
}

func TestRouter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := queue.NewRouter().
		HandleFunc("send-email", func(ctx context.Context, job *queue.Job) (any, error) { return "email", nil }).
		Handle("send-webhook", queue.ProcessorFunc(func(ctx context.Context, job *queue.Job) (any, error) { return "webhook", nil })).
		Handle("", nil)

	assert.Equal(t, []string{"send-email", "send-webhook"}, r.Names())

	res, err := r.Process(ctx, &queue.Job{Name: "send-webhook"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", res)

	_, err = r.Process(ctx, &queue.Job{Name: "unknown"})
	assert.ErrorIs(t, err, queue.ErrHandlerNotFound)
	assert.True(t, queue.IsUnrecoverable(err))
}

func TestJob_ReportingOutsideWorker(t *testing.T) {
	t.Parallel()

	job := &queue.Job{ID: "1", Queue: "default"}
	assert.ErrorIs(t, job.UpdateProgress(context.Background(), 10), queue.ErrJobNotActive)

	_, err := job.Log(context.Background(), "line")
	assert.ErrorIs(t, err, queue.ErrJobNotActive)
}
