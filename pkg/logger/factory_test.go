package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/environment"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json by default", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf))
		log.Debug("hidden")
		log.Info("hello", logger.Queue("email"))

		entry := decode(t, buf)
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "hello", entry["msg"])
		assert.Equal(t, "email", entry["queue"])
	})

	t.Run("text format", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithFormat(logger.FormatText))
		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("static attributes", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithAttr(slog.String("worker", "w1")))
		log.Info("msg")
		assert.Equal(t, "w1", decode(t, buf)["worker"])
	})

	t.Run("context extractors", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(
			logger.WithOutput(buf),
			logger.WithContextExtractors(nil, environment.LoggerExtractor()),
		)
		ctx := environment.WithContext(context.Background(), environment.Staging)
		log.InfoContext(ctx, "msg")
		assert.Equal(t, "staging", decode(t, buf)["env"])
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			logger.New(logger.WithFormat(logger.Format("xml")))
		})
	})
}

func TestWithEnvironment(t *testing.T) {
	t.Parallel()

	t.Run("development", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithEnvironment(environment.Development, "jobqueue"))
		log.Debug("verbose")
		out := buf.String()
		assert.Contains(t, out, "level=DEBUG")
		assert.Contains(t, out, "service=jobqueue")
		assert.Contains(t, out, "env=development")
	})

	t.Run("production", func(t *testing.T) {
		t.Parallel()
		buf := &bytes.Buffer{}
		log := logger.New(logger.WithOutput(buf), logger.WithEnvironment(environment.Production, "jobqueue"))
		log.Debug("verbose")
		assert.Empty(t, buf.String())

		log.Info("msg")
		entry := decode(t, buf)
		assert.Equal(t, "jobqueue", entry["service"])
		assert.Equal(t, "production", entry["env"])
	})
}

func TestWithConfig(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.New(
		logger.WithOutput(buf),
		logger.WithEnvironment(environment.Production, "jobqueue"),
		logger.WithConfig(logger.Config{Level: "warn", Format: "TEXT"}),
	)
	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "level=WARN")

	// Unparseable levels keep the current one
	buf.Reset()
	log = logger.New(logger.WithOutput(buf), logger.WithConfig(logger.Config{Level: "loud"}))
	log.Info("msg")
	assert.NotEmpty(t, buf.String())
}

func TestSetAsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	buf := &bytes.Buffer{}
	logger.SetAsDefault(logger.New(logger.WithOutput(buf)))
	slog.Info("default")
	assert.Equal(t, "default", decode(t, buf)["msg"])
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := logger.Discard()
	require.NotNil(t, log)
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}
