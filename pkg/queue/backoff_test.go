package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

func TestBackoff_Next(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backoff  queue.Backoff
		attempts int
		want     time.Duration
	}{
		{"fixed first attempt", queue.Backoff{Type: queue.BackoffFixed, Delay: time.Second}, 1, time.Second},
		{"fixed fifth attempt", queue.Backoff{Type: queue.BackoffFixed, Delay: time.Second}, 5, time.Second},
		{"exponential first attempt", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}, 1, time.Second},
		{"exponential second attempt", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second}, 2, 2 * time.Second},
		{"exponential fourth attempt", queue.Backoff{Type: queue.BackoffExponential, Delay: 500 * time.Millisecond}, 4, 4 * time.Second},
		{"zero delay", queue.Backoff{Type: queue.BackoffExponential}, 3, 0},
		{"empty type is fixed", queue.Backoff{Delay: 3 * time.Second}, 4, 3 * time.Second},
		{"huge attempt count is capped", queue.Backoff{Type: queue.BackoffExponential, Delay: time.Millisecond}, 1000, time.Millisecond << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.backoff.Next(tt.attempts))
		})
	}
}
