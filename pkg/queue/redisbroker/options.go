package redisbroker

import (
	"log/slog"
	"time"
)

// Option is a functional option for configuring a Broker
type Option func(*Broker)

// WithPrefix sets the key prefix, "jq" by default
func WithPrefix(prefix string) Option {
	return func(b *Broker) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithRepeatClaimTTL sets how long a claimed repeat definition is hidden from other schedulers.
// A scheduler that crashes between claim and save delays that schedule by at most this long.
func WithRepeatClaimTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.claimTTL = d
		}
	}
}

// WithLogger sets the logger used for subscription errors
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}
