package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// Config defines the token bucket configuration.
type Config struct {
	Capacity       int           // Maximum tokens the bucket can hold (burst limit)
	RefillRate     int           // Number of tokens added per refill interval
	RefillInterval time.Duration // How often tokens are added
}

// Validate reports whether the bucket can ever admit a request
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// maxIntervals caps how many refill intervals are credited at once
func (c Config) maxIntervals() int64 {
	return int64(c.Capacity/c.RefillRate + 1)
}

// Result is the outcome of a rate limit check.
// Remaining is negative when the request was denied.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time // next refill
}

// Allowed reports whether the request was admitted
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next request, zero when admitted
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(time.Until(r.ResetAt), 0)
}

// Store persists bucket state.
type Store interface {
	// ConsumeTokens refills the bucket and takes tokens when enough are available.
	// A denied request takes nothing and gets remaining = available - tokens, which is negative.
	// Passing zero tokens only reports the current state.
	ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error)

	// Reset clears the state for key
	Reset(ctx context.Context, key string) error
}

// RateLimiter admits or denies requests by key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
	AllowN(ctx context.Context, key string, n int) (*Result, error)
	Status(ctx context.Context, key string) (*Result, error)
}

// Bucket is a token bucket limiter over a Store.
// With a RedisStore the bucket is shared by every process using the same key.
type Bucket struct {
	store  Store
	config Config
}

var _ RateLimiter = (*Bucket)(nil)

// NewBucket creates a token bucket limiter.
func NewBucket(store Store, config Config) (*Bucket, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{store: store, config: config}, nil
}

// Allow takes one token
func (b *Bucket) Allow(ctx context.Context, key string) (*Result, error) {
	return b.AllowN(ctx, key, 1)
}

// AllowN takes n tokens at once or none
func (b *Bucket) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTokenCount, n)
	}
	return b.consume(ctx, key, n)
}

// Status returns the current state without taking tokens.
func (b *Bucket) Status(ctx context.Context, key string) (*Result, error) {
	return b.consume(ctx, key, 0)
}

// Reset refills the bucket for key
func (b *Bucket) Reset(ctx context.Context, key string) error {
	return b.store.Reset(ctx, key)
}

func (b *Bucket) consume(ctx context.Context, key string, n int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, err)
	}

	remaining, resetAt, err := b.store.ConsumeTokens(ctx, key, n, b.config)
	if err != nil {
		return nil, err
	}
	return &Result{
		Limit:     b.config.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
