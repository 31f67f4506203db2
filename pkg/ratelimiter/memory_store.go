package ratelimiter

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	tokens     int
	refilledAt time.Time
	touchedAt  time.Time
}

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket

	sweepEvery time.Duration
	idleTTL    time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often idle buckets are dropped; 0 disables the sweeper.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.sweepEvery = interval
	}
}

// WithIdleTTL sets how long an untouched bucket survives a sweep
func WithIdleTTL(ttl time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if ttl > 0 {
			ms.idleTTL = ttl
		}
	}
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		buckets:    make(map[string]*memoryBucket),
		sweepEvery: 5 * time.Minute,
		idleTTL:    time.Hour,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	if ms.sweepEvery > 0 {
		go ms.sweepLoop()
	}
	return ms
}

// ConsumeTokens implements Store.
func (ms *MemoryStore) ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	b, ok := ms.buckets[key]
	if !ok {
		b = &memoryBucket{tokens: config.Capacity, refilledAt: now}
		ms.buckets[key] = b
	}
	b.touchedAt = now

	if intervals := min(int64(now.Sub(b.refilledAt)/config.RefillInterval), config.maxIntervals()); intervals > 0 {
		b.tokens = min(b.tokens+int(intervals)*config.RefillRate, config.Capacity)
		b.refilledAt = now
	}

	resetAt := b.refilledAt.Add(config.RefillInterval)
	if b.tokens < tokens {
		return b.tokens - tokens, resetAt, nil
	}
	b.tokens -= tokens
	return b.tokens, resetAt, nil
}

// Reset implements Store.
func (ms *MemoryStore) Reset(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.buckets, key)
	return nil
}

// Len returns the number of tracked buckets
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return len(ms.buckets)
}

func (ms *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(ms.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.sweep(time.Now())
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStore) sweep(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, b := range ms.buckets {
		if now.Sub(b.touchedAt) > ms.idleTTL {
			delete(ms.buckets, key)
		}
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (ms *MemoryStore) Close() {
	ms.closeOnce.Do(func() { close(ms.done) })
}
