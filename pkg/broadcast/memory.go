package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBroadcaster delivers messages within one process.
// A subscriber whose buffer is full misses the message but stays subscribed.
type MemoryBroadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[*subscriber[T]]struct{}
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewMemoryBroadcaster creates an in-memory broadcaster with the given per-subscriber buffer (at least 1).
func NewMemoryBroadcaster[T any](bufferSize int) *MemoryBroadcaster[T] {
	return &MemoryBroadcaster[T]{
		subscribers: make(map[*subscriber[T]]struct{}),
		bufferSize:  max(bufferSize, 1),
	}
}

// Subscribe implements Broadcaster.
func (b *MemoryBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	sub := newSubscriber[T](b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close()
		return sub
	}
	b.subscribers[sub] = struct{}{}
	sub.onDone = func() { b.unsubscribe(sub) }
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub
}

// Broadcast implements Broadcaster.
func (b *MemoryBroadcaster[T]) Broadcast(ctx context.Context, msg Message[T]) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	for sub := range b.subscribers {
		if !sub.send(msg) {
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber buffer was full
func (b *MemoryBroadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close implements Broadcaster.
func (b *MemoryBroadcaster[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	clear(b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (b *MemoryBroadcaster[T]) unsubscribe(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
}
