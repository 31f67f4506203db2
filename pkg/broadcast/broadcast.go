package broadcast

import (
	"context"
	"sync"
)

// Message wraps data of type T for type-safe broadcasting.
type Message[T any] struct {
	Data T
}

// Subscriber receives messages from a Broadcaster.
// Implementations must be safe for concurrent use.
type Subscriber[T any] interface {
	// Receive returns the channel messages are delivered on.
	// The channel is closed once the subscriber is closed.
	Receive(ctx context.Context) <-chan Message[T]

	// Close releases the subscription. It is idempotent.
	Close() error
}

// Broadcaster fans messages out to every subscriber.
// Slow consumers lose messages instead of blocking the sender.
type Broadcaster[T any] interface {
	// Subscribe registers a subscriber that lives until ctx is done or it is closed.
	Subscribe(ctx context.Context) Subscriber[T]

	// Broadcast delivers msg to all current subscribers.
	Broadcast(ctx context.Context, msg Message[T]) error

	// Close closes all subscribers. Later subscriptions are returned already closed.
	Close() error
}

// subscriber is a buffered channel shared by both implementations
type subscriber[T any] struct {
	mu        sync.RWMutex
	ch        chan Message[T]
	closed    bool
	closeOnce sync.Once
	onDone    func()
}

func newSubscriber[T any](bufferSize int) *subscriber[T] {
	return &subscriber[T]{ch: make(chan Message[T], bufferSize)}
}

func (s *subscriber[T]) Receive(ctx context.Context) <-chan Message[T] {
	return s.ch
}

func (s *subscriber[T]) Close() error {
	s.closeOnce.Do(func() {
		// Unregister first so a closed channel is never seen while still registered
		if s.onDone != nil {
			s.onDone()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

// send delivers msg without blocking and reports whether it was accepted
func (s *subscriber[T]) send(msg Message[T]) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}
