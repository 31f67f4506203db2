package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster delivers messages to subscribers in every process that
// listens on the same Redis pub/sub channel. Messages are JSON encoded and
// delivery is at most once: subscribers that are offline miss them.
type RedisBroadcaster[T any] struct {
	rdb        redis.UniversalClient
	channel    string
	bufferSize int
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber[T]]*redis.PubSub
	closed bool
}

// RedisOption configures a RedisBroadcaster
type RedisOption func(*redisConfig)

type redisConfig struct {
	bufferSize int
	logger     *slog.Logger
}

// WithBufferSize sets the per-subscriber buffer
func WithBufferSize(n int) RedisOption {
	return func(c *redisConfig) {
		c.bufferSize = max(n, 1)
	}
}

// WithLogger sets the logger for decode and subscription errors
func WithLogger(logger *slog.Logger) RedisOption {
	return func(c *redisConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRedisBroadcaster creates a broadcaster publishing to channel
func NewRedisBroadcaster[T any](rdb redis.UniversalClient, channel string, opts ...RedisOption) (*RedisBroadcaster[T], error) {
	if rdb == nil {
		return nil, ErrClientNil
	}
	cfg := &redisConfig{bufferSize: 256, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisBroadcaster[T]{
		rdb:        rdb,
		channel:    channel,
		bufferSize: cfg.bufferSize,
		logger:     cfg.logger.With(slog.String("channel", channel)),
		subs:       make(map[*subscriber[T]]*redis.PubSub),
	}, nil
}

// Subscribe implements Broadcaster. It returns once the server confirmed the subscription.
func (b *RedisBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	sub := newSubscriber[T](b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close()
		return sub
	}
	pubsub := b.rdb.Subscribe(context.Background(), b.channel)
	b.subs[sub] = pubsub
	sub.onDone = func() { b.unsubscribe(sub) }
	b.mu.Unlock()

	if _, err := pubsub.Receive(ctx); err != nil {
		b.logger.WarnContext(ctx, "subscription not confirmed, messages may be missed", slog.String("error", err.Error()))
	}

	msgs := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var data T
				if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
					b.logger.Warn("dropping undecodable message", slog.String("error", err.Error()))
					continue
				}
				sub.send(Message[T]{Data: data})
			}
		}
	}()

	return sub
}

// Broadcast implements Broadcaster.
func (b *RedisBroadcaster[T]) Broadcast(ctx context.Context, msg Message[T]) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}

	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

// Close implements Broadcaster. The redis client is left open.
func (b *RedisBroadcaster[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (b *RedisBroadcaster[T]) unsubscribe(sub *subscriber[T]) {
	b.mu.Lock()
	pubsub, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if ok {
		_ = pubsub.Close()
	}
}
