// Package redis supplies the shared Redis connection used by the job queue.
//
// A Provider builds one go-redis client per process on the first call to Get
// and returns the cached client afterwards. Get never waits for the server:
// commands issued while Redis is unreachable block in the dialer, which waits
// ReconnectBackoff(attempt) between consecutive failed dials (one more second
// per attempt, capped by MaxRetryBackoff). Client-side command retries are
// disabled, so broker operations fail fast and callers decide what to do.
//
// Connection lifecycle transitions (created, connected, ready, reconnecting,
// closed) are logged through slog and the last one is available from State.
//
// Configuration is described by the Config struct whose fields can be
// populated from environment variables via github.com/caarlos0/env.
//
// # Usage
//
//	provider := redis.NewProvider(cfg, logger)
//	defer provider.Close()
//
//	// Optional startup check with retries
//	if err := provider.WaitReady(ctx); err != nil {
//		return err
//	}
//
//	client, err := provider.Get()
//	if err != nil {
//		return err
//	}
//
// Register a health-check in your readiness probe:
//
//	checker := redis.Healthcheck(client)
//	if err := checker(ctx); err != nil {
//		// redis is not healthy
//	}
//
// # Errors
//
// The package defines sentinel errors (e.g. ErrRedisNotReady) that wrap the
// underlying go-redis errors using errors.Join.
package redis
