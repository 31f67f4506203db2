package redis

import (
	"context"
	"errors"
	"time"
)

// WaitReady pings the server until it answers, up to RetryAttempts times with
// RetryInterval between attempts, all bounded by ConnectTimeout.
// It is meant for startup checks; Get itself never waits for the server.
func (p *Provider) WaitReady(ctx context.Context) error {
	client, err := p.Get()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	var lastErr error
	for range max(p.cfg.RetryAttempts, 1) {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(p.cfg.RetryInterval):
		}
	}

	return errors.Join(ErrRedisNotReady, lastErr)
}
