package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a connection pool and pings it, retrying with a linearly growing
// wait: attempt n waits n*RetryInterval. Waits end early when ctx is done.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrEmptyConnectionString
	}
	connConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseDBConfig, err)
	}
	connConfig.MaxConns = cfg.MaxOpenConns
	connConfig.MinConns = cfg.MaxIdleConns
	connConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	connConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	connConfig.MaxConnLifetime = cfg.MaxConnLifetime

	var lastErr error
	for i := range max(cfg.RetryAttempts, 1) {
		if i > 0 {
			timer := time.NewTimer(time.Duration(i) * cfg.RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Join(ErrFailedToOpenDBConnection, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		pool, err := pgxpool.NewWithConfig(ctx, connConfig)
		if err != nil {
			lastErr = err
			continue
		}

		// Ping catches authentication and permission problems the pool defers
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			lastErr = err
			continue
		}

		return pool, nil
	}

	return nil, errors.Join(ErrFailedToOpenDBConnection, lastErr)
}
