package redis

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// State is the last observed connection state of a Provider
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Provider hands out one shared client per process.
// The client is built lazily and never blocks on a handshake: commands issued
// while the server is down wait in the dialer, which backs off between
// consecutive failed dials.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	closed bool

	state    atomic.Value
	failures atomic.Int64
}

// NewProvider creates a provider; nothing is dialed until the first command
func NewProvider(cfg Config, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{
		cfg:    cfg,
		logger: log.With(logger.Component("redis")),
	}
	p.state.Store(StateIdle)
	return p
}

// ReconnectBackoff returns how long to wait before the given consecutive dial attempt.
// It grows by one second per attempt up to ceiling, 30s when ceiling is not positive.
func ReconnectBackoff(attempt int, ceiling time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	ceiling = cmp.Or(max(ceiling, 0), 30*time.Second)
	return min(time.Duration(attempt)*time.Second, ceiling)
}

// Get returns the shared client, creating it on the first call
func (p *Provider) Get() (*redis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	if p.cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}

	opts, err := redis.ParseURL(p.cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	// Commands fail fast instead of being retried by the client; the dialer owns reconnect pacing
	opts.MaxRetries = -1
	opts.Dialer = p.dialer(opts)
	opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		if p.failures.Swap(0) > 0 || p.State() != StateReady {
			p.setState(StateReady)
			p.logger.InfoContext(ctx, "redis connection ready", slog.String("addr", opts.Addr))
		}
		return nil
	}

	p.client = redis.NewClient(opts)
	p.setState(StateConnecting)
	p.logger.Info("redis client created", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))

	return p.client, nil
}

// State reports the last observed connection state
func (p *Provider) State() State {
	return p.state.Load().(State)
}

// Close closes the shared client. Get fails with ErrProviderClosed afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.setState(StateClosed)

	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.logger.Info("redis client closed")
	return err
}

func (p *Provider) setState(s State) {
	p.state.Store(s)
}

// dialer wraps the network dial with the reconnect backoff
func (p *Provider) dialer(opts *redis.Options) func(ctx context.Context, network, addr string) (net.Conn, error) {
	netDialer := &net.Dialer{
		Timeout:   cmp.Or(p.cfg.DialTimeout, opts.DialTimeout, 5*time.Second),
		KeepAlive: 5 * time.Minute,
	}
	tlsConfig := opts.TLSConfig

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if attempt := p.failures.Load(); attempt > 0 {
			wait := ReconnectBackoff(int(attempt), p.cfg.MaxRetryBackoff)
			p.setState(StateReconnecting)
			p.logger.WarnContext(ctx, "redis reconnecting",
				slog.String("addr", addr),
				logger.Attempt(int(attempt)),
				logger.Duration(wait))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		var (
			conn net.Conn
			err  error
		)
		if tlsConfig != nil {
			d := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
			conn, err = d.DialContext(ctx, network, addr)
		} else {
			conn, err = netDialer.DialContext(ctx, network, addr)
		}
		if err != nil {
			p.failures.Add(1)
			p.setState(StateReconnecting)
			p.logger.ErrorContext(ctx, "redis dial failed", slog.String("addr", addr), logger.Error(err))
			return nil, err
		}

		p.logger.DebugContext(ctx, "redis connected", slog.String("addr", addr))
		return conn, nil
	}
}
