package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/logger"
)

// Server runs an http.Server until its context is canceled and then drains it
type Server struct {
	opts *options

	mu       sync.Mutex
	srv      *http.Server
	addr     net.Addr
	shutdown sync.Once
	done     chan struct{}
}

// New returns a Server; nothing listens until Run
func New(opts ...Option) *Server {
	o := &options{
		addr:            ":8080",
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Server{opts: o, done: make(chan struct{})}
}

// Run listens and serves handler until ctx is done, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	srv := &http.Server{
		Addr:              s.opts.addr,
		Handler:           handler,
		ReadTimeout:       s.opts.readTimeout,
		ReadHeaderTimeout: s.opts.readTimeout,
		WriteTimeout:      s.opts.writeTimeout,
		IdleTimeout:       s.opts.idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		s.mu.Unlock()
		return errors.Join(ErrStart, err)
	}
	s.srv = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	log := s.opts.logger
	log.InfoContext(ctx, "http server listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.ErrorContext(ctx, "http server shutdown failed", logger.Error(err))
		}
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrStart, err)
	}
	log.InfoContext(ctx, "http server stopped")
	return nil
}

// Addr returns the bound listener address, nil before Run
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown drains in-flight requests within the shutdown timeout.
// Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	var err error
	s.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	})
	if err != nil {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
