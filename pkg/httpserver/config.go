package httpserver

import "time"

// Config is the environment configuration of the admin HTTP server
type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// NewFromConfig creates a Server from cfg; opts are applied after it
func NewFromConfig(cfg Config, opts ...Option) *Server {
	return New(append([]Option{
		WithAddr(cfg.Addr),
		WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)...)
}
