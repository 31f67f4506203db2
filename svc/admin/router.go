package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/jobqueue/pkg/environment"
	"github.com/dmitrymomot/jobqueue/pkg/httpserver"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/ratelimiter"
	"github.com/dmitrymomot/jobqueue/pkg/requestid"
)

// Registry resolves queues and reports workers; *queue.Manager satisfies it
type Registry interface {
	Queue(name string) (*queue.Queue, error)
	QueueNames() []string
	WorkerMetrics(name string) (queue.WorkerMetrics, error)
}

type options struct {
	logger       *slog.Logger
	env          environment.Environment
	limiter      ratelimiter.RateLimiter
	checks       map[string]httpserver.CheckFunc
	checkTimeout time.Duration
}

// Option configures the router
type Option func(*options)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithEnvironment stores env in every request context; production hides error details
func WithEnvironment(env environment.Environment) Option {
	return func(o *options) {
		o.env = env
	}
}

// WithRateLimiter limits the queue and job routes per client IP.
// Health routes are never limited.
func WithRateLimiter(l ratelimiter.RateLimiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithReadinessChecks sets the dependencies probed by /health/ready
func WithReadinessChecks(checks map[string]httpserver.CheckFunc, timeout time.Duration) Option {
	return func(o *options) {
		o.checks = checks
		o.checkTimeout = timeout
	}
}

// Router builds the admin API on top of reg
func Router(reg Registry, opts ...Option) chi.Router {
	o := &options{
		logger: slog.Default(),
		env:    environment.Development,
	}
	for _, opt := range opts {
		opt(o)
	}
	h := &handlers{reg: reg, logger: o.logger.With(logger.Component("admin"))}

	r := chi.NewRouter()
	r.Use(requestid.Middleware, environment.Middleware(o.env))

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(o.logger, o.checkTimeout, o.checks))

	r.Group(func(r chi.Router) {
		if o.limiter != nil {
			r.Use(ratelimiter.Middleware(o.limiter, ratelimiter.ClientIP,
				ratelimiter.WithLimitedHandler(func(w http.ResponseWriter, r *http.Request, _ *ratelimiter.Result) {
					writeError(w, r, h.logger, ErrTooManyCalls, ErrTooManyCalls.Message)
				}),
				ratelimiter.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
					writeError(w, r, h.logger, err, "Rate limiter unavailable")
				}),
			))
		}

		r.Get("/queues/status", h.status)
		r.Route("/queues/{name}", func(r chi.Router) {
			r.Delete("/", h.obliterate)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Post("/drain", h.drain)
			r.Post("/clean", h.clean)
			r.Get("/jobs", h.listJobs)
			r.Get("/repeats", h.listRepeats)
			r.Delete("/repeats/{key}", h.removeRepeat)
		})
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.removeJob)
			r.Post("/retry", h.retryJob)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", RequestID: requestid.FromContext(r.Context())})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed", RequestID: requestid.FromContext(r.Context())})
	})

	return r
}
