// Command jobqueue runs the queue workers, the schedulers, the job archive and
// the admin HTTP API in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/jobqueue/pkg/broadcast"
	"github.com/dmitrymomot/jobqueue/pkg/config"
	"github.com/dmitrymomot/jobqueue/pkg/email"
	"github.com/dmitrymomot/jobqueue/pkg/environment"
	"github.com/dmitrymomot/jobqueue/pkg/file"
	"github.com/dmitrymomot/jobqueue/pkg/httpserver"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/pg"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/redisbroker"
	"github.com/dmitrymomot/jobqueue/pkg/ratelimiter"
	"github.com/dmitrymomot/jobqueue/pkg/redis"
	"github.com/dmitrymomot/jobqueue/pkg/requestid"
	"github.com/dmitrymomot/jobqueue/pkg/webhook"
	"github.com/dmitrymomot/jobqueue/svc/admin"
	"github.com/dmitrymomot/jobqueue/svc/archive"
	"github.com/dmitrymomot/jobqueue/svc/jobs"
)

// Config is the process configuration, read from the environment and an optional .env file
type Config struct {
	App      environment.Config
	Log      logger.Config
	Redis    redis.Config
	Postgres pg.Config
	Queue    queue.Config
	HTTP     httpserver.Config
	Blob     file.S3Config
	Email    email.Config
	Jobs     jobs.Config

	KeyPrefix      string        `env:"QUEUE_KEY_PREFIX" envDefault:"jq"`
	EventsChannel  string        `env:"QUEUE_EVENTS_CHANNEL" envDefault:"jq:events"`
	AdminRateLimit int           `env:"ADMIN_RATE_LIMIT" envDefault:"60"`
	AdminRatePer   time.Duration `env:"ADMIN_RATE_PER" envDefault:"1m"`
	ReadyTimeout   time.Duration `env:"READINESS_TIMEOUT" envDefault:"5s"`
}

func main() {
	var cfg Config
	config.MustLoad(&cfg)

	env := cfg.App.Environment()
	log := logger.New(
		logger.WithEnvironment(env, "jobqueue"),
		logger.WithConfig(cfg.Log),
		logger.WithContextExtractors(
			environment.LoggerExtractor(),
			requestid.LoggerExtractor(),
		),
	)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, env, log); err != nil {
		log.Error("jobqueue stopped with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("jobqueue stopped")
}

func run(ctx context.Context, cfg Config, env environment.Environment, log *slog.Logger) error {
	provider := redis.NewProvider(cfg.Redis, log)
	defer func() { _ = provider.Close() }()

	if err := provider.WaitReady(ctx); err != nil {
		return err
	}
	rdb, err := provider.Get()
	if err != nil {
		return err
	}

	broker, err := redisbroker.New(rdb,
		redisbroker.WithPrefix(cfg.KeyPrefix),
		redisbroker.WithLogger(log.With(logger.Component("broker"))),
	)
	if err != nil {
		return err
	}

	events, err := broadcast.NewRedisBroadcaster[queue.Event](rdb, cfg.EventsChannel,
		broadcast.WithLogger(log.With(logger.Component("events"))))
	if err != nil {
		return err
	}
	defer func() { _ = events.Close() }()

	manager, err := queue.NewManager(broker, append(cfg.Queue.ManagerOptions(),
		queue.WithEvents(events),
		queue.WithManagerLogger(log.With(logger.Component("queue"))),
	)...)
	if err != nil {
		return err
	}

	limits, err := ratelimiter.NewRedisStore(rdb, cfg.KeyPrefix+":ratelimit")
	if err != nil {
		return err
	}

	store, err := file.NewBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	sender, err := email.NewSender(cfg.Email)
	if err != nil {
		return err
	}

	checks := map[string]httpserver.CheckFunc{
		"redis": redis.Healthcheck(rdb),
	}

	var (
		pool   *pgxpool.Pool
		dumper jobs.Dumper
	)
	if cfg.Postgres.ConnectionString != "" {
		pool, err = pg.Connect(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := archive.Migrate(ctx, pool, cfg.Postgres, log); err != nil {
			return err
		}
		checks["postgres"] = pg.Healthcheck(pool)
		dumper = jobs.PoolDumper(pool)
	} else {
		log.InfoContext(ctx, "postgres is not configured, job archive and backups are disabled")
	}

	jobChecks := make(map[string]jobs.CheckFunc, len(checks))
	for name, check := range checks {
		jobChecks[name] = jobs.CheckFunc(check)
	}

	if err := jobs.Register(manager, jobs.Deps{
		Email:      sender,
		Webhooks:   webhook.NewSender(),
		Store:      store,
		Dumper:     dumper,
		Checks:     jobChecks,
		RateLimits: limits,
		Config:     cfg.Jobs,
		Logger:     log.With(logger.Component("jobs")),
	}); err != nil {
		return errors.Join(err, closeManager(manager, cfg.Queue.ShutdownTimeout))
	}
	schedules := jobs.Schedules(dumper != nil && cfg.Jobs.Backup.Schedules)
	if err := jobs.ScheduleRecurring(ctx, manager, schedules); err != nil {
		return errors.Join(err, closeManager(manager, cfg.Queue.ShutdownTimeout))
	}

	adminLimit, err := ratelimiter.NewBucket(limits, ratelimiter.Config{
		Capacity:       cfg.AdminRateLimit,
		RefillRate:     cfg.AdminRateLimit,
		RefillInterval: cfg.AdminRatePer,
	})
	if err != nil {
		return errors.Join(err, closeManager(manager, cfg.Queue.ShutdownTimeout))
	}
	router := admin.Router(manager,
		admin.WithLogger(log.With(logger.Component("admin"))),
		admin.WithEnvironment(env),
		admin.WithRateLimiter(adminLimit),
		admin.WithReadinessChecks(checks, cfg.ReadyTimeout),
	)
	server := httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log.With(logger.Component("http"))))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, router) })
	g.Go(manager.Run(gctx))
	if pool != nil {
		archiver := archive.New(manager, archive.NewPostgresStore(pool),
			archive.WithLogger(log.With(logger.Component("archive"))))
		g.Go(func() error { return archiver.Run(gctx) })
	}

	log.InfoContext(ctx, "jobqueue started",
		slog.String("env", env.String()),
		slog.Any("queues", manager.QueueNames()),
		slog.Bool("archive", pool != nil),
	)
	return g.Wait()
}

func closeManager(m *queue.Manager, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Close(ctx)
}
