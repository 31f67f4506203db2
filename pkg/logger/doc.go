// Package logger builds *slog.Logger values for the job queue and provides
// attribute helpers so queue, job and worker fields are named the same
// everywhere.
//
// New takes functional options. WithEnvironment picks the defaults of a
// deployment, WithConfig applies LOG_LEVEL and LOG_FORMAT on top, and
// WithContextExtractors injects attributes carried by the logging context:
//
//	log := logger.New(
//		logger.WithEnvironment(env, "jobqueue"),
//		logger.WithConfig(logCfg),
//		logger.WithContextExtractors(environment.LoggerExtractor()),
//	)
//	log.InfoContext(ctx, "job completed", logger.Queue(q), logger.JobID(id))
//
// Error and Errors return an empty attribute for nil errors, so they can be
// passed unconditionally.
package logger
