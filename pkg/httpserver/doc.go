// Package httpserver runs the admin HTTP server with graceful shutdown and
// provides liveness and readiness handlers.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	g.Go(func() error { return srv.Run(ctx, router) })
//
// Run returns once ctx is canceled and in-flight requests have drained, or the
// shutdown timeout elapsed. ReadinessHandler executes named CheckFunc values
// concurrently and answers 503 with the failing names when any check fails.
package httpserver
