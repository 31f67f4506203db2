// Package archive copies finished jobs into Postgres.
//
// Job records in the broker are short lived: retention policies and the
// daily cleanup remove them. The Archiver listens to queue events and upserts
// every completed or failed job into the job_archive table, so job history
// survives both.
//
//	if err := archive.Migrate(ctx, pool, pgCfg, log); err != nil {
//		return err
//	}
//	a := archive.New(manager, archive.NewPostgresStore(pool), archive.WithLogger(log))
//	g.Go(func() error { return a.Run(ctx) })
//
// A record is written at most once per terminal transition; a job retried from
// the admin API and finishing again overwrites its previous row.
package archive
