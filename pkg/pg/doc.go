// Package pg provides the PostgreSQL plumbing used by the job archive and the
// database backup workload: a retrying pgx pool constructor, goose migrations,
// a health check and a COPY based SQL dump.
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	// Migrations embedded by the package owning the tables
//	if err := pg.MigrateFS(ctx, pool, migrations, "migrations", cfg, logger); err != nil {
//		return err
//	}
//
// # Dumps
//
// Dump writes a plain SQL file restorable with psql. Table data is streamed with
// COPY ... TO STDOUT, several tables at a time when DumpOptions.Parallel is set.
// Schema-only dumps contain CREATE TABLE statements with column types and NOT NULL
// only; indexes, defaults and foreign keys are not reproduced.
//
//	var buf bytes.Buffer
//	stats, err := pg.Dump(ctx, pool, &buf, pg.DumpOptions{Mode: pg.DumpFull, Parallel: 4})
//
// Failures wrap the package sentinels with [errors.Join], so callers match them with
// [errors.Is], for example [ErrDumpFailed] or [ErrFailedToApplyMigrations].
package pg
