package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate applies the goose migrations found in cfg.MigrationsPath on disk.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, log logger) error {
	if cfg.MigrationsPath == "" {
		return errors.Join(ErrFailedToApplyMigrations, ErrMigrationPathNotProvided)
	}

	if _, err := os.Stat(cfg.MigrationsPath); err != nil {
		if os.IsNotExist(err) {
			return errors.Join(ErrMigrationsDirNotFound, err)
		}
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	return up(ctx, pool, nil, cfg.MigrationsPath, cfg.MigrationsTable, log)
}

// MigrateFS applies the goose migrations in dir of an embedded filesystem.
// Packages owning their tables ship migrations this way.
func MigrateFS(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, dir string, cfg Config, log logger) error {
	if fsys == nil {
		return errors.Join(ErrFailedToApplyMigrations, ErrMigrationPathNotProvided)
	}
	if _, err := fs.Stat(fsys, dir); err != nil {
		return errors.Join(ErrMigrationsDirNotFound, err)
	}
	return up(ctx, pool, fsys, dir, cfg.MigrationsTable, log)
}

// up runs goose over a database/sql view of the pool; goose keeps package level
// state, so migrations run once at startup and never concurrently.
func up(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, dir, table string, log logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close database connection", "error", err)
		}
	}(db)

	goose.SetLogger(newSlogAdapter(log))
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if table != "" {
		goose.SetTableName(table)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	if err := goose.UpContext(ctx, db, dir); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	return nil
}

// migrateSlogAdapter routes goose's Printf-style output to the structured logger
type migrateSlogAdapter struct {
	log logger
}

func newSlogAdapter(log logger) goose.Logger {
	return &migrateSlogAdapter{
		log: log,
	}
}

func (a *migrateSlogAdapter) Fatalf(format string, v ...any) {
	a.log.ErrorContext(context.Background(), fmt.Sprintf(format, v...))
}

func (a *migrateSlogAdapter) Printf(format string, v ...any) {
	a.log.InfoContext(context.Background(), fmt.Sprintf(format, v...))
}
