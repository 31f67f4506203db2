package pg_test

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/pg"
)

func TestTable(t *testing.T) {
	t.Parallel()

	table := pg.Table{
		Schema: "public",
		Name:   "job_archive",
		Columns: []pg.Column{
			{Name: "queue", Type: "text", NotNull: true},
			{Name: "result", Type: "jsonb"},
		},
	}

	assert.Equal(t, `"public"."job_archive"`, table.QualifiedName())
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS \"public\".\"job_archive\" (\n"+
		"    \"queue\" text NOT NULL,\n"+
		"    \"result\" jsonb\n"+
		");\n", table.CreateStatement())

	quoted := pg.Table{Schema: "public", Name: `we"ird`}
	assert.Equal(t, `"public"."we""ird"`, quoted.QualifiedName())
}

func TestDump_NilPool(t *testing.T) {
	t.Parallel()
	_, err := pg.Dump(context.Background(), nil, nil, pg.DumpOptions{})
	require.ErrorIs(t, err, pg.ErrFailedToOpenDBConnection)
}

func TestConnect_Validation(t *testing.T) {
	t.Parallel()

	t.Run("empty connection string", func(t *testing.T) {
		t.Parallel()
		_, err := pg.Connect(context.Background(), pg.Config{})
		require.ErrorIs(t, err, pg.ErrEmptyConnectionString)
	})

	t.Run("invalid connection string", func(t *testing.T) {
		t.Parallel()
		_, err := pg.Connect(context.Background(), pg.Config{ConnectionString: "postgres://%zz"})
		require.ErrorIs(t, err, pg.ErrFailedToParseDBConfig)
	})
}

func TestMigrate_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no path", func(t *testing.T) {
		t.Parallel()
		err := pg.Migrate(ctx, nil, pg.Config{}, nil)
		require.ErrorIs(t, err, pg.ErrMigrationPathNotProvided)
	})

	t.Run("missing directory", func(t *testing.T) {
		t.Parallel()
		err := pg.Migrate(ctx, nil, pg.Config{MigrationsPath: t.TempDir() + "/nope"}, nil)
		require.ErrorIs(t, err, pg.ErrMigrationsDirNotFound)
	})

	t.Run("missing embedded directory", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{"other/0001_init.sql": &fstest.MapFile{Data: []byte("-- +goose Up")}}
		err := pg.MigrateFS(ctx, nil, fsys, "migrations", pg.Config{}, nil)
		require.ErrorIs(t, err, pg.ErrMigrationsDirNotFound)
	})
}
