package jobs_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/file"
	"github.com/dmitrymomot/jobqueue/pkg/pg"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/svc/jobs"
)

const fakeDump = "CREATE TABLE public.users (id bigint NOT NULL);\nCOPY public.users (id) FROM stdin;\n1\n\\.\n"

type recordingDumper struct {
	opts chan pg.DumpOptions
	err  error
}

func (d *recordingDumper) Dump(ctx context.Context, w io.Writer, opts pg.DumpOptions) (pg.DumpStats, error) {
	d.opts <- opts
	if d.err != nil {
		return pg.DumpStats{}, d.err
	}
	n, err := io.WriteString(w, fakeDump)
	return pg.DumpStats{Tables: 1, Bytes: int64(n)}, err
}

func newBackupWorker(t *testing.T, dumper jobs.Dumper) (*queue.Queue, *file.LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := file.NewLocalStore(dir)
	require.NoError(t, err)

	m := newManager(t)
	cfg := jobs.BackupConfig{Schemas: []string{"public"}, ExcludeTables: []string{"public.job_archive"}, TempDir: t.TempDir()}
	_, err = m.RegisterWorker(jobs.QueueCleanup, jobs.NewBackupProcessor(dumper, store, cfg, discardLogger()),
		queue.WithConcurrency(1))
	require.NoError(t, err)
	return getQueue(t, m, jobs.QueueCleanup), store, dir
}

func TestBackupProcessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("dumps compresses uploads and prunes", func(t *testing.T) {
		t.Parallel()
		dumper := &recordingDumper{opts: make(chan pg.DumpOptions, 1)}
		q, store, root := newBackupWorker(t, dumper)

		for _, key := range []string{"backups/database/old.sql.gz", "backups/database/recent.sql.gz"} {
			_, err := store.Put(ctx, key, strings.NewReader("old"), file.Metadata{})
			require.NoError(t, err)
		}
		past := time.Now().AddDate(0, 0, -40)
		require.NoError(t, os.Chtimes(filepath.Join(root, "backups/database/old.sql.gz"), past, past))

		job, err := jobs.TriggerBackup(ctx, fakeQueues{q}, jobs.BackupPayload{ParallelJobs: 4})
		require.NoError(t, err)
		assert.Equal(t, queue.PriorityCritical, job.Opts.Priority)
		assert.Equal(t, 2, job.Opts.Attempts)

		done := waitFinished(t, q, job.ID)
		require.Equal(t, queue.StateCompleted, done.State, done.FailedReason)

		opts := <-dumper.opts
		assert.Equal(t, pg.DumpFull, opts.Mode)
		assert.Equal(t, 4, opts.Parallel)
		assert.Equal(t, []string{"public.job_archive"}, opts.Exclude)

		var res jobs.BackupResult
		require.NoError(t, json.Unmarshal(done.Result, &res))
		assert.True(t, res.Success)
		assert.True(t, strings.HasPrefix(res.Path, jobs.BackupPrefix+"backup-full-"), res.Path)
		assert.True(t, strings.HasSuffix(res.Path, ".sql.gz"), res.Path)
		assert.Equal(t, 1, res.Pruned)

		rc, err := store.Open(ctx, res.Path)
		require.NoError(t, err)
		stored, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()

		sum := sha256.Sum256(stored)
		assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)
		assert.EqualValues(t, len(stored), res.Size)

		zr, err := gzip.NewReader(bytes.NewReader(stored))
		require.NoError(t, err)
		plain, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, fakeDump, string(plain))

		objects, err := store.List(ctx, jobs.BackupPrefix)
		require.NoError(t, err)
		keys := make([]string, 0, len(objects))
		for _, o := range objects {
			keys = append(keys, o.Key)
			if o.Key == res.Path {
				assert.Equal(t, res.Checksum, o.Metadata["checksum"])
				assert.Equal(t, "manual", o.Metadata["scheduled-by"])
				assert.Equal(t, "application/gzip", o.ContentType)
			}
		}
		assert.ElementsMatch(t, []string{"backups/database/recent.sql.gz", res.Path}, keys)

		assert.JSONEq(t, "100", string(done.Progress))
	})

	t.Run("uncompressed schema only", func(t *testing.T) {
		t.Parallel()
		dumper := &recordingDumper{opts: make(chan pg.DumpOptions, 1)}
		q, store, _ := newBackupWorker(t, dumper)

		compress := false
		job, err := q.Add(ctx, jobs.JobDatabaseBackup, jobs.BackupPayload{Type: "schema-only", Compress: &compress})
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		require.Equal(t, queue.StateCompleted, done.State, done.FailedReason)
		assert.Equal(t, pg.DumpSchemaOnly, (<-dumper.opts).Mode)

		var res jobs.BackupResult
		require.NoError(t, json.Unmarshal(done.Result, &res))
		assert.True(t, strings.HasSuffix(res.Path, ".sql"), res.Path)

		rc, err := store.Open(ctx, res.Path)
		require.NoError(t, err)
		defer rc.Close()
		plain, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, fakeDump, string(plain))
	})

	t.Run("unknown type fails without retry", func(t *testing.T) {
		t.Parallel()
		q, _, _ := newBackupWorker(t, &recordingDumper{opts: make(chan pg.DumpOptions, 1)})

		job, err := q.Add(ctx, jobs.JobDatabaseBackup, jobs.BackupPayload{Type: "incremental"}, queue.WithAttempts(2))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		assert.Equal(t, queue.StateFailed, done.State)
		assert.Equal(t, 1, done.AttemptsMade)
	})

	t.Run("dump failure is retried", func(t *testing.T) {
		t.Parallel()
		dumper := &recordingDumper{opts: make(chan pg.DumpOptions, 2), err: errors.New("connection reset")}
		q, store, _ := newBackupWorker(t, dumper)

		job, err := q.Add(ctx, jobs.JobDatabaseBackup, jobs.BackupPayload{},
			queue.WithAttempts(2), queue.WithFixedBackoff(10*time.Millisecond))
		require.NoError(t, err)

		done := waitFinished(t, q, job.ID)
		assert.Equal(t, queue.StateFailed, done.State)
		assert.Equal(t, 2, done.AttemptsMade)
		assert.Contains(t, done.FailedReason, "connection reset")

		objects, err := store.List(ctx, jobs.BackupPrefix)
		require.NoError(t, err)
		assert.Empty(t, objects)
	})
}

// fakeQueues resolves every name to one queue
type fakeQueues struct{ q *queue.Queue }

func (f fakeQueues) Queue(string) (*queue.Queue, error) { return f.q, nil }
