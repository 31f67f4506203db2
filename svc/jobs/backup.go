package jobs

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/jobqueue/pkg/file"
	"github.com/dmitrymomot/jobqueue/pkg/logger"
	"github.com/dmitrymomot/jobqueue/pkg/pg"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// BackupPrefix is the blob prefix all database backups are stored under
const BackupPrefix = "backups/database/"

// BackupPayload is the data of a database-backup job
type BackupPayload struct {
	Type          string `json:"type"` // full or schema-only
	ScheduledBy   string `json:"scheduledBy,omitempty"`
	RetentionDays int    `json:"retentionDays,omitempty"`
	Compress      *bool  `json:"compress,omitempty"` // true when omitted
	ParallelJobs  int    `json:"parallelJobs,omitempty"`
}

func (p BackupPayload) withDefaults() BackupPayload {
	if p.Type == "" {
		p.Type = string(pg.DumpFull)
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = 30
	}
	if p.Compress == nil {
		compress := true
		p.Compress = &compress
	}
	return p
}

// BackupResult is returned by a completed database-backup job
type BackupResult struct {
	Success   bool   `json:"success"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Timestamp string `json:"timestamp"`
	Tables    int    `json:"tables"`
	Pruned    int    `json:"pruned"`
}

// Dumper writes a database dump
type Dumper interface {
	Dump(ctx context.Context, w io.Writer, opts pg.DumpOptions) (pg.DumpStats, error)
}

// DumperFunc adapts a function to Dumper
type DumperFunc func(ctx context.Context, w io.Writer, opts pg.DumpOptions) (pg.DumpStats, error)

func (f DumperFunc) Dump(ctx context.Context, w io.Writer, opts pg.DumpOptions) (pg.DumpStats, error) {
	return f(ctx, w, opts)
}

// PoolDumper dumps the database behind pool with COPY
func PoolDumper(pool *pgxpool.Pool) Dumper {
	return DumperFunc(func(ctx context.Context, w io.Writer, opts pg.DumpOptions) (pg.DumpStats, error) {
		return pg.Dump(ctx, pool, w, opts)
	})
}

type backupProcessor struct {
	dumper  Dumper
	store   file.BlobStore
	cfg     BackupConfig
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewBackupProcessor dumps the database, stores the dump with its SHA-256
// checksum and prunes backups older than the job's retention.
// A failed prune is logged on the job and does not fail the backup.
func NewBackupProcessor(dumper Dumper, store file.BlobStore, cfg BackupConfig, log *slog.Logger) queue.Processor {
	if log == nil {
		log = slog.Default()
	}
	p := &backupProcessor{
		dumper:  dumper,
		store:   store,
		cfg:     cfg,
		logger:  log.With(logger.Component("backup")),
		nowFunc: time.Now,
	}
	return queue.NewTypedProcessor(p.process)
}

func (p *backupProcessor) process(ctx context.Context, job *queue.Job, in BackupPayload) (any, error) {
	in = in.withDefaults()
	mode := pg.DumpMode(in.Type)
	if mode != pg.DumpFull && mode != pg.DumpSchemaOnly {
		return nil, queue.Unrecoverable(fmt.Errorf("unsupported backup type %q", in.Type))
	}

	started := p.nowFunc().UTC()
	dir, err := os.MkdirTemp(p.cfg.TempDir, "backup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := job.UpdateProgress(ctx, 20); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("backup-%s-%s.sql", mode, started.Format("2006-01-02T15-04-05-000Z"))
	dumpPath := filepath.Join(dir, name)
	stats, err := p.dump(ctx, dumpPath, pg.DumpOptions{
		Mode:     mode,
		Schemas:  p.cfg.Schemas,
		Exclude:  p.cfg.ExcludeTables,
		Parallel: in.ParallelJobs,
	})
	if err != nil {
		return nil, err
	}
	_, _ = job.Log(ctx, fmt.Sprintf("Database dump created: %d tables, %d bytes", stats.Tables, stats.Bytes))

	if err := job.UpdateProgress(ctx, 40); err != nil {
		return nil, err
	}
	finalPath := dumpPath
	if *in.Compress {
		finalPath = dumpPath + ".gz"
		if err := gzipFile(dumpPath, finalPath); err != nil {
			return nil, err
		}
		_ = os.Remove(dumpPath)
	}

	if err := job.UpdateProgress(ctx, 60); err != nil {
		return nil, err
	}
	checksum, size, err := checksumFile(finalPath)
	if err != nil {
		return nil, err
	}

	if err := job.UpdateProgress(ctx, 80); err != nil {
		return nil, err
	}
	key := BackupPrefix + filepath.Base(finalPath)
	if err := p.upload(ctx, finalPath, key, checksum, started, in, stats); err != nil {
		return nil, err
	}
	_, _ = job.Log(ctx, fmt.Sprintf("Backup uploaded to %s (%d bytes, sha256 %s)", key, size, checksum))

	if err := job.UpdateProgress(ctx, 90); err != nil {
		return nil, err
	}
	pruned := p.prune(ctx, job, key, in.RetentionDays)

	if err := job.UpdateProgress(ctx, 100); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "database backup completed",
		logger.JobID(job.ID),
		slog.String("path", key),
		slog.Int64("size", size),
		slog.Int("pruned", pruned))

	return BackupResult{
		Success:   true,
		Path:      key,
		Size:      size,
		Checksum:  checksum,
		Timestamp: started.Format(time.RFC3339Nano),
		Tables:    stats.Tables,
		Pruned:    pruned,
	}, nil
}

func (p *backupProcessor) dump(ctx context.Context, dst string, opts pg.DumpOptions) (pg.DumpStats, error) {
	f, err := os.Create(dst)
	if err != nil {
		return pg.DumpStats{}, fmt.Errorf("failed to create dump file: %w", err)
	}
	stats, err := p.dumper.Dump(ctx, f, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return pg.DumpStats{}, fmt.Errorf("database dump failed: %w", err)
	}
	return stats, nil
}

func (p *backupProcessor) upload(ctx context.Context, src, key, checksum string, started time.Time, in BackupPayload, stats pg.DumpStats) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = p.store.Put(ctx, key, f, file.Metadata{
		ContentType: file.ContentType(key),
		Attributes: map[string]string{
			"checksum":     checksum,
			"timestamp":    started.Format(time.RFC3339),
			"type":         in.Type,
			"scheduled-by": in.ScheduledBy,
			"tables":       strconv.Itoa(stats.Tables),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

// prune deletes backups last modified before the retention window, never the one just written
func (p *backupProcessor) prune(ctx context.Context, job *queue.Job, current string, retentionDays int) int {
	objects, err := p.store.List(ctx, BackupPrefix)
	if err != nil {
		_, _ = job.Log(ctx, "Failed to list old backups: "+err.Error())
		p.logger.WarnContext(ctx, "backup retention sweep failed", logger.Error(err))
		return 0
	}

	cutoff := p.nowFunc().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, obj := range objects {
		if obj.Key == current || !obj.LastModified.Before(cutoff) || !strings.HasPrefix(obj.Key, BackupPrefix) {
			continue
		}
		if err := p.store.Delete(ctx, obj.Key); err != nil {
			_, _ = job.Log(ctx, fmt.Sprintf("Failed to delete old backup %s: %v", obj.Key, err))
			continue
		}
		deleted++
		_, _ = job.Log(ctx, "Deleted old backup: "+obj.Key)
	}
	return deleted
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return fmt.Errorf("compression failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("compression failed: %w", err)
	}
	return out.Close()
}

func checksumFile(name string) (string, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sum, err := file.Hash(f, sha256.New())
	if err != nil {
		return "", 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	return sum, info.Size(), nil
}
