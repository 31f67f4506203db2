package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/jobqueue/pkg/pg"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one archived job
type Record struct {
	Queue        string
	JobID        string
	Name         string
	State        queue.State
	AttemptsMade int
	Data         json.RawMessage
	Result       json.RawMessage
	FailedReason string
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
}

// RecordFromJob converts a finished job
func RecordFromJob(job *queue.Job) Record {
	return Record{
		Queue:        job.Queue,
		JobID:        job.ID,
		Name:         job.Name,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		Data:         job.Data,
		Result:       job.Result,
		FailedReason: job.FailedReason,
		CreatedAt:    job.CreatedAt,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedOn,
	}
}

// Store persists archive records
type Store interface {
	Upsert(ctx context.Context, r Record) error
}

// Execer is the subset of pgxpool.Pool and pgx.Tx used by PostgresStore
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore writes records into job_archive
type PostgresStore struct {
	db Execer
}

// NewPostgresStore creates a store on db; pass a *pgxpool.Pool or a transaction
func NewPostgresStore(db Execer) *PostgresStore {
	return &PostgresStore{db: db}
}

const upsertQuery = `
	INSERT INTO job_archive (queue, job_id, name, state, attempts_made, data, result,
		failed_reason, created_at, processed_on, finished_on, archived_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	ON CONFLICT (queue, job_id) DO UPDATE SET
		name = EXCLUDED.name,
		state = EXCLUDED.state,
		attempts_made = EXCLUDED.attempts_made,
		data = EXCLUDED.data,
		result = EXCLUDED.result,
		failed_reason = EXCLUDED.failed_reason,
		processed_on = EXCLUDED.processed_on,
		finished_on = EXCLUDED.finished_on,
		archived_at = now()`

// Upsert inserts the record or replaces the row of the same job
func (s *PostgresStore) Upsert(ctx context.Context, r Record) error {
	var failedReason *string
	if r.FailedReason != "" {
		failedReason = &r.FailedReason
	}
	_, err := s.db.Exec(ctx, upsertQuery,
		r.Queue, r.JobID, r.Name, string(r.State), r.AttemptsMade,
		jsonb(r.Data), jsonb(r.Result), failedReason,
		r.CreatedAt, r.ProcessedOn, r.FinishedOn,
	)
	if err != nil {
		return errors.Join(ErrFailedToArchiveJob, err)
	}
	return nil
}

// jsonb maps empty payloads to NULL
func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Migrate creates the job_archive table
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	return pg.MigrateFS(ctx, pool, migrations, "migrations", cfg, log)
}
