package postgresql

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-jobs-service/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id            UUID PRIMARY KEY,
	kind          TEXT        NOT NULL,
	status        TEXT        NOT NULL,
	params        JSONB       NOT NULL DEFAULT '{}',
	error_code    TEXT,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT
);
`

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// JobHistoryRepository keeps one row per finished job for auditing. It is
// write-only: the in-memory registry is never rebuilt from it.
type JobHistoryRepository struct {
	db execer
}

func NewJobHistoryRepository(pool *pgxpool.Pool) *JobHistoryRepository {
	return &JobHistoryRepository{db: pool}
}

func (r *JobHistoryRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

// Record stores terminal snapshots and ignores everything else. Replays of
// the same job are dropped.
func (r *JobHistoryRepository) Record(ctx context.Context, job entity.Job) error {
	if !job.Status.Terminal() || job.CompletedAt == nil {
		return nil
	}

	const q = `
INSERT INTO job_history (id, kind, status, params, error_code, error_message, created_at, started_at, completed_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING;
`
	var (
		errCode, errMsg *string
		duration        *int64
	)
	if job.Error != nil {
		code := string(job.Error.Code)
		errCode, errMsg = &code, &job.Error.Message
	}
	if job.StartedAt != nil {
		ms := job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
		duration = &ms
	}

	_, err := r.db.Exec(ctx, q,
		job.ID,
		string(job.Kind),
		string(job.Status),
		job.Params, // encoded as JSON by pgx
		errCode,
		errMsg,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt.UTC().Truncate(time.Microsecond),
		duration,
	)
	if err != nil {
		return fmt.Errorf("insert job history %s: %w", job.ID, err)
	}
	return nil
}
