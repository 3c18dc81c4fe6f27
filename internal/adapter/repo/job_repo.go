package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// EnsureSchema provisions the jobs table. Safe to run on every startup.
func (r *JobRepositoryPG) EnsureSchema(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id          TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    status          TEXT NOT NULL,
    result_url      TEXT,
    error           TEXT,
    technical_error TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

// NewJobID generates a fresh opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (job_id, session_id, status, result_url, error, technical_error)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := r.pool.Exec(ctx, query,
		job.JobID,
		job.SessionID,
		job.Status,
		job.ResultURL,
		job.Error,
		job.TechnicalError,
	)
	return err
}

// UpdateStatus applies a partial update. Only supplied fields change;
// updated_at always refreshes, so re-asserting a terminal status is a no-op
// in effect. result_url is forced null for every status except completed.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, update domain.StatusUpdate) error {
	resultURL := update.ResultURL
	if status != domain.JobStatusCompleted {
		resultURL = nil
	}
	query := `
UPDATE jobs
SET status = $2,
    updated_at = NOW(),
    result_url = CASE WHEN $2 = 'completed' THEN COALESCE($3, result_url) ELSE NULL END,
    error = COALESCE($4, error),
    technical_error = COALESCE($5, technical_error)
WHERE job_id = $1;
`
	tag, err := r.pool.Exec(ctx, query, jobID, status, resultURL, update.Error, update.TechnicalError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT job_id, session_id, status, result_url, error, technical_error, created_at, updated_at
FROM jobs
WHERE job_id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	var job domain.Job
	if err := row.Scan(
		&job.JobID,
		&job.SessionID,
		&job.Status,
		&job.ResultURL,
		&job.Error,
		&job.TechnicalError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}
