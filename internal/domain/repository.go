package domain

import "context"

// JobRepository defines persistence for job records.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, update StatusUpdate) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
}

// LockManager guards "one in-flight job per session". Acquire is an atomic
// conditional set; Release only removes the lock if the caller still owns
// the supplied token; ForceRelease removes it unconditionally.
type LockManager interface {
	Acquire(ctx context.Context, sessionID string) (string, error)
	Release(ctx context.Context, sessionID, token string) error
	ForceRelease(ctx context.Context, sessionID string) error
}
