package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	// JobStatusError marks jobs that never reached a worker: dispatch
	// failures on the intake path and dead-lettered messages.
	JobStatusError JobStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusError:
		return true
	}
	return false
}

// Job is the durable record of one swap request. ResultURL is non-nil
// exactly when Status is completed. Error holds the user-facing message;
// TechnicalError the internal diagnostic, never exposed to clients.
type Job struct {
	JobID          string
	SessionID      string
	Status         JobStatus
	ResultURL      *string
	Error          *string
	TechnicalError *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusUpdate is a partial update applied by the repository. Nil fields are
// left untouched; UpdatedAt always advances.
type StatusUpdate struct {
	ResultURL      *string
	Error          *string
	TechnicalError *string
}
