package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"server/internal/domain"
)

type updateStatusRequest struct {
	JobID     string `json:"jobId"`
	ResultURL string `json:"resultUrl"`
}

// UpdateStatus is the internal worker callback: mark the job completed and
// free its session so the client can submit again.
func (a *App) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.JobID == "" || req.ResultURL == "" {
		a.error(w, http.StatusBadRequest, "Missing jobId or resultUrl")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "Job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", req.JobID).Msg("update_status: lookup failed")
		a.error(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if err := a.Jobs.UpdateStatus(r.Context(), req.JobID, domain.JobStatusCompleted, domain.StatusUpdate{
		ResultURL: &req.ResultURL,
	}); err != nil {
		a.Logger.Error().Err(err).Str("job_id", req.JobID).Msg("update_status: update failed")
		a.error(w, http.StatusInternalServerError, "failed to update job")
		return
	}

	// Worker finished; the lock must not outlive the job. Release errors are
	// swallowed, the TTL covers them.
	if err := a.Locks.ForceRelease(r.Context(), job.SessionID); err != nil {
		a.Logger.Warn().Err(err).Str("session_id", job.SessionID).Msg("update_status: lock release failed, relying on TTL")
	}

	a.json(w, http.StatusOK, map[string]string{"status": "updated"})
}

type releaseLockRequest struct {
	SessionID string `json:"sessionId"`
}

// ReleaseLock is the internal failure-path callback: a worker reporting a
// failed job frees the session even though there is no result.
func (a *App) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req releaseLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.SessionID == "" {
		a.error(w, http.StatusBadRequest, "Missing sessionId")
		return
	}

	if err := a.Locks.ForceRelease(r.Context(), req.SessionID); err != nil {
		a.Logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("release_lock: release failed, relying on TTL")
		a.error(w, http.StatusInternalServerError, "failed to release lock")
		return
	}

	a.json(w, http.StatusOK, map[string]string{"status": "released"})
}
