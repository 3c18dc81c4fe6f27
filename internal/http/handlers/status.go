package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
)

// Status reports job state for polling clients. Internal diagnostics are
// never exposed here; failed jobs surface only their user-facing message.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "jobId required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.json(w, http.StatusOK, map[string]string{"status": "not_found"})
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("status: lookup failed")
		a.error(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		imageURL := ""
		if job.ResultURL != nil {
			imageURL = *job.ResultURL
		}
		a.json(w, http.StatusOK, map[string]string{"status": "completed", "image_url": imageURL})
	case domain.JobStatusFailed, domain.JobStatusError:
		resp := map[string]string{"status": "failed"}
		if job.Error != nil && *job.Error != "" {
			resp["error"] = *job.Error
		}
		a.json(w, http.StatusOK, resp)
	default:
		a.json(w, http.StatusOK, map[string]string{"status": "processing"})
	}
}
