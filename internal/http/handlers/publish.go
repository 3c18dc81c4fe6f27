package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/queue"
)

const maxUploadBytes = 32 << 20

// Uploader-supplied filenames are untrusted. Only the extension is kept,
// and only if it is on this list.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Publish accepts two images plus a session identifier and enqueues a swap
// job. From the moment the session lock is acquired, every exit path either
// responds with a job in flight or releases the lock exactly once.
func (a *App) Publish(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		a.error(w, http.StatusBadRequest, "Missing sessionId")
		return
	}

	token, err := a.Locks.Acquire(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionBusy) {
			a.error(w, http.StatusTooManyRequests, "Previous job still processing")
			return
		}
		// Fail closed: an unreachable lock store must not admit a job.
		a.Logger.Error().Err(err).Str("session_id", sessionID).Msg("publish: lock store unavailable")
		a.error(w, http.StatusInternalServerError, "could not acquire session lock")
		return
	}

	img1, hdr1, err1 := r.FormFile("image1")
	img2, hdr2, err2 := r.FormFile("image2")
	if err1 != nil || err2 != nil {
		if img1 != nil {
			_ = img1.Close()
		}
		if img2 != nil {
			_ = img2.Close()
		}
		a.releaseLock(r, sessionID, token)
		a.error(w, http.StatusBadRequest, "Missing image1 or image2")
		return
	}
	defer img1.Close()
	defer img2.Close()

	jobID := repo.NewJobID()
	jobDir := filepath.Join(a.WorkDir, jobID)

	img1Path, err := saveArtifact(jobDir, "image1", hdr1.Filename, img1)
	var img2Path string
	if err == nil {
		img2Path, err = saveArtifact(jobDir, "image2", hdr2.Filename, img2)
	}
	if err != nil {
		a.removeJobDir(jobDir, jobID)
		a.releaseLock(r, sessionID, token)
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("publish: failed to persist artifacts")
		a.error(w, http.StatusInternalServerError, "failed to save uploaded images")
		return
	}

	job := &domain.Job{
		JobID:     jobID,
		SessionID: sessionID,
		Status:    domain.JobStatusProcessing,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.removeJobDir(jobDir, jobID)
		a.releaseLock(r, sessionID, token)
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("publish: failed to create job record")
		a.error(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	desc := queue.Descriptor{
		JobID:     jobID,
		Img1Path:  img1Path,
		Img2Path:  img2Path,
		SessionID: sessionID,
	}
	if err := a.Dispatcher.Publish(r.Context(), desc); err != nil {
		msg := "could not dispatch job"
		detail := err.Error()
		if updErr := a.Jobs.UpdateStatus(r.Context(), jobID, domain.JobStatusError, domain.StatusUpdate{
			Error:          &msg,
			TechnicalError: &detail,
		}); updErr != nil {
			a.Logger.Error().Err(updErr).Str("job_id", jobID).Msg("publish: failed to mark job error after dispatch failure")
		}
		a.removeJobDir(jobDir, jobID)
		a.releaseLock(r, sessionID, token)
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("publish: dispatch failed")
		a.error(w, http.StatusInternalServerError, "failed to dispatch job")
		return
	}

	a.Logger.Info().Str("job_id", jobID).Str("session_id", sessionID).Msg("publish: job dispatched")
	a.json(w, http.StatusOK, map[string]string{"status": "processing", "jobId": jobID})
}

// releaseLock frees the session on an intake failure path. Errors are logged
// and swallowed: the TTL is the backstop, and the client already gets the
// real failure in the response.
func (a *App) releaseLock(r *http.Request, sessionID, token string) {
	if err := a.Locks.Release(r.Context(), sessionID, token); err != nil {
		a.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("publish: lock release failed, relying on TTL")
	}
}

func (a *App) removeJobDir(jobDir, jobID string) {
	if err := os.RemoveAll(jobDir); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("publish: job dir cleanup failed")
	}
}

// saveArtifact writes an uploaded image under jobDir with a generated,
// collision-resistant name. Only the extension of the client filename is
// trusted, defaulting to .jpg.
func saveArtifact(jobDir, field, clientName string, src multipart.File) (string, error) {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	unique := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := fmt.Sprintf("%s_%s%s", field, unique, safeExtension(clientName))
	path := filepath.Join(jobDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return path, nil
}

func safeExtension(clientName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(clientName)))
	if allowedExtensions[ext] {
		return ext
	}
	return ".jpg"
}
