package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Uploader pushes a local artifact to external storage and returns the
// public URL clients will poll for.
type Uploader interface {
	Upload(ctx context.Context, localPath, jobID string) (string, error)
}

// terminalError marks upload failures retrying cannot fix (permission
// denied, not found). They skip straight to the fallback.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// HTTPUploader POSTs the artifact to the storage collaborator. Transient
// transport failures (network errors, timeouts, 5xx) are retried with
// exponential backoff: 1s, 2s, 4s for the default three attempts.
type HTTPUploader struct {
	endpoint    string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewHTTPUploader builds an uploader against endpoint with the given
// attempt bound.
func NewHTTPUploader(endpoint string, maxAttempts int) *HTTPUploader {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &HTTPUploader{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 60 * time.Second},
		maxAttempts: maxAttempts,
		baseDelay:   time.Second,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, localPath, jobID string) (string, error) {
	var lastErr error
	delay := u.baseDelay
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := u.sleep(ctx, delay); err != nil {
				return "", err
			}
			delay *= 2
		}
		url, err := u.attempt(ctx, localPath, jobID)
		if err == nil {
			return url, nil
		}
		var terminal *terminalError
		if errors.As(err, &terminal) {
			return "", terminal.err
		}
		lastErr = err
	}
	return "", fmt.Errorf("upload retries exhausted after %d attempts: %w", u.maxAttempts, lastErr)
}

func (u *HTTPUploader) attempt(ctx context.Context, localPath, jobID string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", &terminalError{fmt.Errorf("open artifact: %w", err)}
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, f)
	if err != nil {
		return "", &terminalError{fmt.Errorf("build upload request: %w", err)}
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Job-ID", jobID)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload transport: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("upload got status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", &terminalError{fmt.Errorf("upload rejected with status %d", resp.StatusCode)}
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return payload.URL, nil
}

// Via tags which route produced a result URL.
type Via string

const (
	ViaPrimary  Via = "primary"
	ViaFallback Via = "fallback"
)

// UploadResult is the outcome of Store.Upload: a valid public URL plus the
// route that produced it.
type UploadResult struct {
	URL string
	Via Via
}

// Store chains the primary uploader with the local fallback. The fallback is
// the last line of defense: as long as the local copy lands, Upload returns
// some valid URL and the job can complete.
type Store struct {
	primary       Uploader
	files         *FileStore
	publicBaseURL string
	logger        zerolog.Logger
}

// NewStore wires the fallback chain. primary may be nil when no external
// storage is configured, in which case every upload goes local.
func NewStore(primary Uploader, files *FileStore, publicBaseURL string, logger zerolog.Logger) *Store {
	return &Store{
		primary:       primary,
		files:         files,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
	}
}

// Upload tries the external collaborator first, then falls back to the
// locally served results directory.
func (s *Store) Upload(ctx context.Context, localPath, jobID string) (UploadResult, error) {
	if s.primary != nil {
		url, err := s.primary.Upload(ctx, localPath, jobID)
		if err == nil {
			return UploadResult{URL: url, Via: ViaPrimary}, nil
		}
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("storage: primary upload failed, using local fallback")
	}

	key := jobID + resultExtension(localPath)
	if _, err := s.files.CopyFrom(ctx, key, localPath); err != nil {
		return UploadResult{}, fmt.Errorf("fallback copy: %w", err)
	}
	return UploadResult{
		URL: fmt.Sprintf("%s/results/%s", s.publicBaseURL, key),
		Via: ViaFallback,
	}, nil
}

func resultExtension(localPath string) string {
	if ext := filepath.Ext(localPath); ext != "" {
		return ext
	}
	return ".jpg"
}
