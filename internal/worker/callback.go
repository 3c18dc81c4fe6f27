package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Callback is the intake-side reporting surface. It exists so the worker can
// hand lock release back to the API process; when it is unreachable the
// worker falls back to releasing the lock directly.
type Callback interface {
	UpdateStatus(ctx context.Context, jobID, resultURL string) error
	ReleaseLock(ctx context.Context, sessionID string) error
}

// APIClient posts worker outcomes to the intake service's internal endpoints.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) UpdateStatus(ctx context.Context, jobID, resultURL string) error {
	return c.post(ctx, "/update_status", map[string]string{
		"jobId":     jobID,
		"resultUrl": resultURL,
	})
}

func (c *APIClient) ReleaseLock(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/release_lock", map[string]string{
		"sessionId": sessionID,
	})
}

func (c *APIClient) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback %s got status %d", path, resp.StatusCode)
	}
	return nil
}

var _ Callback = (*APIClient)(nil)
