// Package coordinator is the boundary to the coordinating service that
// assigns runs and collects their results. The scheduler depends only on
// the Client interface; the HTTP implementation here is a thin JSON
// wrapper around it.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// Report is the final word on one run. Reports are idempotent on the
// coordinator side: resending for an already-acknowledged run is a no-op.
type Report struct {
	BundleUUID    string `json:"bundle_uuid"`
	Outcome       string `json:"outcome"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Heartbeat tells the coordinator the worker is alive and what shape it
// is in.
type Heartbeat struct {
	WorkerID   string `json:"worker_id"`
	Tag        string `json:"tag,omitempty"`
	ActiveRuns int    `json:"active_runs"`
	Degraded   bool   `json:"degraded"`
	Draining   bool   `json:"draining"`
}

// Client is what the scheduler needs from the coordinating service.
type Client interface {
	// FetchAssignments returns newly assigned run specs, at most max.
	FetchAssignments(ctx context.Context, max int) ([]model.RunSpec, error)
	// ReportRun delivers a run's final state. A nil error means the report
	// was acknowledged.
	ReportRun(ctx context.Context, r Report) error
	// SendHeartbeat reports liveness and worker status.
	SendHeartbeat(ctx context.Context, hb Heartbeat) error
}

const requestTimeout = 30 * time.Second

// HTTPClient talks JSON over HTTP to the coordinating service with basic
// auth credentials.
type HTTPClient struct {
	baseURL  string
	workerID string
	username string
	password string
	client   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service at baseURL, acting as the
// given worker.
func NewHTTPClient(baseURL, workerID, username, password string) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		workerID: workerID,
		username: username,
		password: password,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// FetchAssignments pulls pending run assignments for this worker.
func (c *HTTPClient) FetchAssignments(ctx context.Context, max int) ([]model.RunSpec, error) {
	var resp struct {
		Assignments []model.RunSpec `json:"assignments"`
	}
	path := fmt.Sprintf("/workers/%s/assignments?limit=%d", url.PathEscape(c.workerID), max)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Assignments, nil
}

// ReportRun posts a run's final state. HTTP 409 counts as acknowledged: it
// means the coordinator already has this report.
func (c *HTTPClient) ReportRun(ctx context.Context, r Report) error {
	path := fmt.Sprintf("/workers/%s/runs/%s/report",
		url.PathEscape(c.workerID), url.PathEscape(r.BundleUUID))
	err := c.do(ctx, http.MethodPost, path, r, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusConflict {
		return nil
	}
	return err
}

// SendHeartbeat posts liveness and worker status.
func (c *HTTPClient) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	path := fmt.Sprintf("/workers/%s/heartbeat", url.PathEscape(c.workerID))
	return c.do(ctx, http.MethodPost, path, hb, nil)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.code, e.body)
}

// do performs one JSON request/response round trip.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(b))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
