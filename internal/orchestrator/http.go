package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the orchestrator service over its REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Orchestrator = (*HTTPClient)(nil)

// NewHTTPClient constructs a client for the orchestrator at baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// RequestRollout submits a rollout. A 2xx with accepted=false is a
// rejection verdict, not an error; errors mean the orchestrator could
// not be asked at all.
func (c *HTTPClient) RequestRollout(ctx context.Context, rollout RolloutRequest) (RolloutResponse, error) {
	var resp RolloutResponse
	if err := c.do(ctx, http.MethodPost, "/rollouts", rollout, &resp); err != nil {
		return RolloutResponse{}, err
	}
	return resp, nil
}

// Health fetches the current rollout health for a deployment.
func (c *HTTPClient) Health(ctx context.Context, deploymentID string) (HealthReport, error) {
	var report HealthReport
	path := "/rollouts/" + url.PathEscape(deploymentID) + "/health"
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

// Abort asks the orchestrator to stop a rollout in flight.
func (c *HTTPClient) Abort(ctx context.Context, deploymentID string) error {
	path := "/rollouts/" + url.PathEscape(deploymentID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orchestrator: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("orchestrator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("orchestrator: %s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("orchestrator: decode response: %w", err)
	}
	return nil
}
