package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Authorizer decides whether a principal may act on a project. Project
// ownership lives in the external auth service; this boundary keeps the
// pipeline out of the identity business.
type Authorizer interface {
	CanAccessProject(ctx context.Context, principal *Principal, projectID string) (bool, error)
}

// HTTPAuthorizer asks the auth service for project access decisions.
type HTTPAuthorizer struct {
	baseURL string
	client  *http.Client
}

var _ Authorizer = (*HTTPAuthorizer)(nil)

// NewHTTPAuthorizer constructs an authorizer against the auth service.
func NewHTTPAuthorizer(baseURL string, timeout time.Duration) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAuthorizer{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// CanAccessProject checks key-to-project binding with the auth service.
// Service principals bypass the check: internal processes act across
// projects by design of the deployment pipeline.
func (a *HTTPAuthorizer) CanAccessProject(ctx context.Context, principal *Principal, projectID string) (bool, error) {
	if principal.Service {
		return true, nil
	}
	endpoint := fmt.Sprintf("%s/keys/%s/projects/%s", a.baseURL,
		url.PathEscape(principal.ID), url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("auth: build request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth: project access check: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("auth: project access check: unexpected status %s", resp.Status)
	}
}

// AllowAll grants every principal access to every project. Used when no
// auth service is configured (single-node dev mode).
type AllowAll struct{}

// CanAccessProject always returns true.
func (AllowAll) CanAccessProject(context.Context, *Principal, string) (bool, error) {
	return true, nil
}
