// Package orchestrator is the boundary to the runtime orchestrator that
// actually places containers. The deployer only ever talks through this
// interface; rollout mechanics live on the other side of it.
package orchestrator

import (
	"context"
	"time"
)

// RolloutRequest asks the orchestrator to roll an environment to an image.
type RolloutRequest struct {
	DeploymentID string `json:"deployment_id"`
	ProjectID    string `json:"project_id"`
	Environment  string `json:"environment"`
	Strategy     string `json:"strategy"`
	ImageURL     string `json:"image_url"`
}

// RolloutResponse is the orchestrator's admission verdict.
type RolloutResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// HealthReport describes rollout progress for one deployment.
type HealthReport struct {
	Healthy         bool      `json:"healthy"`
	ReadyReplicas   int       `json:"ready_replicas"`
	DesiredReplicas int       `json:"desired_replicas"`
	Reason          string    `json:"reason,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Orchestrator places rollouts and reports their health.
type Orchestrator interface {
	RequestRollout(ctx context.Context, req RolloutRequest) (RolloutResponse, error)
	Health(ctx context.Context, deploymentID string) (HealthReport, error)
	Abort(ctx context.Context, deploymentID string) error
}
