package domain

import "time"

// Deployment status values. Terminal deployments are immutable history;
// a rollback is a new Deployment referencing an older build.
const (
	DeploymentPending    = "pending"
	DeploymentInProgress = "in_progress"
	DeploymentCompleted  = "completed"
	DeploymentFailed     = "failed"
)

// StrategyRolling is the only rollout strategy validated at admission.
const StrategyRolling = "rolling"

// Health status values derived from orchestrator probes.
const (
	HealthPending   = "pending"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// CancelledReason is recorded when an operator cancels a deployment.
const CancelledReason = "cancelled"

// DeploymentTerminal reports whether the status is terminal.
func DeploymentTerminal(status string) bool {
	return status == DeploymentCompleted || status == DeploymentFailed
}

// DeploymentRequest is the admission-time input for a Deployment.
type DeploymentRequest struct {
	ProjectID   string `json:"project_id"`
	Environment string `json:"environment"`
	Strategy    string `json:"strategy"`
	BuildJobID  string `json:"build_job_id"`
}

// Deployment captures a single rollout of a built image to an environment.
type Deployment struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Environment  string     `json:"environment"`
	Strategy     string     `json:"strategy"`
	BuildJobID   string     `json:"build_job_id"`
	ImageURL     string     `json:"image_url,omitempty"`
	Status       string     `json:"status"`
	HealthStatus string     `json:"health_status,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// DeploymentStatusUpdate captures a proposed deployment transition. The
// store enforces legality; callers only propose.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	HealthStatus string
	Error        string
	CompletedAt  *time.Time
}
