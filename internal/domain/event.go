package domain

import "time"

// Lifecycle event types published on the event stream. Collaborators
// (log streaming, metrics, alerting) subscribe instead of hooking into
// worker internals.
const (
	EventJobActive    = "active"
	EventJobCompleted = "completed"
	EventJobFailed    = "failed"
	EventJobStalled   = "stalled"

	EventDeploymentAccepted  = "rollout_accepted"
	EventDeploymentCompleted = "rollout_completed"
	EventDeploymentFailed    = "rollout_failed"

	EventLogLine = "log"
)

// Event is one lifecycle notification scoped to a project.
type Event struct {
	ProjectID  string            `json:"project_id"`
	Type       string            `json:"type"`
	JobID      string            `json:"job_id,omitempty"`
	Deployment string            `json:"deployment_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
