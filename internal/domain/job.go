package domain

import "time"

// Build job status values. A job only moves forward:
// pending -> running -> {success|failed|cancelled}.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSuccess   = "success"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// StallReason is recorded on jobs force-failed after exhausting stall retries.
const StallReason = "stalled"

// JobTerminal reports whether the given status is a terminal job state.
func JobTerminal(status string) bool {
	switch status {
	case JobSuccess, JobFailed, JobCancelled:
		return true
	}
	return false
}

// BuildRequest is the admission-time input subset of a BuildJob.
type BuildRequest struct {
	ProjectID      string            `json:"project_id"`
	RepoURL        string            `json:"repo_url"`
	CommitSHA      string            `json:"commit_sha"`
	Branch         string            `json:"branch,omitempty"`
	DockerfilePath string            `json:"dockerfile_path,omitempty"`
	BuildArgs      map[string]string `json:"build_args,omitempty"`
	CacheKey       string            `json:"cache_key,omitempty"`
}

// BuildJob captures one container build request and its lifecycle.
type BuildJob struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	RepoURL        string            `json:"repo_url"`
	CommitSHA      string            `json:"commit_sha"`
	Branch         string            `json:"branch"`
	DockerfilePath string            `json:"dockerfile_path"`
	BuildArgs      map[string]string `json:"build_args,omitempty"`
	CacheKey       string            `json:"cache_key,omitempty"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	WorkerID       string            `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
	StallCount     int               `json:"stall_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// JobResult carries the terminal outcome a worker reports for a claimed job.
type JobResult struct {
	Status   string
	ImageURL string
	Error    string
	Metadata map[string]string
}

// LogLine is a single append-only build log entry.
type LogLine struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
