package store

import (
	"context"
	"time"

	"github.com/cygni/cloudexpress/internal/domain"
)

// JobStore is the durable record of build jobs. It is the single owner of
// job status: callers propose transitions and the store enforces legality.
// The lease, not a mutex, is what prevents double-processing.
type JobStore interface {
	// CreateJob persists a new pending job; ErrDuplicateID on id collision.
	CreateJob(ctx context.Context, job *domain.BuildJob) error
	// Claim atomically moves a pending job to running and records lease
	// ownership. ErrAlreadyClaimed when another worker holds it,
	// ErrNotPending for any other non-pending status.
	Claim(ctx context.Context, id, workerID string, leaseDuration time.Duration) (*domain.BuildJob, error)
	// ClaimNext claims the oldest pending job with no outstanding lease.
	// ErrNotFound when no pending work exists.
	ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.BuildJob, error)
	// Heartbeat extends the caller's lease; ErrLeaseExpired if the lease
	// was reassigned or the job is no longer running under this worker.
	Heartbeat(ctx context.Context, id, workerID string, leaseDuration time.Duration) error
	// Complete moves a running job to a terminal state. Only the current
	// lease holder succeeds; everyone else gets ErrNotOwner.
	Complete(ctx context.Context, id, workerID string, result domain.JobResult) error
	// ReleaseLease returns a running job to pending without counting a
	// stall, used by supervisor drain so the queue can reassign promptly.
	ReleaseLease(ctx context.Context, id, workerID string) error
	// ReapStalled requeues running jobs whose lease expired, at most
	// maxStallRetries times each; beyond that the job is force-failed
	// with reason "stalled". Returns requeued and failed jobs.
	ReapStalled(ctx context.Context, now time.Time, maxStallRetries int) (requeued, failed []domain.BuildJob, err error)

	GetJob(ctx context.Context, id string) (*domain.BuildJob, error)
	ListJobsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildJob, error)
	CountJobsByStatus(ctx context.Context, status string) (int, error)
}

// DeploymentStore is the durable record of deployments.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	// UpdateDeploymentStatus applies a proposed transition; terminal
	// records are immutable and illegal moves get ErrIllegalTransition.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status string) ([]domain.Deployment, error)
}

// LogStore persists append-only build logs. Lines are streamed row by
// row so large logs never sit fully in memory.
type LogStore interface {
	AppendLog(ctx context.Context, jobID, line string) error
	ListLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]domain.LogLine, error)
}

// KeyStore resolves API key records for gateway authentication.
type KeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error)
}

// Store aggregates all persistence interfaces a process wires at startup.
type Store interface {
	JobStore
	DeploymentStore
	LogStore
}
